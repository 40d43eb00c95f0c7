package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

// Bet frame layout: ephemeral pubkey (65, uncompressed) || nonce (12) ||
// AES-256-GCM ciphertext || tag (16).
const (
	ephPubLen   = 65
	nonceLen    = 12
	tagLen      = 16
	symKeyLen   = 32
	MinFrameLen = ephPubLen + nonceLen + tagLen

	// betKDFInfo binds derived keys to this protocol.
	betKDFInfo = "shadowsettle/bet-ecies/v1"
)

// EncryptBet seals plaintext to the recipient's secp256k1 public key. Every
// call draws a fresh ephemeral key and nonce.
func EncryptBet(pub *ecdsa.PublicKey, plaintext []byte) ([]byte, error) {
	if pub == nil || pub.X == nil || pub.Y == nil || !ethcrypto.S256().IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("crypto/ecies: invalid recipient key")
	}

	eph, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/ecies: ephemeral key: %w", err)
	}
	ephPub := ethcrypto.FromECDSAPub(&eph.PublicKey)

	aead, err := frameCipher(eph, pub, ephPub)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto/ecies: nonce: %w", err)
	}

	out := make([]byte, 0, ephPubLen+nonceLen+len(plaintext)+tagLen)
	out = append(out, ephPub...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, ephPub), nil
}

// DecryptBet opens a frame produced by EncryptBet. Any malformed or
// unauthenticated input yields domain.ErrDecryption.
func DecryptBet(priv *ecdsa.PrivateKey, frame []byte) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: no private key", domain.ErrDecryption)
	}
	if len(frame) < MinFrameLen {
		return nil, fmt.Errorf("%w: frame %d bytes, need at least %d", domain.ErrDecryption, len(frame), MinFrameLen)
	}

	ephPub := frame[:ephPubLen]
	pub, err := ethcrypto.UnmarshalPubkey(ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", domain.ErrDecryption, err)
	}

	aead, err := frameCipher(priv, pub, ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	nonce := frame[ephPubLen : ephPubLen+nonceLen]
	plaintext, err := aead.Open(nil, nonce, frame[ephPubLen+nonceLen:], ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication tag mismatch", domain.ErrDecryption)
	}
	return plaintext, nil
}

// frameCipher derives the AEAD for one frame from ECDH(priv, pub). The
// ephemeral public key salts the KDF and is authenticated as associated data.
func frameCipher(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey, ephPub []byte) (cipher.AEAD, error) {
	x, y := ethcrypto.S256().ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	if x == nil || (x.Sign() == 0 && y.Sign() == 0) {
		return nil, fmt.Errorf("crypto/ecies: key agreement produced point at infinity")
	}
	shared := x.FillBytes(make([]byte, 32))

	key := make([]byte, symKeyLen)
	kdf := hkdf.New(sha256.New, shared, ephPub, []byte(betKDFInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("crypto/ecies: kdf: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto/ecies: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
