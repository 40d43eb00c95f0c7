// Package crypto holds the engine's key material and the primitives built on
// it: bet-frame ECIES, request signing, and encrypted key files.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 1

	// DefaultSecureKeyPath is where hardened deployments mount the engine key.
	DefaultSecureKeyPath = "/run/secrets/settler.key"
)

// KeySource records where the engine key came from.
type KeySource string

const (
	KeySourceSecure    KeySource = "secure-path"
	KeySourceRaw       KeySource = "raw"
	KeySourceEncrypted KeySource = "encrypted-file"
	KeySourceEphemeral KeySource = "ephemeral"
)

// encryptedKeyJSON is the on-disk format for an encrypted private key.
type encryptedKeyJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig selects how LoadKey resolves the engine key.
type KeyConfig struct {
	// Hardened reads the key from SecureKeyPath and nothing else.
	Hardened      bool
	SecureKeyPath string
	// AllowEphemeralFallback lets a hardened deployment start with a fresh key
	// when SecureKeyPath is unreadable. Off by default: a fresh key silently
	// changes the engine identity and orphans every bet sealed to the old one.
	AllowEphemeralFallback bool

	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

// EncryptKey seals a hex private key under password (PBKDF2-SHA256 +
// AES-256-GCM) and returns the JSON file contents.
func EncryptKey(privateKeyHex string, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key hex: %w", err)
	}
	if _, err := ethcrypto.ToECDSA(keyBytes); err != nil {
		return nil, fmt.Errorf("crypto: invalid secp256k1 key: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := passwordCipher(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	return json.MarshalIndent(encryptedKeyJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, keyBytes, nil)),
	}, "", "  ")
}

// DecryptKey opens a blob produced by EncryptKey.
func DecryptKey(encryptedJSON []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	var stored encryptedKeyJSON
	if err := json.Unmarshal(encryptedJSON, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing encrypted key JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	var salt, nonce, ciphertext []byte
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"salt", stored.Salt, &salt},
		{"nonce", stored.Nonce, &nonce},
		{"ciphertext", stored.Ciphertext, &ciphertext},
	} {
		b, err := base64.StdEncoding.DecodeString(f.in)
		if err != nil {
			return nil, fmt.Errorf("crypto: decoding %s: %w", f.name, err)
		}
		*f.out = b
	}

	gcm, err := passwordCipher(password, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return ethcrypto.ToECDSA(plaintext)
}

func passwordCipher(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// LoadKey resolves the engine key.
//
// Resolution order:
//  1. Hardened: read SecureKeyPath; on failure return ErrKeyUnavailable unless
//     AllowEphemeralFallback is set.
//  2. RawPrivateKey.
//  3. EncryptedKeyPath decrypted with KeyPassword.
//  4. A fresh key for this process only.
func LoadKey(cfg KeyConfig) (*ecdsa.PrivateKey, KeySource, error) {
	if cfg.Hardened {
		path := cfg.SecureKeyPath
		if path == "" {
			path = DefaultSecureKeyPath
		}
		key, err := readHexKeyFile(path)
		if err == nil {
			return key, KeySourceSecure, nil
		}
		if !cfg.AllowEphemeralFallback {
			return nil, "", fmt.Errorf("%w: %s: %v", domain.ErrKeyUnavailable, path, err)
		}
		return generateEphemeral()
	}

	if cfg.RawPrivateKey != "" {
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.RawPrivateKey), "0x"))
		if err != nil {
			return nil, "", fmt.Errorf("crypto: RawPrivateKey is not a valid key: %w", err)
		}
		return key, KeySourceRaw, nil
	}

	if cfg.EncryptedKeyPath != "" {
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return nil, "", fmt.Errorf("crypto: reading encrypted key file: %w", err)
		}
		key, err := DecryptKey(data, cfg.KeyPassword)
		if err != nil {
			return nil, "", err
		}
		return key, KeySourceEncrypted, nil
	}

	return generateEphemeral()
}

func readHexKeyFile(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(data)), "0x"))
}

func generateEphemeral() (*ecdsa.PrivateKey, KeySource, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, "", fmt.Errorf("crypto: generating key: %w", err)
	}
	return key, KeySourceEphemeral, nil
}
