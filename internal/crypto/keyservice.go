package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/shadowsettle/internal/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// KeyService owns the engine keypair for the life of the process. The private
// scalar never leaves this type: callers decrypt and sign through it.
type KeyService struct {
	key     *ecdsa.PrivateKey
	address common.Address
	source  KeySource
	metrics *metrics.Metrics
}

// NewKeyService wraps key. A nil m gets a fresh registry.
func NewKeyService(key *ecdsa.PrivateKey, source KeySource, m *metrics.Metrics) *KeyService {
	if m == nil {
		m = metrics.New()
	}
	return &KeyService{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		source:  source,
		metrics: m,
	}
}

// LoadKeyService resolves the key per cfg and logs where it came from.
func LoadKeyService(cfg KeyConfig, m *metrics.Metrics, logger *slog.Logger) (*KeyService, error) {
	key, source, err := LoadKey(cfg)
	if err != nil {
		return nil, err
	}
	ks := NewKeyService(key, source, m)

	log := logger.With(slog.String("component", "keys"))
	switch {
	case source == KeySourceEphemeral && cfg.Hardened:
		log.Warn("secure key unreadable, running with ephemeral key; engine identity has rotated",
			slog.String("path", cfg.SecureKeyPath),
			slog.String("address", ks.address.Hex()),
		)
	case source == KeySourceEphemeral:
		log.Warn("no key configured, generated ephemeral key",
			slog.String("address", ks.address.Hex()),
		)
	default:
		log.Info("engine key loaded",
			slog.String("source", string(source)),
			slog.String("address", ks.address.Hex()),
		)
	}
	return ks, nil
}

// PublicKey returns the engine's public point.
func (k *KeyService) PublicKey() *ecdsa.PublicKey { return &k.key.PublicKey }

// PublicKeyHex returns the uncompressed public key as 0x-hex.
func (k *KeyService) PublicKeyHex() string {
	return "0x" + hex.EncodeToString(ethcrypto.FromECDSAPub(&k.key.PublicKey))
}

// Address returns the engine's Ethereum address.
func (k *KeyService) Address() common.Address { return k.address }

// Source reports where the key was loaded from.
func (k *KeyService) Source() KeySource { return k.source }

// Metrics returns the engine's counter registry.
func (k *KeyService) Metrics() *metrics.Metrics { return k.metrics }

// Sign signs a 32-byte digest with the engine key.
func (k *KeyService) Sign(digest []byte) ([]byte, error) {
	sig, err := signDigest(k.key, digest)
	if err != nil {
		return nil, err
	}
	k.metrics.Signatures.Inc()
	return sig, nil
}

// SignPolicy answers a channel auth challenge with the engine key.
func (k *KeyService) SignPolicy(p AuthPolicy) (string, error) {
	sig, err := k.Sign(p.Digest())
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// SignTx signs a transaction for chainID.
func (k *KeyService) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), k.key)
	if err != nil {
		return nil, fmt.Errorf("crypto/keys: sign tx: %w", err)
	}
	k.metrics.Signatures.Inc()
	return signed, nil
}

// DecryptBet opens a bet frame sealed to the engine key.
func (k *KeyService) DecryptBet(frame []byte) ([]byte, error) {
	return DecryptBet(k.key, frame)
}
