package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes for channel-network authentication.
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name)"),
	)

	policyTypeHash = ethcrypto.Keccak256(
		[]byte("Policy(string challenge,string scope,address wallet,address session_key,uint64 expires_at,Allowance[] allowances)Allowance(string asset,string amount)"),
	)

	allowanceTypeHash = ethcrypto.Keccak256(
		[]byte("Allowance(string asset,string amount)"),
	)
)

// Allowance caps what a session key may spend of one asset.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// AuthPolicy is the typed message the long-lived key signs to answer an
// auth_challenge.
type AuthPolicy struct {
	Application string
	Challenge   string
	Scope       string
	Wallet      common.Address
	SessionKey  common.Address
	ExpiresAt   uint64
	Allowances  []Allowance
}

// Digest returns the EIP-712 hash of the policy under the application domain.
func (p AuthPolicy) Digest() []byte {
	allowanceHashes := make([][]byte, 0, len(p.Allowances))
	for _, a := range p.Allowances {
		allowanceHashes = append(allowanceHashes, ethcrypto.Keccak256(
			concatBytes(
				allowanceTypeHash,
				ethcrypto.Keccak256([]byte(a.Asset)),
				ethcrypto.Keccak256([]byte(a.Amount)),
			),
		))
	}

	structHash := ethcrypto.Keccak256(
		concatBytes(
			policyTypeHash,
			ethcrypto.Keccak256([]byte(p.Challenge)),
			ethcrypto.Keccak256([]byte(p.Scope)),
			common.LeftPadBytes(p.Wallet.Bytes(), 32),
			common.LeftPadBytes(p.SessionKey.Bytes(), 32),
			bigIntTo32Bytes(new(big.Int).SetUint64(p.ExpiresAt)),
			ethcrypto.Keccak256(concatBytes(allowanceHashes...)),
		),
	)

	return eip712Hash(buildDomainSeparator(p.Application), structHash)
}

// Signer signs with a single secp256k1 key. The channel bridge uses one per
// connection as its session key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner wraps an existing key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{privateKey: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

// GenerateSigner creates a signer over a fresh key.
func GenerateSigner() (*Signer, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: generating key: %w", err)
	}
	return NewSigner(key), nil
}

// Address returns the Ethereum address of the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignDigest signs a 32-byte digest, returning r || s || v with v in {27,28}.
func (s *Signer) SignDigest(digest []byte) ([]byte, error) {
	return signDigest(s.privateKey, digest)
}

// SignPayload signs keccak256(payload) and returns the 0x-hex signature.
// Channel RPC requests are signed this way over their serialized req array.
func (s *Signer) SignPayload(payload []byte) (string, error) {
	sig, err := s.SignDigest(ethcrypto.Keccak256(payload))
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverPayloadSigner returns the address that produced sigHex over payload.
func RecoverPayloadSigner(payload []byte, sigHex string) (common.Address, error) {
	return recoverDigestSigner(ethcrypto.Keccak256(payload), sigHex)
}

// RecoverPolicySigner returns the address that signed the policy.
func RecoverPolicySigner(p AuthPolicy, sigHex string) (common.Address, error) {
	return recoverDigestSigner(p.Digest(), sigHex)
}

func recoverDigestSigner(digest []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(trim0x(sigHex))
	if err != nil || len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: malformed signature")
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// buildDomainSeparator returns keccak256(abi.encode(typeHash, nameHash)).
func buildDomainSeparator(name string) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

func signDigest(key *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("crypto/signer: digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; verifiers expect {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}

func trim0x(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
