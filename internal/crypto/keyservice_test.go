package crypto

import (
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyService(t *testing.T) *KeyService {
	t.Helper()
	ks, err := LoadKeyService(KeyConfig{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return ks
}

func TestKeyServiceDecryptsFramesSealedToPublicKey(t *testing.T) {
	ks := newTestKeyService(t)

	frame, err := EncryptBet(ks.PublicKey(), []byte("bet"))
	require.NoError(t, err)

	got, err := ks.DecryptBet(frame)
	require.NoError(t, err)
	assert.Equal(t, "bet", string(got))

	pub, err := ethcrypto.UnmarshalPubkey(common.FromHex(ks.PublicKeyHex()))
	require.NoError(t, err)
	assert.Equal(t, ks.Address(), ethcrypto.PubkeyToAddress(*pub))
}

func TestKeyServiceSignCountsSignatures(t *testing.T) {
	ks := newTestKeyService(t)

	digest := ethcrypto.Keccak256([]byte("hello"))
	sig, err := ks.Sign(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	sig[64] -= 27
	pub, err := ethcrypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, ks.Address(), ethcrypto.PubkeyToAddress(*pub))

	_, err = ks.Sign([]byte("short"))
	assert.Error(t, err)

	assert.Equal(t, 1.0, ks.Metrics().Snapshot()["settler_key_signatures_total"])
}

func TestKeyServiceSignTx(t *testing.T) {
	ks := newTestKeyService(t)
	chainID := big.NewInt(11155111)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     3,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})
	signed, err := ks.SignTx(tx, chainID)
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, ks.Address(), from)
}
