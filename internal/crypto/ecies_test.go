package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBetFrameRoundTrip(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	for _, msg := range [][]byte{
		{},
		[]byte(`{"marketId":"1","isYes":true,"amount":"100","address":"0x0000000000000000000000000000000000000001"}`),
		bytes.Repeat([]byte{0xab}, 4096),
	} {
		frame, err := EncryptBet(&key.PublicKey, msg)
		require.NoError(t, err)
		assert.Len(t, frame, MinFrameLen+len(msg))

		got, err := DecryptBet(key, frame)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(msg, got))
	}
}

func TestBetFrameFreshRandomness(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	a, err := EncryptBet(&key.PublicKey, []byte("same"))
	require.NoError(t, err)
	b, err := EncryptBet(&key.PublicKey, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a[:ephPubLen], b[:ephPubLen])
}

func TestBetFrameWrongKey(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	other, _ := ethcrypto.GenerateKey()

	frame, err := EncryptBet(&key.PublicKey, []byte("secret"))
	require.NoError(t, err)

	_, err = DecryptBet(other, frame)
	assert.ErrorIs(t, err, domain.ErrDecryption)
}

func TestBetFrameMalformed(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	frame, err := EncryptBet(&key.PublicKey, []byte("payload"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"short", frame[:MinFrameLen-1]},
		{"bad ephemeral key", append([]byte{0x05}, frame[1:]...)},
		{"flipped ciphertext", flip(frame, len(frame)-tagLen-1)},
		{"flipped tag", flip(frame, len(frame)-1)},
		{"flipped nonce", flip(frame, ephPubLen)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecryptBet(key, tt.frame)
			assert.ErrorIs(t, err, domain.ErrDecryption)
		})
	}
}

func TestEncryptBetRejectsInvalidKey(t *testing.T) {
	_, err := EncryptBet(nil, []byte("x"))
	assert.Error(t, err)
}

func TestDecodeFrameEncodings(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	frame, err := EncryptBet(&key.PublicKey, []byte("payload"))
	require.NoError(t, err)

	for name, in := range map[string]string{
		"prefixed hex":   EncodeFrame(frame),
		"plain hex":      hex.EncodeToString(frame),
		"upper hex":      strings.ToUpper(hex.EncodeToString(frame)),
		"base64":         base64.StdEncoding.EncodeToString(frame),
		"padded spacing": "  " + hex.EncodeToString(frame) + "\n",
	} {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeFrame(in)
			require.NoError(t, err)
			assert.Equal(t, frame, got)

			plain, err := DecryptBet(key, got)
			require.NoError(t, err)
			assert.Equal(t, "payload", string(plain))
		})
	}

	_, err = DecodeFrame("0xzz")
	assert.ErrorIs(t, err, domain.ErrInvalidBet)
	_, err = DecodeFrame("")
	assert.ErrorIs(t, err, domain.ErrInvalidBet)
}

func flip(b []byte, i int) []byte {
	out := bytes.Clone(b)
	out[i] ^= 0x01
	return out
}
