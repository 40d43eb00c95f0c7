package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptKey(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	keyHex := hex.EncodeToString(ethcrypto.FromECDSA(key))

	blob, err := EncryptKey("0x"+keyHex, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, key.D, got.D)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)

	_, err = EncryptKey(keyHex, "")
	assert.Error(t, err)
}

func TestLoadKeyHardened(t *testing.T) {
	dir := t.TempDir()
	key, _ := ethcrypto.GenerateKey()
	path := filepath.Join(dir, "settler.key")
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(ethcrypto.FromECDSA(key))+"\n"), 0o600))

	got, source, err := LoadKey(KeyConfig{Hardened: true, SecureKeyPath: path})
	require.NoError(t, err)
	assert.Equal(t, KeySourceSecure, source)
	assert.Equal(t, key.D, got.D)
}

func TestLoadKeyHardenedFailsClosed(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.key")

	_, _, err := LoadKey(KeyConfig{Hardened: true, SecureKeyPath: missing})
	assert.ErrorIs(t, err, domain.ErrKeyUnavailable)

	key, source, err := LoadKey(KeyConfig{Hardened: true, SecureKeyPath: missing, AllowEphemeralFallback: true})
	require.NoError(t, err)
	assert.Equal(t, KeySourceEphemeral, source)
	assert.NotNil(t, key)
}

func TestLoadKeyHardenedIgnoresRawKey(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.key")
	raw, _ := ethcrypto.GenerateKey()

	_, _, err := LoadKey(KeyConfig{
		Hardened:      true,
		SecureKeyPath: missing,
		RawPrivateKey: hex.EncodeToString(ethcrypto.FromECDSA(raw)),
	})
	assert.ErrorIs(t, err, domain.ErrKeyUnavailable)
}

func TestLoadKeySources(t *testing.T) {
	raw, _ := ethcrypto.GenerateKey()
	rawHex := hex.EncodeToString(ethcrypto.FromECDSA(raw))

	got, source, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + rawHex})
	require.NoError(t, err)
	assert.Equal(t, KeySourceRaw, source)
	assert.Equal(t, raw.D, got.D)

	blob, err := EncryptKey(rawHex, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, source, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, KeySourceEncrypted, source)
	assert.Equal(t, raw.D, got.D)

	_, source, err = LoadKey(KeyConfig{})
	require.NoError(t, err)
	assert.Equal(t, KeySourceEphemeral, source)
}
