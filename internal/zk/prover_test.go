package zk

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	devOnce   sync.Once
	devProver *Groth16Prover
	devErr    error
)

func sharedDevProver(t *testing.T) *Groth16Prover {
	t.Helper()
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	devOnce.Do(func() { devProver, devErr = DevSetup() })
	require.NoError(t, devErr)
	return devProver
}

func TestGroth16ProveVerify(t *testing.T) {
	p := sharedDevProver(t)

	bundle, err := p.Prove(context.Background(), threeBetInput())
	require.NoError(t, err)
	assert.Equal(t, [4]string{"1", "200", "450", "5"}, bundle.PublicSignals)
	require.NoError(t, p.Verify(bundle))

	forged := *bundle
	forged.PublicSignals[3] = "4"
	assert.Error(t, p.Verify(&forged))

	broken := *bundle
	broken.PA[0] = "1"
	assert.Error(t, p.Verify(&broken))
}

func TestGroth16ProveRejectsBadWitness(t *testing.T) {
	p := sharedDevProver(t)

	in := threeBetInput()
	in.Slots[0].Payout.SetInt64(179)
	in.PlatformFee.SetInt64(4)
	_, err := p.Prove(context.Background(), in)
	assert.Error(t, err)
}

func TestGroth16KeysRoundTrip(t *testing.T) {
	p := sharedDevProver(t)
	dir := t.TempDir()
	require.NoError(t, p.WriteKeys(dir))
	assert.FileExists(t, filepath.Join(dir, VerifierFile))

	loaded, err := LoadGroth16Prover(
		filepath.Join(dir, CCSFile),
		filepath.Join(dir, PKFile),
		filepath.Join(dir, VKFile),
	)
	require.NoError(t, err)
	assert.Equal(t, p.Constraints(), loaded.Constraints())

	bundle, err := p.Prove(context.Background(), threeBetInput())
	require.NoError(t, err)
	require.NoError(t, loaded.Verify(bundle))
}
