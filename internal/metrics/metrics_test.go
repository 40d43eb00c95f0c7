package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotIsolatedPerInstance(t *testing.T) {
	a := New()
	b := New()

	a.BetsAccepted.Inc()
	a.BetsAccepted.Inc()
	a.BetsRejected.WithLabelValues("decrypt").Inc()
	a.WatcherBlock.Set(42)

	snapA := a.Snapshot()
	snapB := b.Snapshot()

	assert.Equal(t, 2.0, snapA["settler_bets_accepted_total"])
	assert.Equal(t, 1.0, snapA["settler_bets_rejected_total{reason=decrypt}"])
	assert.Equal(t, 42.0, snapA["settler_watcher_block"])
	assert.Equal(t, 0.0, snapB["settler_bets_accepted_total"])
}

func TestSnapshotHistogramCount(t *testing.T) {
	m := New()
	m.ProofDuration.Observe(1.5)

	snap := m.Snapshot()
	require.Contains(t, snap, "settler_proof_duration_seconds_count")
	assert.Equal(t, 1.0, snap["settler_proof_duration_seconds_count"])
}
