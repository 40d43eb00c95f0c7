package postgres

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
)

func TestPaged(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	q, args := paged("SELECT * FROM t WHERE TRUE", "created_at", domain.ListOpts{})
	assert.Equal(t, "SELECT * FROM t WHERE TRUE ORDER BY created_at DESC", q)
	assert.Empty(t, args)

	q, args = paged("SELECT * FROM t WHERE finalized", "finalized_at", domain.ListOpts{
		Since: &since, Limit: 10, Offset: 20,
	})
	assert.Equal(t, "SELECT * FROM t WHERE finalized AND finalized_at >= $1 ORDER BY finalized_at DESC LIMIT $2 OFFSET $3", q)
	assert.Equal(t, []any{since, 10, 20}, args)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/settler?sslmode=disable",
		DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "settler"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "0", decString(nil))
	assert.Equal(t, "446", decString(uint256.NewInt(446)))
	assert.Equal(t, int64(7), clampSeq(7))
	assert.Equal(t, int64(9223372036854775807), clampSeq(^uint64(0)))
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	assert.NoError(t, err)
	assert.Equal(t, []string{"001_settlements.sql", "002_bet_journal.sql", "003_audit_log.sql"}, names)
}
