package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/shadowsettle/internal/crypto"
	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testKeys(t *testing.T) *crypto.KeyService {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return crypto.NewKeyService(key, crypto.KeySourceEphemeral, nil)
}

func addr(n byte) common.Address {
	var a common.Address
	a[19] = n
	return a
}

func sealBet(t *testing.T, ks *crypto.KeyService, p map[string]any) []byte {
	t.Helper()
	plain, err := json.Marshal(p)
	require.NoError(t, err)
	frame, err := crypto.EncryptBet(ks.PublicKey(), plain)
	require.NoError(t, err)
	return frame
}

func betPayload(market string, bettor common.Address, yes bool, amount uint64) map[string]any {
	return map[string]any{
		"marketId": market,
		"isYes":    yes,
		"amount":   uint256.NewInt(amount).Dec(),
		"address":  bettor.Hex(),
		"secret":   "s",
	}
}

type fakeBalances struct {
	mu       sync.Mutex
	balances map[common.Address]uint64
	err      error
}

func (f *fakeBalances) LedgerBalance(_ context.Context, a common.Address) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return uint256.NewInt(f.balances[a]), nil
}

type fakeMarkets struct {
	open bool
	err  error
}

func (f fakeMarkets) IsMarketOpen(context.Context, domain.MarketID) (bool, error) {
	return f.open, f.err
}

type fakeSettled map[domain.MarketID]bool

func (f fakeSettled) HasSettlement(_ context.Context, id domain.MarketID) (bool, error) {
	return f[id], nil
}

type memBetStore struct {
	mu      sync.Mutex
	records map[string]domain.BetRecord
	deleted []domain.MarketID
}

func newMemBetStore() *memBetStore {
	return &memBetStore{records: make(map[string]domain.BetRecord)}
}

func (s *memBetStore) Upsert(_ context.Context, rec domain.BetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[string(rec.MarketID)+"/"+rec.Bettor.Hex()] = rec
	return nil
}

func (s *memBetStore) ListOpen(context.Context) ([]domain.BetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BetRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (s *memBetStore) DeleteMarket(_ context.Context, id domain.MarketID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.records {
		if r.MarketID == id {
			delete(s.records, k)
		}
	}
	s.deleted = append(s.deleted, id)
	return nil
}

type published struct {
	channel string
	payload []byte
}

type fakeBus struct {
	mu      sync.Mutex
	events  []published
	streams map[string][][]byte
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{channel, payload})
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams == nil {
		b.streams = make(map[string][][]byte)
	}
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) published(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, e := range b.events {
		if e.channel == channel {
			out = append(out, e.payload)
		}
	}
	return out
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []string
}

func (a *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, event)
	return nil
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []string
	events []string
}

func (a *fakeAlerter) NotifyAll(_ context.Context, title, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, title)
	return nil
}

func (a *fakeAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
