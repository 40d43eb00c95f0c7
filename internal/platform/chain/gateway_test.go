package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/shadowsettle/internal/crypto"
	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var contract = common.HexToAddress("0x000000000000000000000000000000000000c0de")

type fakeBackend struct {
	mu sync.Mutex

	market      []any
	head        uint64
	headTime    uint64
	logs        []types.Log
	queries     []ethereum.FilterQuery
	estimateErr error
	sent        []*types.Transaction
	receipt     *types.Receipt
	receiptMiss int
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return SettlementABI.Methods["getMarket"].Outputs.Pack(f.market...)
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, f.estimateErr
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.head), Time: f.headTime, BaseFee: big.NewInt(10)}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(2), nil }

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if f.receiptMiss > 0 {
		f.receiptMiss--
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func marketTuple(deadline int64, resolved, outcome, settled bool) []any {
	return []any{"Will it rain?", big.NewInt(deadline), resolved, outcome, big.NewInt(300), big.NewInt(200), settled}
}

func newTestGateway(t *testing.T, b *fakeBackend) (*Gateway, *crypto.KeyService) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ks, err := crypto.LoadKeyService(crypto.KeyConfig{}, nil, logger)
	require.NoError(t, err)
	return NewGateway(b, ks, Config{
		Contract:       contract,
		MaxBlockRange:  10,
		ReceiptPoll:    time.Millisecond,
		ReceiptTimeout: time.Second,
	}, logger), ks
}

func provedResult() domain.SettlementResult {
	return domain.SettlementResult{
		MarketID: "42",
		Outcome:  true,
		Payouts: []domain.Payout{
			{Address: common.HexToAddress("0xa"), Amount: uint256.NewInt(178)},
			{Address: common.HexToAddress("0xb"), Amount: uint256.NewInt(0)},
			{Address: common.HexToAddress("0xc"), Amount: uint256.NewInt(267)},
		},
		TotalPool:   uint256.NewInt(450),
		PlatformFee: uint256.NewInt(5),
		Proof: &domain.ProofBundle{
			PA: [2]string{"1", "2"},
			PB: [2][2]string{{"3", "4"}, {"5", "6"}},
			PC: [2]string{"7", "8"},
		},
	}
}

func TestGetMarket(t *testing.T) {
	b := &fakeBackend{market: marketTuple(2_000_000_000, true, true, false)}
	g, _ := newTestGateway(t, b)

	state, err := g.GetMarket(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "Will it rain?", state.Question)
	assert.True(t, state.Resolved)
	assert.True(t, state.Outcome)
	assert.False(t, state.Settled)
	assert.Equal(t, uint64(300), state.TotalYes.Uint64())

	b.market = marketTuple(0, false, false, false)
	_, err = g.GetMarket(context.Background(), "43")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIsMarketOpen(t *testing.T) {
	tests := []struct {
		name   string
		market []any
		now    uint64
		want   bool
	}{
		{"open", marketTuple(1000, false, false, false), 999, true},
		{"past deadline", marketTuple(1000, false, false, false), 1000, false},
		{"resolved", marketTuple(1000, true, false, false), 10, false},
		{"settled", marketTuple(1000, false, false, true), 10, false},
		{"unknown", marketTuple(0, false, false, false), 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGateway(t, &fakeBackend{market: tt.market, headTime: tt.now})
			open, err := g.IsMarketOpen(context.Background(), "1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, open)
		})
	}
}

func resolvedLog(t *testing.T, marketID int64, outcome bool, block uint64) types.Log {
	t.Helper()
	data, err := SettlementABI.Events["MarketResolved"].Inputs.NonIndexed().Pack(outcome)
	require.NoError(t, err)
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{SettlementABI.Events["MarketResolved"].ID, common.BigToHash(big.NewInt(marketID))},
		Data:        data,
		BlockNumber: block,
	}
}

func TestGetResolvedMarketsChunksRange(t *testing.T) {
	b := &fakeBackend{logs: []types.Log{
		resolvedLog(t, 1, true, 3),
		resolvedLog(t, 2, false, 15),
		{Address: contract, Topics: []common.Hash{{0x01}}, BlockNumber: 16},
		resolvedLog(t, 3, true, 25),
	}}
	g, _ := newTestGateway(t, b)

	events, err := g.GetResolvedMarkets(context.Background(), 0, 25)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.MarketID("1"), events[0].MarketID)
	assert.True(t, events[0].Outcome)
	assert.Equal(t, domain.MarketID("2"), events[1].MarketID)
	assert.False(t, events[1].Outcome)
	assert.Equal(t, uint64(25), events[2].BlockNumber)

	require.Len(t, b.queries, 3)
	assert.Equal(t, uint64(9), b.queries[0].ToBlock.Uint64())
	assert.Equal(t, uint64(20), b.queries[2].FromBlock.Uint64())
	assert.Equal(t, uint64(25), b.queries[2].ToBlock.Uint64())
}

func TestSubmitSettlementDropsZeroPayouts(t *testing.T) {
	b := &fakeBackend{
		receipt:     &types.Receipt{Status: types.ReceiptStatusSuccessful},
		receiptMiss: 2,
	}
	g, ks := newTestGateway(t, b)

	hash, err := g.SubmitSettlement(context.Background(), provedResult())
	require.NoError(t, err)
	require.Len(t, b.sent, 1)
	tx := b.sent[0]
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, big.NewInt(22), tx.GasFeeCap())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	assert.Equal(t, ks.Address(), from)

	args, err := SettlementABI.Methods["settleMarketWithProof"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	recipients := args[1].([]common.Address)
	amounts := args[2].([]*big.Int)
	assert.Equal(t, []common.Address{common.HexToAddress("0xa"), common.HexToAddress("0xc")}, recipients)
	assert.Equal(t, []*big.Int{big.NewInt(178), big.NewInt(267)}, amounts)
	assert.Equal(t, big.NewInt(450), args[3].(*big.Int))
	assert.Equal(t, big.NewInt(5), args[4].(*big.Int))
	assert.Equal(t, [2][2]*big.Int{{big.NewInt(3), big.NewInt(4)}, {big.NewInt(5), big.NewInt(6)}}, args[6].([2][2]*big.Int))
}

func TestSubmitSettlementAlreadySettled(t *testing.T) {
	b := &fakeBackend{estimateErr: errors.New("execution reverted: Market already settled")}
	g, _ := newTestGateway(t, b)

	_, err := g.SubmitSettlement(context.Background(), provedResult())
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
	assert.Empty(t, b.sent)
}

func TestSubmitSettlementRevertedReceipt(t *testing.T) {
	b := &fakeBackend{
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed},
		market:  marketTuple(1000, true, true, false),
	}
	g, _ := newTestGateway(t, b)

	_, err := g.SubmitSettlement(context.Background(), provedResult())
	var se *domain.SubmissionError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, domain.ErrChainSubmission)
	assert.NotEmpty(t, se.TxHash)

	// The same revert after someone else settled counts as settled.
	b.market = marketTuple(1000, true, true, true)
	_, err = g.SubmitSettlement(context.Background(), provedResult())
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestSubmitSettlementRequiresProof(t *testing.T) {
	g, _ := newTestGateway(t, &fakeBackend{})
	res := provedResult()
	res.Proof = nil
	_, err := g.SubmitSettlement(context.Background(), res)
	assert.Error(t, err)
}
