// Package chain reads and writes the on-chain settlement contract.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
)

// Backend is the subset of *ethclient.Client the gateway needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// TxSigner signs settlement transactions. *crypto.KeyService satisfies it.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Config holds gateway settings.
type Config struct {
	Contract       common.Address
	ChainID        *big.Int // nil: ask the node
	MaxBlockRange  uint64
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
	GasBufferPct   uint64
}

// Gateway is the engine's only path to the settlement contract.
type Gateway struct {
	backend Backend
	signer  TxSigner
	cfg     Config
	logger  *slog.Logger

	submitMu sync.Mutex
	chainID  *big.Int
}

// NewGateway creates a gateway. signer may be nil for read-only use.
func NewGateway(backend Backend, signer TxSigner, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 5000
	}
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.ReceiptPoll == 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	if cfg.GasBufferPct == 0 {
		cfg.GasBufferPct = 20
	}
	return &Gateway{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		chainID: cfg.ChainID,
		logger:  logger.With(slog.String("component", "chain")),
	}
}

// GetMarket reads the market record. Unknown markets return ErrNotFound.
func (g *Gateway) GetMarket(ctx context.Context, marketID domain.MarketID) (domain.MarketState, error) {
	data, err := SettlementABI.Pack("getMarket", marketID.Big())
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("chain: pack getMarket: %w", err)
	}
	raw, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &g.cfg.Contract, Data: data}, nil)
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("chain: call getMarket(%s): %w", marketID, err)
	}
	out, err := SettlementABI.Unpack("getMarket", raw)
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("chain: unpack getMarket(%s): %w", marketID, err)
	}
	if len(out) != 7 {
		return domain.MarketState{}, fmt.Errorf("chain: getMarket(%s): %d outputs", marketID, len(out))
	}

	state := domain.MarketState{
		Question: out[0].(string),
		Resolved: out[2].(bool),
		Outcome:  out[3].(bool),
		Settled:  out[6].(bool),
	}
	deadline := out[1].(*big.Int)
	if !deadline.IsUint64() {
		return domain.MarketState{}, fmt.Errorf("chain: getMarket(%s): deadline out of range", marketID)
	}
	state.Deadline = deadline.Uint64()
	state.TotalYes, _ = uint256.FromBig(out[4].(*big.Int))
	state.TotalNo, _ = uint256.FromBig(out[5].(*big.Int))

	if !state.Exists() {
		return domain.MarketState{}, fmt.Errorf("chain: market %s: %w", marketID, domain.ErrNotFound)
	}
	return state, nil
}

// IsMarketOpen is false for resolved, settled, unknown or expired markets.
// Expiry is judged against the latest block timestamp.
func (g *Gateway) IsMarketOpen(ctx context.Context, marketID domain.MarketID) (bool, error) {
	state, err := g.GetMarket(ctx, marketID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	head, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("chain: latest header: %w", err)
	}
	return state.IsOpen(time.Unix(int64(head.Time), 0)), nil
}

// BlockNumber returns the current head height.
func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := g.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// GetResolvedMarkets returns MarketResolved events in [from, to], querying
// at most MaxBlockRange blocks per request.
func (g *Gateway) GetResolvedMarkets(ctx context.Context, from, to uint64) ([]domain.ResolvedEvent, error) {
	event := SettlementABI.Events["MarketResolved"]
	var out []domain.ResolvedEvent

	for start := from; start <= to; start += g.cfg.MaxBlockRange {
		end := min(start+g.cfg.MaxBlockRange-1, to)
		logs, err := g.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{g.cfg.Contract},
			Topics:    [][]common.Hash{{event.ID}},
		})
		if err != nil {
			return nil, fmt.Errorf("chain: filter logs %d-%d: %w", start, end, err)
		}
		for _, l := range logs {
			ev, err := decodeResolved(l)
			if err != nil {
				g.logger.WarnContext(ctx, "skipping undecodable log",
					slog.String("tx", l.TxHash.Hex()),
					slog.String("error", err.Error()),
				)
				continue
			}
			out = append(out, ev)
		}
		if end == to {
			break
		}
	}
	return out, nil
}

func decodeResolved(l types.Log) (domain.ResolvedEvent, error) {
	if l.Removed {
		return domain.ResolvedEvent{}, errors.New("log removed by reorg")
	}
	if len(l.Topics) != 2 || l.Topics[0] != SettlementABI.Events["MarketResolved"].ID {
		return domain.ResolvedEvent{}, errors.New("not a MarketResolved log")
	}
	vals, err := SettlementABI.Unpack("MarketResolved", l.Data)
	if err != nil {
		return domain.ResolvedEvent{}, err
	}
	outcome, ok := vals[0].(bool)
	if !ok {
		return domain.ResolvedEvent{}, errors.New("outcome is not bool")
	}
	return domain.ResolvedEvent{
		MarketID:    domain.MarketID(new(big.Int).SetBytes(l.Topics[1].Bytes()).String()),
		Outcome:     outcome,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
	}, nil
}

// SubmitSettlement sends settleMarketWithProof and waits for the receipt.
// Zero-amount recipients are dropped first. A contract "already settled"
// revert returns ErrAlreadySettled, which callers treat as success.
func (g *Gateway) SubmitSettlement(ctx context.Context, res domain.SettlementResult) (string, error) {
	if res.Proof == nil {
		return "", fmt.Errorf("chain: market %s: settlement has no proof", res.MarketID)
	}
	if g.signer == nil {
		return "", errors.New("chain: gateway has no signer")
	}

	g.submitMu.Lock()
	defer g.submitMu.Unlock()

	data, err := packSettlement(res)
	if err != nil {
		return "", err
	}
	from := g.signer.Address()
	msg := ethereum.CallMsg{From: from, To: &g.cfg.Contract, Data: data}

	gas, err := g.backend.EstimateGas(ctx, msg)
	if err != nil {
		if isAlreadySettled(err) {
			return "", fmt.Errorf("chain: market %s: %w", res.MarketID, domain.ErrAlreadySettled)
		}
		return "", &domain.SubmissionError{MarketID: res.MarketID, Err: fmt.Errorf("estimate gas: %w", revertReason(err))}
	}

	tx, err := g.buildTx(ctx, from, data, gas)
	if err != nil {
		return "", &domain.SubmissionError{MarketID: res.MarketID, Err: err}
	}
	if err := g.backend.SendTransaction(ctx, tx); err != nil {
		return "", &domain.SubmissionError{MarketID: res.MarketID, TxHash: tx.Hash().Hex(), Err: fmt.Errorf("send: %w", err)}
	}
	g.logger.InfoContext(ctx, "settlement submitted",
		slog.String("market_id", res.MarketID.String()),
		slog.String("tx", tx.Hash().Hex()),
		slog.Uint64("gas", tx.Gas()),
	)

	receipt, err := g.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return "", &domain.SubmissionError{MarketID: res.MarketID, TxHash: tx.Hash().Hex(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// A racing settlement mines first and ours reverts.
		if state, serr := g.GetMarket(ctx, res.MarketID); serr == nil && state.Settled {
			return tx.Hash().Hex(), fmt.Errorf("chain: market %s: %w", res.MarketID, domain.ErrAlreadySettled)
		}
		return "", &domain.SubmissionError{MarketID: res.MarketID, TxHash: tx.Hash().Hex(), Err: errors.New("transaction reverted")}
	}
	return tx.Hash().Hex(), nil
}

func packSettlement(res domain.SettlementResult) ([]byte, error) {
	recipients, amounts := res.NonZeroPayouts()
	bigAmounts := make([]*big.Int, len(amounts))
	for i, a := range amounts {
		bigAmounts[i] = a.ToBig()
	}

	coords := make([]*big.Int, 0, 8)
	for _, s := range []string{
		res.Proof.PA[0], res.Proof.PA[1],
		res.Proof.PB[0][0], res.Proof.PB[0][1], res.Proof.PB[1][0], res.Proof.PB[1][1],
		res.Proof.PC[0], res.Proof.PC[1],
	} {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("chain: market %s: bad proof coordinate %q", res.MarketID, s)
		}
		coords = append(coords, v)
	}

	data, err := SettlementABI.Pack("settleMarketWithProof",
		res.MarketID.Big(),
		recipients,
		bigAmounts,
		res.TotalPool.ToBig(),
		res.PlatformFee.ToBig(),
		[2]*big.Int{coords[0], coords[1]},
		[2][2]*big.Int{{coords[2], coords[3]}, {coords[4], coords[5]}},
		[2]*big.Int{coords[6], coords[7]},
	)
	if err != nil {
		return nil, fmt.Errorf("chain: pack settleMarketWithProof: %w", err)
	}
	return data, nil
}

func (g *Gateway) buildTx(ctx context.Context, from common.Address, data []byte, gas uint64) (*types.Transaction, error) {
	if g.chainID == nil {
		id, err := g.backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain id: %w", err)
		}
		g.chainID = id
	}
	nonce, err := g.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tip, err := g.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   g.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas*g.cfg.GasBufferPct/100,
		To:        &g.cfg.Contract,
		Value:     new(big.Int),
		Data:      data,
	})
	return g.signer.SignTx(tx, g.chainID)
}

func (g *Gateway) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(g.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := g.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// revertReason decodes an Error(string) payload carried by the RPC error.
func revertReason(err error) error {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return err
	}
	hexData, ok := de.ErrorData().(string)
	if !ok {
		return err
	}
	raw, derr := hexutil.Decode(hexData)
	if derr != nil {
		return err
	}
	reason, uerr := abi.UnpackRevert(raw)
	if uerr != nil {
		return err
	}
	return fmt.Errorf("%w: %s", err, reason)
}

func isAlreadySettled(err error) bool {
	return strings.Contains(strings.ToLower(revertReason(err).Error()), "already settled")
}
