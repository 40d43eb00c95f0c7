// Package clearnode is the engine's authenticated RPC bridge to the
// off-chain channel network. One websocket carries signed requests, their
// correlated responses, and pushed app-session notifications.
package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/shadowsettle/internal/crypto"
	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/alanyoungcy/shadowsettle/internal/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	defaultRequestTimeout = 30 * time.Second
	defaultReconnectDelay = 5 * time.Second
	defaultSessionTTL     = 24 * time.Hour
	defaultNotifyBuffer   = 256
)

// State is the connection's position in its lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Identity is the long-lived key that answers auth challenges.
type Identity interface {
	Address() common.Address
	SignPolicy(p crypto.AuthPolicy) (string, error)
}

// Config controls the bridge.
type Config struct {
	URL           string
	Application   string
	Scope         string
	Allowances    []crypto.Allowance
	Asset         string // ledger asset used for balance checks
	AssetDecimals int    // ledger amounts are decimal strings in whole units

	SessionTTL     time.Duration
	RequestTimeout time.Duration
	ReconnectDelay time.Duration
	NotifyBuffer   int
}

func (c *Config) withDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.NotifyBuffer <= 0 {
		c.NotifyBuffer = defaultNotifyBuffer
	}
}

type result struct {
	msg Message
	err error
}

type pendingCall struct {
	method string
	ch     chan result
	timer  *time.Timer
}

// Client is a reconnecting, authenticated channel-network connection.
type Client struct {
	cfg      Config
	identity Identity
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	state  atomic.Int32
	nextID atomic.Uint64

	connMu  sync.Mutex
	conn    *websocket.Conn
	session *crypto.Signer
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]*pendingCall
	live      bool

	notifications chan Message
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewClient creates a disconnected client. Call Run to connect.
func NewClient(cfg Config, identity Identity, m *metrics.Metrics, logger *slog.Logger) *Client {
	cfg.withDefaults()
	if m == nil {
		m = metrics.New()
	}
	c := &Client{
		cfg:           cfg,
		identity:      identity,
		metrics:       m,
		logger:        logger.With(slog.String("component", "clearnode")),
		now:           time.Now,
		pending:       make(map[uint64]*pendingCall),
		notifications: make(chan Message, cfg.NotifyBuffer),
		stop:          make(chan struct{}),
	}
	c.setState(StateDisconnected)
	return c
}

// State reports the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// Notifications delivers, in arrival order, every message that answered no
// pending call: app-session pushes, other pushes as GenericResponse, and late
// replies. Messages are dropped when the consumer falls NotifyBuffer behind.
func (c *Client) Notifications() <-chan Message { return c.notifications }

// Run connects, authenticates and serves until ctx is cancelled or Stop is
// called, reconnecting after ReconnectDelay whenever the link drops.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.runOnce(ctx)
		c.teardown()

		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		default:
		}

		c.metrics.ChannelReconnects.Inc()
		c.logger.Warn("channel connection lost",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", c.cfg.ReconnectDelay),
		)

		t := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-c.stop:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Stop closes the connection and ends Run without reconnecting.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn != nil {
			c.closeConn(conn)
		}
	})
}

// Call sends a request signed with the session key and waits for its
// response. Server-side errors come back as GenericError values.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.State() != StateAuthenticated {
		return nil, fmt.Errorf("clearnode: %s: %w", method, domain.ErrChannelDisconnected)
	}
	c.connMu.Lock()
	session := c.session
	c.connMu.Unlock()
	if session == nil {
		return nil, fmt.Errorf("clearnode: %s: %w", method, domain.ErrChannelDisconnected)
	}

	msg, err := c.roundTrip(ctx, method, params, func(body []byte) ([]string, error) {
		sig, err := session.SignPayload(body)
		if err != nil {
			return nil, err
		}
		return []string{sig}, nil
	})
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(GenericResponse)
	if !ok {
		return nil, fmt.Errorf("clearnode: %s: unexpected %T response", method, msg)
	}
	return resp.Params, nil
}

// LedgerBalance returns participant's unified-ledger balance of the
// configured asset in base units. A missing asset is a zero balance.
func (c *Client) LedgerBalance(ctx context.Context, participant common.Address) (*uint256.Int, error) {
	raw, err := c.Call(ctx, MethodGetLedgerBalances, map[string]string{"participant": participant.Hex()})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Amount string `json:"amount"`
		} `json:"ledger_balances"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("clearnode: decode balances: %w", err)
	}
	for _, b := range resp.Balances {
		if strings.EqualFold(b.Asset, c.cfg.Asset) {
			amt, err := parseUnits(b.Amount, c.cfg.AssetDecimals)
			if err != nil {
				return nil, fmt.Errorf("clearnode: balance %q: %w", b.Amount, err)
			}
			return amt, nil
		}
	}
	return new(uint256.Int), nil
}

// --------------------------------------------------------------------------
// Connection lifecycle
// --------------------------------------------------------------------------

func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("clearnode: dial: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.pendingMu.Lock()
	c.live = true
	c.pendingMu.Unlock()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	c.setState(StateAuthenticating)
	if err := c.authenticate(ctx); err != nil {
		c.closeConn(conn)
		<-readErr
		return err
	}
	c.setState(StateAuthenticated)
	c.logger.Info("channel authenticated",
		slog.String("url", c.cfg.URL),
		slog.String("wallet", c.identity.Address().Hex()),
	)

	select {
	case err := <-readErr:
		return err
	case <-ctx.Done():
	case <-c.stop:
	}
	c.closeConn(conn)
	<-readErr
	return nil
}

// authenticate runs auth_request -> auth_challenge -> auth_verify with a
// fresh session key.
func (c *Client) authenticate(ctx context.Context) error {
	session, err := crypto.GenerateSigner()
	if err != nil {
		return fmt.Errorf("clearnode: session key: %w", err)
	}
	wallet := c.identity.Address()
	expiresAt := uint64(c.now().Add(c.cfg.SessionTTL).Unix())
	allowances := c.cfg.Allowances
	if allowances == nil {
		allowances = []crypto.Allowance{}
	}

	msg, err := c.roundTrip(ctx, MethodAuthRequest, authRequestParams{
		Address:     wallet.Hex(),
		SessionKey:  session.Address().Hex(),
		Application: c.cfg.Application,
		Allowances:  allowances,
		ExpiresAt:   expiresAt,
		Scope:       c.cfg.Scope,
	}, unsigned)
	if err != nil {
		return authError(err)
	}
	challenge, ok := msg.(AuthChallenge)
	if !ok {
		return fmt.Errorf("clearnode: auth: %w: expected challenge, got %T", domain.ErrAuthFailed, msg)
	}

	sig, err := c.identity.SignPolicy(crypto.AuthPolicy{
		Application: c.cfg.Application,
		Challenge:   challenge.Challenge,
		Scope:       c.cfg.Scope,
		Wallet:      wallet,
		SessionKey:  session.Address(),
		ExpiresAt:   expiresAt,
		Allowances:  allowances,
	})
	if err != nil {
		return fmt.Errorf("clearnode: auth: sign challenge: %w", err)
	}

	msg, err = c.roundTrip(ctx, MethodAuthVerify, map[string]string{"challenge": challenge.Challenge},
		func([]byte) ([]string, error) { return []string{sig}, nil })
	if err != nil {
		return authError(err)
	}
	verdict, ok := msg.(AuthVerifyResult)
	if !ok {
		return fmt.Errorf("clearnode: auth: %w: expected verify result, got %T", domain.ErrAuthFailed, msg)
	}
	if !verdict.Success {
		return fmt.Errorf("clearnode: auth: %w: verification rejected", domain.ErrAuthFailed)
	}

	c.connMu.Lock()
	c.session = session
	c.connMu.Unlock()
	return nil
}

type authRequestParams struct {
	Address     string             `json:"address"`
	SessionKey  string             `json:"session_key"`
	Application string             `json:"application"`
	Allowances  []crypto.Allowance `json:"allowances"`
	ExpiresAt   uint64             `json:"expires_at"`
	Scope       string             `json:"scope"`
}

func authError(err error) error {
	var ge GenericError
	if errors.As(err, &ge) {
		return fmt.Errorf("clearnode: auth: %w: %s", domain.ErrAuthFailed, ge.Message)
	}
	return fmt.Errorf("clearnode: auth: %w", err)
}

func unsigned([]byte) ([]string, error) { return []string{}, nil }

// teardown marks the link down and fails every in-flight request.
func (c *Client) teardown() {
	c.markDown()
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.session = nil
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) markDown() {
	c.setState(StateDisconnected)
	c.pendingMu.Lock()
	c.live = false
	calls := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.pendingMu.Unlock()

	for _, call := range calls {
		call.timer.Stop()
		call.ch <- result{err: domain.ErrChannelDisconnected}
	}
}

func (c *Client) closeConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	conn.Close()
}

// --------------------------------------------------------------------------
// Request / response plumbing
// --------------------------------------------------------------------------

func (c *Client) roundTrip(ctx context.Context, method string, params any, sign func([]byte) ([]string, error)) (Message, error) {
	id := c.nextID.Add(1)
	body, err := json.Marshal(payload{ID: id, Method: method, Params: params, Timestamp: c.now().UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("clearnode: %s: encode: %w", method, err)
	}
	sigs, err := sign(body)
	if err != nil {
		return nil, fmt.Errorf("clearnode: %s: sign: %w", method, err)
	}
	frame, err := json.Marshal(struct {
		Req json.RawMessage `json:"req"`
		Sig []string        `json:"sig"`
	}{Req: body, Sig: sigs})
	if err != nil {
		return nil, fmt.Errorf("clearnode: %s: encode: %w", method, err)
	}

	call, err := c.register(id, method)
	if err != nil {
		return nil, fmt.Errorf("clearnode: %s: %w", method, err)
	}
	if err := c.write(frame); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("clearnode: %s: %w: %v", method, domain.ErrChannelDisconnected, err)
	}

	select {
	case r := <-call.ch:
		if r.err != nil {
			return nil, fmt.Errorf("clearnode: %s: %w", method, r.err)
		}
		if ge, ok := r.msg.(GenericError); ok {
			return nil, fmt.Errorf("clearnode: %s: %w", method, ge)
		}
		return r.msg, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) register(id uint64, method string) (*pendingCall, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if !c.live {
		return nil, domain.ErrChannelDisconnected
	}
	call := &pendingCall{method: method, ch: make(chan result, 1)}
	call.timer = time.AfterFunc(c.cfg.RequestTimeout, func() {
		if c.resolve(id, result{err: domain.ErrRPCTimeout}) {
			c.metrics.RPCTimeouts.Inc()
			c.logger.Warn("rpc request timed out",
				slog.String("method", method),
				slog.Uint64("id", id),
			)
		}
	})
	c.pending[id] = call
	return call, nil
}

// resolve completes the pending call for id. It reports false when no call
// is waiting, e.g. a late response after a timeout.
func (c *Client) resolve(id uint64, r result) bool {
	c.pendingMu.Lock()
	call, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	call.timer.Stop()
	call.ch <- r
	return true
}

func (c *Client) forget(id uint64) {
	c.pendingMu.Lock()
	call, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if ok {
		call.timer.Stop()
	}
}

func (c *Client) write(frame []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return domain.ErrChannelDisconnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	defer c.markDown()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("clearnode: read: %w", err)
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	msg, err := decode(raw)
	if err != nil {
		c.metrics.UnknownMessages.Inc()
		c.logger.Warn("dropping unrecognised message",
			slog.String("error", err.Error()),
			slog.Int("bytes", len(raw)),
		)
		return
	}

	if c.resolve(msg.requestID(), result{msg: msg}) {
		return
	}
	c.notify(msg)
}

// notify forwards a message no pending call claimed. It never blocks the
// read loop; when the buffer is full the message is dropped and counted.
func (c *Client) notify(msg Message) {
	select {
	case c.notifications <- msg:
	default:
		c.metrics.NotificationsDropped.Inc()
		c.logger.Warn("notification buffer full, dropping message",
			slog.Uint64("id", msg.requestID()),
			slog.String("type", fmt.Sprintf("%T", msg)),
		)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	c.metrics.ChannelState.Set(float64(s))
	if prev != s {
		c.logger.Debug("channel state", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

// parseUnits converts a decimal string like "12.5" into base units.
func parseUnits(s string, decimals int) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, fmt.Errorf("invalid amount")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > decimals {
		// Digits below the smallest unit must be zero.
		if strings.Trim(frac[decimals:], "0") != "" {
			return nil, fmt.Errorf("more than %d decimals", decimals)
		}
		frac = frac[:decimals]
	}
	if whole == "" {
		whole = "0"
	}
	digits := strings.TrimLeft(whole+frac+strings.Repeat("0", decimals-len(frac)), "0")
	if digits == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(digits)
}

func errString(err error) string {
	if err == nil {
		return "closed by peer"
	}
	return err.Error()
}
