package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/shadowsettle/internal/crypto"
	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/alanyoungcy/shadowsettle/internal/metrics"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChallenge = "challenge-1"

// fakeNode is a minimal channel-network peer. It checks the auth policy
// signature against the wallet and request signatures against the session
// key announced in auth_request.
type fakeNode struct {
	server *httptest.Server
	wallet common.Address

	rejectAuth atomic.Bool
	connects   atomic.Int32

	mu       sync.Mutex
	conn     *websocket.Conn
	authReq  authRequestParams
	received []string
	balances string

	wmu sync.Mutex
}

func newFakeNode(t *testing.T, wallet common.Address) *fakeNode {
	t.Helper()
	n := &fakeNode{wallet: wallet, balances: `[]`}
	upgrader := websocket.Upgrader{}
	n.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n.connects.Add(1)
		n.mu.Lock()
		n.conn = conn
		n.mu.Unlock()
		n.serve(conn)
	}))
	t.Cleanup(n.server.Close)
	return n
}

func (n *fakeNode) url() string { return "ws" + strings.TrimPrefix(n.server.URL, "http") }

func (n *fakeNode) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Req json.RawMessage `json:"req"`
			Sig []string        `json:"sig"`
		}
		if json.Unmarshal(raw, &env) != nil {
			continue
		}
		var fields []json.RawMessage
		if json.Unmarshal(env.Req, &fields) != nil || len(fields) != 4 {
			continue
		}
		var (
			id     uint64
			method string
		)
		_ = json.Unmarshal(fields[0], &id)
		_ = json.Unmarshal(fields[1], &method)

		n.mu.Lock()
		n.received = append(n.received, method)
		n.mu.Unlock()

		switch method {
		case MethodAuthRequest:
			var p authRequestParams
			_ = json.Unmarshal(fields[2], &p)
			n.mu.Lock()
			n.authReq = p
			n.mu.Unlock()
			n.reply(conn, id, MethodAuthChallenge, map[string]string{"challenge_message": testChallenge})

		case MethodAuthVerify:
			ok := !n.rejectAuth.Load() && n.policySigned(env.Sig)
			n.reply(conn, id, MethodAuthVerify, map[string]any{"success": ok, "address": n.wallet.Hex()})

		case "slow":

		case "boom":
			n.reply(conn, id, MethodError, map[string]string{"error": "boom"})

		default:
			if !n.sessionSigned(env.Req, env.Sig) {
				n.reply(conn, id, MethodError, map[string]string{"error": "invalid signature"})
				continue
			}
			if method == MethodGetLedgerBalances {
				n.mu.Lock()
				balances := n.balances
				n.mu.Unlock()
				n.reply(conn, id, method, json.RawMessage(`{"ledger_balances":`+balances+`}`))
				continue
			}
			n.reply(conn, id, method, map[string]string{"echo": method})
		}
	}
}

func (n *fakeNode) policySigned(sigs []string) bool {
	if len(sigs) != 1 {
		return false
	}
	n.mu.Lock()
	p := n.authReq
	n.mu.Unlock()
	signer, err := crypto.RecoverPolicySigner(crypto.AuthPolicy{
		Application: p.Application,
		Challenge:   testChallenge,
		Scope:       p.Scope,
		Wallet:      common.HexToAddress(p.Address),
		SessionKey:  common.HexToAddress(p.SessionKey),
		ExpiresAt:   p.ExpiresAt,
		Allowances:  p.Allowances,
	}, sigs[0])
	return err == nil && signer == n.wallet
}

func (n *fakeNode) sessionSigned(req json.RawMessage, sigs []string) bool {
	if len(sigs) != 1 {
		return false
	}
	n.mu.Lock()
	session := common.HexToAddress(n.authReq.SessionKey)
	n.mu.Unlock()
	signer, err := crypto.RecoverPayloadSigner(req, sigs[0])
	return err == nil && signer == session
}

func (n *fakeNode) reply(conn *websocket.Conn, id uint64, method string, params any) {
	n.wmu.Lock()
	defer n.wmu.Unlock()
	_ = conn.WriteJSON(map[string]any{
		"res": []any{id, method, params, time.Now().UnixMilli()},
		"sig": []string{},
	})
}

func (n *fakeNode) push(t *testing.T, raw string) {
	t.Helper()
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	require.NotNil(t, conn)
	n.wmu.Lock()
	defer n.wmu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (n *fakeNode) dropConn() {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (n *fakeNode) saw(method string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.received {
		if m == method {
			return true
		}
	}
	return false
}

func (n *fakeNode) setBalances(raw string) {
	n.mu.Lock()
	n.balances = raw
	n.mu.Unlock()
}

func testIdentity(t *testing.T) *crypto.KeyService {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return crypto.NewKeyService(key, crypto.KeySourceEphemeral, nil)
}

func startClient(t *testing.T, node *fakeNode, id Identity, mutate func(*Config)) (*Client, *metrics.Metrics) {
	t.Helper()
	cfg := Config{
		URL:            node.url(),
		Application:    "shadowsettle",
		Scope:          "settle",
		Asset:          "usdc",
		AssetDecimals:  6,
		RequestTimeout: 2 * time.Second,
		ReconnectDelay: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := metrics.New()
	c := NewClient(cfg, id, m, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		c.Stop()
		<-done
	})
	return c, m
}

func waitAuthenticated(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == StateAuthenticated },
		3*time.Second, 10*time.Millisecond)
}

func TestClientAuthenticatesWithSessionKey(t *testing.T) {
	id := testIdentity(t)
	node := newFakeNode(t, id.Address())
	c, m := startClient(t, node, id, nil)

	waitAuthenticated(t, c)

	node.mu.Lock()
	req := node.authReq
	node.mu.Unlock()
	assert.Equal(t, id.Address().Hex(), req.Address)
	assert.NotEqual(t, req.Address, req.SessionKey)
	assert.Equal(t, "shadowsettle", req.Application)
	assert.Equal(t, float64(StateAuthenticated), m.Snapshot()["settler_channel_state"])
}

func TestClientRejectedAuthNeverAuthenticates(t *testing.T) {
	id := testIdentity(t)
	node := newFakeNode(t, id.Address())
	node.rejectAuth.Store(true)
	c, m := startClient(t, node, id, nil)

	require.Eventually(t, func() bool { return node.connects.Load() >= 2 },
		3*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, StateAuthenticated, c.State())
	assert.GreaterOrEqual(t, m.Snapshot()["settler_channel_reconnects_total"], float64(1))

	_, err := c.Call(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, domain.ErrChannelDisconnected)
}

func TestClientWrongIdentityFailsAuth(t *testing.T) {
	id := testIdentity(t)
	other := testIdentity(t)
	node := newFakeNode(t, other.Address())
	c, _ := startClient(t, node, id, nil)

	require.Eventually(t, func() bool { return node.saw(MethodAuthVerify) },
		3*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return c.State() == StateAuthenticated },
		200*time.Millisecond, 10*time.Millisecond)
}

func TestCallCorrelatesConcurrentResponses(t *testing.T) {
	id := testIdentity(t)
	node := newFakeNode(t, id.Address())
	c, _ := startClient(t, node, id, nil)
	waitAuthenticated(t, c)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := fmt.Sprintf("echo_%d", i)
			raw, err := c.Call(context.Background(), method, map[string]int{"i": i})
			if err != nil {
				errs <- err
				return
			}
			var got map[string]string
			if err := json.Unmarshal(raw, &got); err != nil {
				errs <- err
				return
			}
			if got["echo"] != method {
				errs <- fmt.Errorf("call %s got response for %s", method, got["echo"])
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCallSurfacesServerError(t *testing.T) {
	id := testIdentity(t)
	node := newFakeNode(t, id.Address())
	c, _ := startClient(t, node, id, nil)
	waitAuthenticated(t, c)

	_, err := c.Call(context.Background(), "boom", nil)
	require.Error(t, err)
	var ge GenericError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "boom", ge.Message)
}

func TestCallTimesOut(t *testing.T) {
	id := testIdentity(t)
	node := newFakeNode(t, id.Address())
	c, m := startClient(t, node, id, func(cfg *Config) { cfg.RequestTimeout = 100 * time.Millisecond })
	waitAuthenticated(t, c)

	_, err := c.Call(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, domain.ErrRPCTimeout)
	assert.Equal(t, float64(1), m.Snapshot()["settler_channel_rpc_timeouts_total"])
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestDisconnectFailsPendingCallsImmediately(t *testing.T) {
	id := testIdentity(t)
	node := newFakeNode(t, id.Address())
	c, _ := startClient(t, node, id, func(cfg *Config) { cfg.RequestTimeout = 10 * time.Second })
	waitAuthenticated(t, c)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "slow", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return node.saw("slow") }, 3*time.Second, 10*time.Millisecond)

	start := time.Now()
	node.dropConn()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrChannelDisconnected)
		assert.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("pending call not failed on disconnect")
	}

	// The client reconnects and re-authenticates on its own.
	require.Eventually(t, func() bool {
		return node.connects.Load() == 2 && c.State() == StateAuthenticated
	}, 3*time.Second, 10*time.Millisecond)

	_, err := c.Call(context.Background(), "echo", nil)
	assert.NoError(t, err)
}

func TestCallContextCancelled(t *testing.T) {
	id := testIdentity(t)
	node := newFakeNode(t, id.Address())
	c, _ := startClient(t, node, id, nil)
	waitAuthenticated(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotificationsDispatchedInOrder(t *testing.T) {
	id := testIdentity(t)
	node := newFakeNode(t, id.Address())
	c, m := startClient(t, node, id, nil)
	waitAuthenticated(t, c)

	bettor := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	node.push(t, `{"res":[0,"app_session_created",{"app_session":{"app_session_id":"0xABC","status":"open","version":1,"participants":["`+bettor.Hex()+`"],"session_data":"{}"}},1],"sig":[]}`)
	node.push(t, `not json at all`)
	node.push(t, `{"res":[0,"asu",{"app_session_id":"0xabc","status":"open","version":2,"participants":["`+bettor.Hex()+`"],"session_data":"x"},2],"sig":[]}`)

	first := <-c.Notifications()
	opened, ok := first.(AppSessionOpened)
	require.True(t, ok, "got %T", first)
	assert.Equal(t, "0xabc", opened.Session.SessionID)
	assert.Equal(t, uint64(1), opened.Session.Version)
	assert.Equal(t, []common.Address{bettor}, opened.Session.Participants)

	second := <-c.Notifications()
	updated, ok := second.(AppSessionStateUpdated)
	require.True(t, ok, "got %T", second)
	assert.Equal(t, uint64(2), updated.Session.Version)
	assert.Equal(t, "x", updated.Session.SessionData)

	assert.Equal(t, float64(1), m.Snapshot()["settler_channel_unknown_messages_total"])
}

func TestUnmatchedResponseForwardedToNotifications(t *testing.T) {
	id := testIdentity(t)
	node := newFakeNode(t, id.Address())
	c, _ := startClient(t, node, id, nil)
	waitAuthenticated(t, c)

	node.push(t, `{"res":[9999,"bu",{"balance_updates":[]},1],"sig":[]}`)

	select {
	case msg := <-c.Notifications():
		resp, ok := msg.(GenericResponse)
		require.True(t, ok, "got %T", msg)
		assert.Equal(t, uint64(9999), resp.ID)
		assert.Equal(t, "bu", resp.Method)
		assert.JSONEq(t, `{"balance_updates":[]}`, string(resp.Params))
	case <-time.After(2 * time.Second):
		t.Fatal("unmatched response never reached notifications")
	}

	// A reply that matches a pending call goes to the caller only.
	got, err := c.Call(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"echo"}`, string(got))
	select {
	case msg := <-c.Notifications():
		t.Fatalf("matched reply leaked to notifications: %T", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotificationOverflowDropsWithoutBlocking(t *testing.T) {
	id := testIdentity(t)
	node := newFakeNode(t, id.Address())
	c, m := startClient(t, node, id, func(cfg *Config) { cfg.NotifyBuffer = 1 })
	waitAuthenticated(t, c)

	for v := 1; v <= 3; v++ {
		node.push(t, fmt.Sprintf(`{"res":[0,"asu",{"app_session_id":"0xabc","status":"open","version":%d,"participants":[],"session_data":""},%d],"sig":[]}`, v, v))
	}

	// The read loop keeps serving calls while nobody drains notifications.
	_, err := c.Call(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(2), m.Snapshot()["settler_channel_notifications_dropped_total"])

	first := <-c.Notifications()
	updated, ok := first.(AppSessionStateUpdated)
	require.True(t, ok, "got %T", first)
	assert.Equal(t, uint64(1), updated.Session.Version)
}

func TestLedgerBalance(t *testing.T) {
	id := testIdentity(t)
	node := newFakeNode(t, id.Address())
	c, _ := startClient(t, node, id, nil)
	waitAuthenticated(t, c)

	node.setBalances(`[{"asset":"eth","amount":"1"},{"asset":"USDC","amount":"12.5"}]`)
	bal, err := c.LedgerBalance(context.Background(), id.Address())
	require.NoError(t, err)
	assert.Equal(t, "12500000", bal.Dec())

	node.setBalances(`[{"asset":"eth","amount":"1"}]`)
	bal, err = c.LedgerBalance(context.Background(), id.Address())
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestDecodeRejectsUnknownShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `nope`},
		{"request not response", `{"req":[1,"ping",{},1],"sig":[]}`},
		{"short tuple", `{"res":[1,"ping"],"sig":[]}`},
		{"string id", `{"res":["1","ping",{},1],"sig":[]}`},
		{"empty method", `{"res":[1,"",{},1],"sig":[]}`},
		{"challenge without message", `{"res":[1,"auth_challenge",{},1],"sig":[]}`},
		{"verify without success", `{"res":[1,"auth_verify",{"address":"0x1"},1],"sig":[]}`},
		{"error without text", `{"res":[1,"error",{},1],"sig":[]}`},
		{"session without id", `{"res":[0,"asu",{"status":"open"},1],"sig":[]}`},
		{"session bad participant", `{"res":[0,"asu",{"app_session_id":"0x1","participants":["bob"]},1],"sig":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decode([]byte(tt.raw))
			assert.ErrorIs(t, err, errMalformed)
		})
	}
}

func TestDecodeKnownShapes(t *testing.T) {
	msg, err := decode([]byte(`{"res":[7,"auth_verify",{"success":false},1],"sig":[]}`))
	require.NoError(t, err)
	assert.Equal(t, AuthVerifyResult{ID: 7, Success: false}, msg)

	msg, err = decode([]byte(`{"res":[8,"get_config",{"chains":[]},1],"sig":["0x"]}`))
	require.NoError(t, err)
	resp, ok := msg.(GenericResponse)
	require.True(t, ok)
	assert.Equal(t, "get_config", resp.Method)
	assert.JSONEq(t, `{"chains":[]}`, string(resp.Params))
}

func TestParseUnits(t *testing.T) {
	tests := []struct {
		in       string
		decimals int
		want     string
		wantErr  bool
	}{
		{"12.5", 6, "12500000", false},
		{"0.000001", 6, "1", false},
		{"100", 0, "100", false},
		{".5", 1, "5", false},
		{"1.2300", 2, "123", false},
		{"0", 6, "0", false},
		{"1.234", 2, "", true},
		{"-1", 6, "", true},
		{"abc", 6, "", true},
		{"", 6, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseUnits(tt.in, tt.decimals)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Dec())
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "state(9)", State(9).String())
}
