package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
)

type memBus struct {
	mu      sync.Mutex
	subs    map[string]chan []byte
	entries []domain.StreamMessage
}

func newMemBus() *memBus { return &memBus{subs: map[string]chan []byte{}} }

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	if ch != nil {
		ch <- payload
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 8)
	b.subs[channel] = ch
	return ch, nil
}

func (b *memBus) subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[channel] != nil
}

func (b *memBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf("%d-0", len(b.entries)+1)
	b.entries = append(b.entries, domain.StreamMessage{ID: id, Payload: payload})
	return nil
}

func (b *memBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, e := range b.entries {
		if e.ID > lastID && len(out) < count {
			out = append(out, e)
		}
	}
	return out, nil
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func testHub(bus domain.SignalBus) *Hub {
	status := func() domain.EngineStatus { return domain.EngineStatus{Mode: "full", ChannelState: "authenticated"} }
	return NewHub(bus, status, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHubSendsStatusOnConnect(t *testing.T) {
	conn := dialHub(t, testHub(newMemBus()))

	env := readEnvelope(t, conn)
	assert.Equal(t, "status", env.Channel)
	var st domain.EngineStatus
	require.NoError(t, json.Unmarshal(env.Event, &st))
	assert.Equal(t, "full", st.Mode)
}

func TestHubRelaysBusEvents(t *testing.T) {
	bus := newMemBus()
	hub := testHub(bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	conn := dialHub(t, hub)
	readEnvelope(t, conn) // status
	require.Eventually(t, func() bool {
		return bus.subscribed(domain.ChannelBetAccepted) && hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, domain.ChannelBetAccepted, []byte(`{"marketId":"7"}`)))
	env := readEnvelope(t, conn)
	assert.Equal(t, domain.ChannelBetAccepted, env.Channel)
	assert.JSONEq(t, `{"marketId":"7"}`, string(env.Event))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestHubUnsubscribeFiltersChannel(t *testing.T) {
	hub := testHub(newMemBus())
	conn := dialHub(t, hub)
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(clientMsg{Action: "unsubscribe", Channels: []string{domain.ChannelBetAccepted}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			return !c.subscribed(domain.ChannelBetAccepted)
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(domain.ChannelBetAccepted, []byte(`{}`))
	hub.Broadcast(domain.ChannelSettlementFinalized, []byte(`{"marketId":"1"}`))
	env := readEnvelope(t, conn)
	assert.Equal(t, domain.ChannelSettlementFinalized, env.Channel)
}

func TestHubReplaysSettlementStream(t *testing.T) {
	bus := newMemBus()
	ctx := context.Background()
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamSettlements, []byte(`{"marketId":"1"}`)))
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamSettlements, []byte(`{"marketId":"2"}`)))

	hub := testHub(bus)
	conn := dialHub(t, hub)
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(clientMsg{Action: "replay", Since: "1-0"}))
	env := readEnvelope(t, conn)
	assert.Equal(t, domain.StreamSettlements, env.Channel)
	assert.Equal(t, "2-0", env.ID)
	assert.JSONEq(t, `{"marketId":"2"}`, string(env.Event))

	require.NoError(t, conn.WriteJSON(clientMsg{Action: "replay"}))
	assert.Equal(t, "1-0", readEnvelope(t, conn).ID)
	assert.Equal(t, "2-0", readEnvelope(t, conn).ID)
}
