package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexlearn/codex/internal/live"
	"github.com/codexlearn/codex/internal/store"
	"github.com/codexlearn/codex/pkg/entitlements"
)

func headerAuth(r *http.Request) (string, error) {
	if u := r.Header.Get("X-User"); u != "" {
		return u, nil
	}
	return "", errors.New("no user")
}

type harness struct {
	store *store.MemoryStore
	hub   *Hub
	srv   *httptest.Server
	url   string
}

func newHarness(t *testing.T, origins []string) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	e := entitlements.NewEvaluator(entitlements.DefaultCatalog())
	m := live.NewManager(st, e)
	hub := NewHub(m, headerAuth, origins)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		m.Close()
		st.Close()
	})
	return &harness{store: st, hub: hub, srv: srv, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (h *harness) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("X-User", user)
	conn, _, err := websocket.DefaultDialer.Dial(h.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg.Type, msg.Data
}

// readPayload skips frames until an entitlements payload satisfying ok arrives.
func readPayload(t *testing.T, conn *websocket.Conn, ok func(entitlements.Payload) bool) entitlements.Payload {
	t.Helper()
	for i := 0; i < 10; i++ {
		typ, data := readMessage(t, conn)
		if typ != TypeEntitlements {
			continue
		}
		var p entitlements.Payload
		require.NoError(t, json.Unmarshal(data, &p))
		if ok(p) {
			return p
		}
	}
	t.Fatal("expected payload never arrived")
	return entitlements.Payload{}
}

func TestPushesInitialPayloadAndChanges(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "u1")

	first := readPayload(t, conn, func(entitlements.Payload) bool { return true })
	assert.False(t, first.IsActive)

	_, err := h.store.Update(context.Background(), "u1", func(*entitlements.Subscription) (*entitlements.Subscription, error) {
		return &entitlements.Subscription{
			PlanID:    entitlements.PlanPro,
			Status:    entitlements.StatusActive,
			StartDate: time.Now(),
		}, nil
	})
	require.NoError(t, err)

	p := readPayload(t, conn, func(p entitlements.Payload) bool { return p.PlanID == entitlements.PlanPro })
	assert.True(t, p.IsActive)
	fs, ok := p.Feature(entitlements.FeatureAICoachUnlimited)
	require.True(t, ok)
	assert.True(t, fs.CanUse)
	assert.Equal(t, 1, h.hub.ClientCount())
}

func TestPingAndRefresh(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "u1")
	// Exactly one initial frame: the next one must answer the ping.
	readPayload(t, conn, func(entitlements.Payload) bool { return true })

	require.NoError(t, conn.WriteJSON(Message{Type: TypePing}))
	typ, _ := readMessage(t, conn)
	assert.Equal(t, TypePong, typ)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeRefresh}))
	typ, _ = readMessage(t, conn)
	assert.Equal(t, TypeEntitlements, typ)
}

func TestInitialPayloadForExistingDocument(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.store.Update(context.Background(), "u1", func(*entitlements.Subscription) (*entitlements.Subscription, error) {
		return &entitlements.Subscription{PlanID: entitlements.PlanPro, Status: entitlements.StatusActive, StartDate: time.Now()}, nil
	})
	require.NoError(t, err)

	conn := h.dial(t, "u1")
	typ, data := readMessage(t, conn)
	require.Equal(t, TypeEntitlements, typ)
	var p entitlements.Payload
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, entitlements.PlanPro, p.PlanID)

	require.NoError(t, conn.WriteJSON(Message{Type: TypePing}))
	typ, _ = readMessage(t, conn)
	assert.Equal(t, TypePong, typ)
}

func TestPushPayloadDropsOlderVersions(t *testing.T) {
	c := &Client{send: make(chan []byte, sendBuffer), done: make(chan struct{})}

	c.pushPayload(entitlements.Payload{Version: 4})
	c.pushPayload(entitlements.Payload{Version: 3})
	c.pushPayload(entitlements.Payload{Version: 4})
	c.pushPayload(entitlements.Payload{Version: 0})
	c.pushPayload(entitlements.Payload{Version: 2})

	var versions []int64
	for len(c.send) > 0 {
		var msg struct {
			Data entitlements.Payload `json:"data"`
		}
		require.NoError(t, json.Unmarshal(<-c.send, &msg))
		versions = append(versions, msg.Data.Version)
	}
	assert.Equal(t, []int64{4, 4, 0, 2}, versions)
}

func TestRejectsUnauthenticated(t *testing.T) {
	h := newHarness(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, h.hub.ClientCount())
}

func TestRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, []string{"https://*.codex.dev"})
	header := http.Header{}
	header.Set("X-User", "u1")
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDisconnectUnregisters(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "u1")
	readPayload(t, conn, func(entitlements.Payload) bool { return true })
	require.Equal(t, 1, h.hub.ClientCount())

	conn.Close()
	assert.Eventually(t, func() bool { return h.hub.ClientCount() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestCloseDisconnectsClients(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "u1")
	readPayload(t, conn, func(entitlements.Payload) bool { return true })

	h.hub.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	header := http.Header{}
	header.Set("X-User", "u2")
	_, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		origin   string
		host     string
		want     bool
	}{
		{"no origin header", nil, "", "api.codex.dev", true},
		{"same host", nil, "https://api.codex.dev", "api.codex.dev", true},
		{"same host different port", nil, "http://localhost:5173", "localhost:8080", true},
		{"cross host without patterns", nil, "https://evil.example", "api.codex.dev", false},
		{"wildcard match", []string{"https://*.codex.dev"}, "https://app.codex.dev", "api.codex.dev", true},
		{"wildcard scheme mismatch", []string{"https://*.codex.dev"}, "http://app.codex.dev", "api.codex.dev", false},
		{"allow all", []string{"*"}, "https://anything.example", "api.codex.dev", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHub(nil, headerAuth, tc.patterns)
			r := httptest.NewRequest(http.MethodGet, "/ws/entitlements", nil)
			r.Host = tc.host
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, h.checkOrigin(r))
		})
	}
}
