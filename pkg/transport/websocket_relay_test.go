package transport_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/moodtribe/relay/internal"
	"github.com/moodtribe/relay/pkg/relay"
	"github.com/moodtribe/relay/pkg/transport"
	"go.uber.org/zap/zaptest"
)

type testRelay struct {
	registry *internal.ConnectionRegistry
	server   *httptest.Server
}

func newTestRelay(t *testing.T, params transport.WebsocketRelayParams) *testRelay {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := internal.CreateConnectionRegistry()
	r, err := relay.CreateRelay(relay.RelayConfig{Registry: registry, Logger: logger})
	if err != nil {
		t.Fatalf("CreateRelay() error = %v", err)
	}

	params.Logger = logger
	wsRelay, err := transport.CreateWebsocketRelay(r, params)
	if err != nil {
		t.Fatalf("CreateWebsocketRelay() error = %v", err)
	}

	server := httptest.NewServer(wsRelay.Handler())
	t.Cleanup(server.Close)
	return &testRelay{registry: registry, server: server}
}

func (tr *testRelay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(tr.server.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeText(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write %s: %v", frame, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (tr *testRelay) waitForOwner(t *testing.T, userId string) {
	t.Helper()
	waitFor(t, userId+" to register", func() bool {
		_, ok := tr.registry.Lookup(userId)
		return ok
	})
}

func TestWebsocketRelay_ForwardsMessage(t *testing.T) {
	tr := newTestRelay(t, transport.WebsocketRelayParams{AllowAllHosts: true})
	a := dial(t, tr.wsURL("/ws"))
	b := dial(t, tr.wsURL("/ws"))

	writeText(t, a, `{"type":"auth","userId":"u1"}`)
	writeText(t, b, `{"type":"auth","userId":"u2"}`)
	tr.waitForOwner(t, "u1")
	tr.waitForOwner(t, "u2")

	writeText(t, a, `{"type":"message","senderId":"u1","recipientId":"u2","content":"hi"}`)

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read forwarded frame: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Errorf("message type = %d, want text", msgType)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if got["type"] != "message" || got["senderId"] != "u1" || got["content"] != "hi" {
		t.Errorf("forwarded = %v, want message from u1 with content hi", got)
	}
	if ts, ok := got["timestamp"].(string); !ok || ts == "" {
		t.Errorf("timestamp = %v, want server generated string", got["timestamp"])
	}
}

func TestWebsocketRelay_MalformedFrameKeepsConnection(t *testing.T) {
	tr := newTestRelay(t, transport.WebsocketRelayParams{AllowAllHosts: true})
	a := dial(t, tr.wsURL("/ws"))

	writeText(t, a, `{"type":`)
	writeText(t, a, `{"type":"auth","userId":"u1"}`)
	tr.waitForOwner(t, "u1")
}

func TestWebsocketRelay_StaleCloseKeepsNewConnection(t *testing.T) {
	tr := newTestRelay(t, transport.WebsocketRelayParams{AllowAllHosts: true})
	oldConn := dial(t, tr.wsURL("/ws"))
	writeText(t, oldConn, `{"type":"auth","userId":"u1"}`)
	tr.waitForOwner(t, "u1")
	first, _ := tr.registry.Lookup("u1")

	newConn := dial(t, tr.wsURL("/ws"))
	writeText(t, newConn, `{"type":"auth","userId":"u1"}`)
	waitFor(t, "u1 to move to the new connection", func() bool {
		current, ok := tr.registry.Lookup("u1")
		return ok && current != first
	})
	second, _ := tr.registry.Lookup("u1")

	oldConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	oldConn.Close()
	waitFor(t, "old connection to close", func() bool { return !first.IsOpen() })

	current, ok := tr.registry.Lookup("u1")
	if !ok || current != second {
		t.Errorf("Lookup(u1) after stale close = %v, %v; want the new connection", current, ok)
	}
}

func TestWebsocketRelay_PassesOtherPathsThrough(t *testing.T) {
	sawUpgrade := make(chan string, 1)
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			sawUpgrade <- r.URL.Path
			http.Error(w, "not here", http.StatusTeapot)
			return
		}
		io.WriteString(w, "ok")
	})
	tr := newTestRelay(t, transport.WebsocketRelayParams{AllowAllHosts: true, Fallback: fallback})

	resp, err := http.Get(tr.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("GET /healthz body = %q, want ok", body)
	}

	_, resp, err = websocket.DefaultDialer.Dial(tr.wsURL("/hmr"), nil)
	if err == nil {
		t.Fatal("dial /hmr succeeded, want the relay to leave it alone")
	}
	if resp == nil || resp.StatusCode != http.StatusTeapot {
		t.Errorf("dial /hmr response = %v, want fallback status 418", resp)
	}
	select {
	case path := <-sawUpgrade:
		if path != "/hmr" {
			t.Errorf("fallback saw path %q, want /hmr", path)
		}
	default:
		t.Error("fallback did not receive the /hmr upgrade")
	}

	resp, err = http.Get(tr.server.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("plain GET /ws status = %d, want fallback 200", resp.StatusCode)
	}
}

func TestWebsocketRelay_CustomEndpoint(t *testing.T) {
	tr := newTestRelay(t, transport.WebsocketRelayParams{AllowAllHosts: true, ListenEndpoint: "/relay"})

	if _, _, err := websocket.DefaultDialer.Dial(tr.wsURL("/ws"), nil); err == nil {
		t.Error("dial /ws succeeded, want 404 with custom endpoint")
	}
	a := dial(t, tr.wsURL("/relay"))
	writeText(t, a, `{"type":"auth","userId":"u1"}`)
	tr.waitForOwner(t, "u1")
}

func TestWebsocketRelay_OriginChecks(t *testing.T) {
	tr := newTestRelay(t, transport.WebsocketRelayParams{
		AllowAllHosts:    false,
		AllowlistedHosts: []string{"https://moodtribe.example"},
		DenylistedHosts:  []string{"https://evil.example"},
	})

	header := http.Header{}
	header.Set("Origin", "https://moodtribe.example")
	conn, _, err := websocket.DefaultDialer.Dial(tr.wsURL("/ws"), header)
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	conn.Close()

	header.Set("Origin", "https://evil.example")
	if _, _, err := websocket.DefaultDialer.Dial(tr.wsURL("/ws"), header); err == nil {
		t.Error("dial with denied origin succeeded")
	}

	header.Set("Origin", "https://other.example")
	if _, _, err := websocket.DefaultDialer.Dial(tr.wsURL("/ws"), header); err == nil {
		t.Error("dial with unlisted origin succeeded")
	}
}

func TestWebsocketRelay_ServeAndShutdown(t *testing.T) {
	registry := internal.CreateConnectionRegistry()
	r, err := relay.CreateRelay(relay.RelayConfig{Registry: registry, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("CreateRelay() error = %v", err)
	}
	wsRelay, err := transport.CreateWebsocketRelay(r, transport.WebsocketRelayParams{
		AllowAllHosts: true,
		Logger:        zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("CreateWebsocketRelay() error = %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- wsRelay.Serve(ctx, listener) }()

	waitFor(t, "listener address", func() bool { return wsRelay.Addr() != "" })
	conn := dial(t, "ws://"+wsRelay.Addr()+"/ws")
	writeText(t, conn, `{"type":"auth","userId":"u1"}`)
	waitFor(t, "u1 to register", func() bool { return registry.Len() == 1 })
	if wsRelay.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount() = %d, want 1", wsRelay.ConnectionCount())
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("read after shutdown succeeded, want connection closed")
	}
	waitFor(t, "registry to empty", func() bool { return registry.Len() == 0 })
}
