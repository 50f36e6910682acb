package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sitex/warehouse/internal/offline/connectivity"
	offsync "github.com/sitex/warehouse/internal/offline/sync"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "[test] ", log.LstdFlags)
}

func startServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(&Config{Host: "127.0.0.1", Port: 0, Logger: testLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

// readUntil reads messages until one of the given type arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ MessageType) Message {
	t.Helper()
	for {
		msg := readMessage(t, ctx, conn)
		if msg.Type == typ {
			return msg
		}
	}
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIndicatorText(t *testing.T) {
	tests := []struct {
		name string
		ind  Indicator
		want string
	}{
		{"offline", Indicator{Online: false, Pending: 3}, "offline"},
		{"offline empty", Indicator{Online: false}, "offline"},
		{"syncing", Indicator{Online: true, Pending: 2, Syncing: true}, "syncing"},
		{"pending", Indicator{Online: true, Pending: 2}, "2 changes pending"},
		{"clear", Indicator{Online: true}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ind.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
			if got := tt.ind.Visible(); got != (tt.want != "") {
				t.Errorf("Visible() = %v for %q", got, tt.want)
			}
		})
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Host: "127.0.0.1", Port: 0, Logger: testLogger()})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketWelcomeIsStatus(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, nil, testLogger())
	handler.SetPending(4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("Expected welcome type %s, got %s", MessageTypeStatus, msg.Type)
	}
	var status StatusData
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status.Pending != 4 || status.Text != "4 changes pending" {
		t.Errorf("Unexpected status %+v", status)
	}

	waitForClients(t, server, 1)
}

func TestHandlerBroadcastsSyncLifecycle(t *testing.T) {
	server := startServer(t)
	counter := &fakeCounter{n: 2}
	handler := NewHandler(server, counter, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	readMessage(t, ctx, conn) // welcome
	waitForClients(t, server, 1)

	handler.SyncStarted()
	readUntil(t, ctx, conn, MessageTypeSyncStarted)
	if !handler.Indicator().Syncing {
		t.Error("Expected syncing while a pass runs")
	}

	counter.set(0)
	handler.SyncFinished(offsync.Result{Synced: 2}, nil)
	msg := readUntil(t, ctx, conn, MessageTypeSyncComplete)

	var data SyncCompleteData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to decode sync data: %v", err)
	}
	if data.Synced != 2 || data.Failed != 0 || data.Pending != 0 {
		t.Errorf("Unexpected sync data %+v", data)
	}
	if ind := handler.Indicator(); ind.Syncing || ind.Text() != "" {
		t.Errorf("Expected cleared indicator, got %+v", ind)
	}

	handler.SyncFinished(offsync.Result{}, errors.New("list failed"))
	msg = readUntil(t, ctx, conn, MessageTypeSyncComplete)
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to decode sync data: %v", err)
	}
	if data.Error != "list failed" {
		t.Errorf("Expected error in sync data, got %q", data.Error)
	}
}

func TestHandlerConnectivity(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	readMessage(t, ctx, conn)
	waitForClients(t, server, 1)

	monitor := connectivity.NewMonitor(true, nil)
	monitor.OnChange(handler.OnConnectivity)
	monitor.Report("flag", false)

	msg := readUntil(t, ctx, conn, MessageTypeConnectivity)
	var data ConnectivityData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to decode connectivity data: %v", err)
	}
	if data.Online || data.Source != "flag" {
		t.Errorf("Unexpected connectivity data %+v", data)
	}
	if got := handler.Indicator().Text(); got != "offline" {
		t.Errorf("Expected offline indicator, got %q", got)
	}
}

func TestStatusEndpoint(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, &fakeCounter{n: 3}, testLogger())
	handler.Refresh(context.Background())

	resp, err := http.Get("http://" + server.GetAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()

	var status StatusData
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if !status.Online || status.Pending != 3 || status.Text != "3 changes pending" {
		t.Errorf("Unexpected status %+v", status)
	}

	health, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from /health, got %d", health.StatusCode)
	}
}

func TestHandlerWithoutServer(t *testing.T) {
	handler := NewHandler(nil, nil, testLogger())

	handler.SetPending(1)
	handler.SyncStarted()
	handler.SyncFinished(offsync.Result{Synced: 1}, nil)

	if got := handler.Indicator().Text(); got != "1 changes pending" {
		t.Errorf("Expected pending kept without a counter, got %q", got)
	}
}

func TestBroadcastEvictsFullOutbox(t *testing.T) {
	server := NewServer(&Config{Logger: testLogger()})
	slow := &subscriber{outbox: make(chan []byte, 1), evicted: make(chan struct{})}
	fast := &subscriber{outbox: make(chan []byte, 4), evicted: make(chan struct{})}
	server.subs[slow] = struct{}{}
	server.subs[fast] = struct{}{}

	server.Broadcast(Message{Type: MessageTypePending})
	server.Broadcast(Message{Type: MessageTypePending})

	select {
	case <-slow.evicted:
	default:
		t.Error("Expected slow subscriber evicted")
	}
	select {
	case <-fast.evicted:
		t.Error("Fast subscriber should stay")
	default:
	}
	if got := server.ClientCount(); got != 1 {
		t.Errorf("Expected 1 subscriber left, got %d", got)
	}
	if got := len(fast.outbox); got != 2 {
		t.Errorf("Expected 2 frames queued for fast subscriber, got %d", got)
	}
}

func TestServerRoutes(t *testing.T) {
	server := NewServer(&Config{Logger: testLogger()})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "/ws") {
		t.Errorf("Expected index to list endpoints, got %q", body)
	}

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/status", http.StatusOK},
		{http.MethodGet, "/nope", http.StatusNotFound},
		{http.MethodPost, "/status", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, ts.URL+tt.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s failed: %v", tt.method, tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestStopDisconnectsClients(t *testing.T) {
	server := NewServer(&Config{Host: "127.0.0.1", Port: 0, Logger: testLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.CloseNow()
	readMessage(t, ctx, conn)
	waitForClients(t, server, 1)

	// Read in the background so the close handshake can complete.
	closed := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(ctx)
		closed <- err
	}()

	if err := server.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := server.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}

	if code := websocket.CloseStatus(<-closed); code != websocket.StatusGoingAway {
		t.Errorf("Expected going-away close, got %v", code)
	}
}

// fakeCounter returns a settable count.
type fakeCounter struct {
	n int
}

func (c *fakeCounter) set(n int) { c.n = n }

func (c *fakeCounter) PendingCount(context.Context) (int, error) {
	return c.n, nil
}
