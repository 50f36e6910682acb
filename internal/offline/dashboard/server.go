package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// outboxSize is how many frames a subscriber may fall behind before it
	// is disconnected.
	outboxSize   = 32
	writeTimeout = 5 * time.Second
)

// Config holds server configuration.
type Config struct {
	// Host to bind (default: 127.0.0.1)
	Host string

	// Port to listen on (default: 8088, 0 picks a free port)
	Port int

	// Logger for server activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:   "127.0.0.1",
		Port:   8088,
		Logger: log.Default(),
	}
}

// Server pushes Messages to WebSocket subscribers. Each subscriber has its
// own outbox drained by its connection's handler, so one stalled client
// cannot hold up the others or the caller of Broadcast.
type Server struct {
	config *Config
	status func() Indicator

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	stopped bool

	listener net.Listener
	http     *http.Server
	done     chan struct{}
	wg       sync.WaitGroup
}

type subscriber struct {
	conn   *websocket.Conn
	outbox chan []byte
	// evicted is closed when Broadcast drops the subscriber.
	evicted chan struct{}
}

// NewServer creates a server. It does not listen until Start.
func NewServer(config *Config) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Host == "" {
		config.Host = defaults.Host
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Server{
		config: config,
		status: func() Indicator { return Indicator{Online: true} },
		subs:   make(map[*subscriber]struct{}),
		done:   make(chan struct{}),
	}
}

// SetStatus sets the indicator source. Call before Start.
func (s *Server) SetStatus(fn func() Indicator) {
	if fn != nil {
		s.status = fn
	}
}

// Handler returns the server's routes:
//
//	GET /ws      WebSocket stream, starting with a status message
//	GET /status  current StatusData
//	GET /health  liveness and subscriber count
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /status", s.serveStatus)
	mux.HandleFunc("GET /health", s.serveHealth)
	mux.HandleFunc("GET /{$}", s.serveIndex)
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.config.Logger.Printf("Serving sync status on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Printf("Serve failed: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every subscriber and shuts the listener down. Safe to
// call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.done)

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if serr := s.http.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shut down status server: %w", serr)
		}
	}
	s.wg.Wait()
	return err
}

// Broadcast queues msg for every subscriber. A subscriber whose outbox is
// full is evicted.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		s.config.Logger.Printf("Failed to marshal %s message: %v", msg.Type, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.outbox <- frame:
		default:
			delete(s.subs, sub)
			close(sub.evicted)
			s.config.Logger.Printf("Evicted slow client (%d remaining)", len(s.subs))
		}
	}
}

// GetAddr returns the listening address, or the configured one before
// Start.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// ClientCount returns the number of connected subscribers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) statusMessage() Message {
	return statusMessage(s.status())
}

// subscribe registers sub unless the server is stopping. The handler
// goroutine is counted so Stop waits for it.
func (s *Server) subscribe(sub *subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.subs[sub] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		s.config.Logger.Printf("Client disconnected (%d remaining)", len(s.subs))
	}
}

// serveWS streams frames to one subscriber until it leaves, is evicted or
// the server stops.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sub := &subscriber{
		conn:    conn,
		outbox:  make(chan []byte, outboxSize),
		evicted: make(chan struct{}),
	}
	// Queued before subscribing, so it is always the first frame.
	if frame, err := json.Marshal(s.statusMessage()); err == nil {
		sub.outbox <- frame
	}
	if !s.subscribe(sub) {
		_ = conn.Close(websocket.StatusGoingAway, "server stopping")
		return
	}
	defer s.wg.Done()
	defer s.unsubscribe(sub)
	s.config.Logger.Printf("Client connected (%d total)", s.ClientCount())

	// Client frames are discarded; ctx ends when the client goes away.
	ctx := conn.CloseRead(context.Background())

	for {
		select {
		case frame := <-sub.outbox:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.config.Logger.Printf("Failed to write to client: %v", err)
				_ = conn.CloseNow()
				return
			}
		case <-sub.evicted:
			_ = conn.Close(websocket.StatusPolicyViolation, "too slow")
			return
		case <-s.done:
			_ = conn.Close(websocket.StatusGoingAway, "server stopping")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	ind := s.status()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(StatusData{Indicator: ind, Text: ind.Text()})
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "warehouse sync status\n\n  ws://%[1]s/ws\n  http://%[1]s/status\n  http://%[1]s/health\n", r.Host)
}
