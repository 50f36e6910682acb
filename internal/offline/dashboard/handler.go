package dashboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sitex/warehouse/internal/offline/connectivity"
	offsync "github.com/sitex/warehouse/internal/offline/sync"
)

// Counter reports the queue length.
type Counter interface {
	PendingCount(ctx context.Context) (int, error)
}

// Handler tracks the Indicator and bridges connectivity and sync events to
// the WebSocket server. It implements sync.Observer.
type Handler struct {
	server  *Server
	counter Counter
	logger  *log.Logger

	mu        sync.Mutex
	indicator Indicator
	started   time.Time
}

var _ offsync.Observer = (*Handler)(nil)

// NewHandler creates a handler for server. counter may be nil, in which case
// pending counts only change through SetPending.
func NewHandler(server *Server, counter Counter, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{
		server:    server,
		counter:   counter,
		logger:    logger,
		indicator: Indicator{Online: true},
	}
	if server != nil {
		server.SetStatus(h.Indicator)
	}
	return h
}

// Indicator returns the current status.
func (h *Handler) Indicator() Indicator {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.indicator
}

// OnConnectivity handles online/offline transitions.
func (h *Handler) OnConnectivity(ev connectivity.Event) {
	h.mu.Lock()
	h.indicator.Online = ev.Online
	h.mu.Unlock()

	h.logger.Printf("Connectivity: online=%v (via %s)", ev.Online, ev.Source)
	h.send(MessageTypeConnectivity, ConnectivityData{Online: ev.Online, Source: ev.Source})
	h.broadcastStatus()
}

// SetPending records a new queue length.
func (h *Handler) SetPending(n int) {
	h.mu.Lock()
	changed := h.indicator.Pending != n
	h.indicator.Pending = n
	h.mu.Unlock()

	if !changed {
		return
	}
	h.send(MessageTypePending, PendingData{Pending: n})
	h.broadcastStatus()
}

// Refresh re-reads the queue length from the counter.
func (h *Handler) Refresh(ctx context.Context) {
	if h.counter == nil {
		return
	}
	n, err := h.counter.PendingCount(ctx)
	if err != nil {
		h.logger.Printf("Failed to count pending changes: %v", err)
		return
	}
	h.SetPending(n)
}

// SyncStarted implements sync.Observer.
func (h *Handler) SyncStarted() {
	h.mu.Lock()
	h.indicator.Syncing = true
	h.started = time.Now()
	h.mu.Unlock()

	h.send(MessageTypeSyncStarted, nil)
	h.broadcastStatus()
}

// SyncFinished implements sync.Observer.
func (h *Handler) SyncFinished(res offsync.Result, err error) {
	pending := -1
	if h.counter != nil {
		if n, cerr := h.counter.PendingCount(context.Background()); cerr == nil {
			pending = n
		}
	}

	h.mu.Lock()
	h.indicator.Syncing = false
	if pending >= 0 {
		h.indicator.Pending = pending
	}
	data := SyncCompleteData{
		Synced:   res.Synced,
		Failed:   res.Failed,
		Pending:  h.indicator.Pending,
		Duration: time.Since(h.started),
	}
	h.mu.Unlock()

	if err != nil {
		data.Error = err.Error()
	}
	h.logger.Printf("Sync complete: synced=%d, failed=%d, pending=%d", data.Synced, data.Failed, data.Pending)
	h.send(MessageTypeSyncComplete, data)
	h.broadcastStatus()
}

func (h *Handler) broadcastStatus() {
	if h.server == nil {
		return
	}
	h.server.Broadcast(h.server.statusMessage())
}

func (h *Handler) send(typ MessageType, payload any) {
	if h.server == nil {
		return
	}
	msg, err := newMessage(typ, payload)
	if err != nil {
		h.logger.Printf("Warning: %v", err)
		return
	}
	h.server.Broadcast(msg)
}
