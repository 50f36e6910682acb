// Package connectivity tracks whether the device believes it is online.
//
// The monitor aggregates observations from one or more signal sources and
// emits a typed Event on every transition. "Online" is a heuristic: it means
// the last observation said the network looked usable, not that the backend
// is reachable. Consumers must still expect remote calls to fail.
package connectivity

import (
	"context"
	"io"
	"log"
	"sort"
	"sync"
	"time"
)

// Event describes an observed connectivity transition.
type Event struct {
	// Online is the state after the transition.
	Online bool
	// At is when the transition was observed.
	At time.Time
	// Source names the signal that reported it.
	Source string
}

// Restored reports whether the event is an offline→online transition.
func (e Event) Restored() bool {
	return e.Online
}

// Source produces connectivity observations until ctx is cancelled.
type Source interface {
	// Name identifies the source in events and logs.
	Name() string

	// Run reports observations through report and returns when ctx is done.
	Run(ctx context.Context, report func(online bool)) error
}

// Monitor holds the best-known connectivity state.
type Monitor struct {
	mu     sync.Mutex
	online bool

	// votes holds each source's last observation. Any offline vote makes
	// the aggregate offline.
	votes map[string]bool

	// notifyMu keeps listener delivery in report order.
	notifyMu  sync.Mutex
	listeners map[int]func(Event)
	nextID    int

	now    func() time.Time
	logger *log.Logger
}

// NewMonitor creates a monitor starting in the given state, usually whatever
// the runtime believes at construction time.
func NewMonitor(initial bool, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(io.Discard, "[connectivity] ", log.LstdFlags)
	}
	return &Monitor{
		online:    initial,
		votes:     make(map[string]bool),
		listeners: make(map[int]func(Event)),
		now:       time.Now,
		logger:    logger,
	}
}

// IsOnline returns the current best-known state. It may be stale.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers listener for transitions. The listener is invoked once
// per transition, in the order transitions are reported, and never for a
// report that leaves the state unchanged. Listeners run synchronously on the
// reporting goroutine; they must not block or subscribe from inside the call.
//
// The returned function unsubscribes; it is safe to call more than once.
func (m *Monitor) OnChange(listener func(Event)) (unsubscribe func()) {
	m.notifyMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = listener
	m.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.notifyMu.Lock()
			delete(m.listeners, id)
			m.notifyMu.Unlock()
		})
	}
}

// Report records an observation from source. The aggregate state is online
// only when no source currently reports offline.
func (m *Monitor) Report(source string, online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	m.votes[source] = online
	next := true
	for _, vote := range m.votes {
		if !vote {
			next = false
			break
		}
	}
	changed := next != m.online
	m.online = next
	m.mu.Unlock()

	if !changed {
		return
	}

	ev := Event{Online: next, At: m.now(), Source: source}
	if next {
		m.logger.Printf("Online (reported by %s)", source)
	} else {
		m.logger.Printf("Offline (reported by %s)", source)
	}

	for _, listener := range m.snapshotListeners() {
		listener(ev)
	}
}

// Forget drops a source's vote, e.g. when the source stops. The aggregate is
// recomputed on the next report.
func (m *Monitor) Forget(source string) {
	m.mu.Lock()
	delete(m.votes, source)
	m.mu.Unlock()
}

func (m *Monitor) snapshotListeners() []func(Event) {
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids) // subscription order
	out := make([]func(Event), len(ids))
	for i, id := range ids {
		out[i] = m.listeners[id]
	}
	return out
}

// Run drives sources until ctx is cancelled, feeding their observations into
// the monitor. It returns after every source has stopped.
func (m *Monitor) Run(ctx context.Context, sources ...Source) {
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			defer m.Forget(src.Name())

			err := src.Run(ctx, func(online bool) {
				m.Report(src.Name(), online)
			})
			if err != nil && ctx.Err() == nil {
				m.logger.Printf("Source %s stopped: %v", src.Name(), err)
			}
		}(src)
	}
	wg.Wait()
}
