package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// recorder collects events delivered to a listener.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) states() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Online
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %v", timeout)
}

func equalStates(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestInitialState(t *testing.T) {
	if !NewMonitor(true, nil).IsOnline() {
		t.Error("Expected initial online state")
	}
	if NewMonitor(false, nil).IsOnline() {
		t.Error("Expected initial offline state")
	}
}

func TestOnChangeOncePerTransition(t *testing.T) {
	m := NewMonitor(true, nil)
	rec := &recorder{}
	m.OnChange(rec.listen)

	reports := []bool{true, false, false, false, true, true, false, true}
	for _, online := range reports {
		m.Report("test", online)
	}

	want := []bool{false, true, false, true}
	if got := rec.states(); !equalStates(got, want) {
		t.Errorf("Expected transitions %v, got %v", want, got)
	}
	if !m.IsOnline() {
		t.Error("Expected final state online")
	}
}

func TestEventFields(t *testing.T) {
	m := NewMonitor(false, nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	var got Event
	m.OnChange(func(ev Event) { got = ev })
	m.Report("probe", true)

	if !got.Online || !got.Restored() {
		t.Error("Expected restored event")
	}
	if got.Source != "probe" {
		t.Errorf("Expected source probe, got %q", got.Source)
	}
	if !got.At.Equal(fixed) {
		t.Errorf("Expected At %v, got %v", fixed, got.At)
	}
}

func TestUnsubscribe(t *testing.T) {
	m := NewMonitor(true, nil)
	kept := &recorder{}
	dropped := &recorder{}

	m.OnChange(kept.listen)
	unsubscribe := m.OnChange(dropped.listen)

	m.Report("test", false)
	unsubscribe()
	unsubscribe() // safe twice
	m.Report("test", true)

	if got := kept.states(); !equalStates(got, []bool{false, true}) {
		t.Errorf("Kept listener got %v", got)
	}
	if got := dropped.states(); !equalStates(got, []bool{false}) {
		t.Errorf("Unsubscribed listener got %v", got)
	}
}

func TestListenersSeeSameOrder(t *testing.T) {
	m := NewMonitor(true, nil)
	var mu sync.Mutex
	var order []string

	m.OnChange(func(Event) { mu.Lock(); order = append(order, "first"); mu.Unlock() })
	m.OnChange(func(Event) { mu.Lock(); order = append(order, "second"); mu.Unlock() })

	m.Report("test", false)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("Expected subscription order, got %v", order)
	}
}

func TestAggregateOfSources(t *testing.T) {
	m := NewMonitor(true, nil)
	rec := &recorder{}
	m.OnChange(rec.listen)

	m.Report("probe", true)
	m.Report("flag", false) // any offline source wins
	m.Report("probe", true)
	m.Report("flag", true)

	if got := rec.states(); !equalStates(got, []bool{false, true}) {
		t.Errorf("Expected [false true], got %v", got)
	}
}

func TestHTTPProbeCheck(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized) // reachable, even if auth fails
	}))
	defer ok.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	closed := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name string
		url  string
		want bool
	}{
		{"reachable", ok.URL, true},
		{"server error", broken.URL, false},
		{"connection refused", closedURL, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewHTTPProbe(tt.url)
			p.Timeout = time.Second
			if got := p.Check(context.Background()); got != tt.want {
				t.Errorf("Check() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPProbeRunReportsTransitions(t *testing.T) {
	var mu sync.Mutex
	healthy := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMonitor(true, nil)
	rec := &recorder{}
	m.OnChange(rec.listen)

	p := NewHTTPProbe(srv.URL)
	p.Interval = 20 * time.Millisecond
	p.Timeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, p)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool { return !m.IsOnline() })

	mu.Lock()
	healthy = true
	mu.Unlock()

	waitFor(t, 2*time.Second, m.IsOnline)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if got := rec.states(); !equalStates(got, []bool{false, true}) {
		t.Errorf("Expected [false true], got %v", got)
	}
}

func TestFlagFileSource(t *testing.T) {
	dir := t.TempDir()
	flag := filepath.Join(dir, "offline")

	m := NewMonitor(true, nil)
	rec := &recorder{}
	m.OnChange(rec.listen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, NewFlagFile(flag))

	// Give the watcher time to register before touching the flag.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(flag, nil, 0644); err != nil {
		t.Fatalf("Failed to create flag: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return !m.IsOnline() })

	if err := os.Remove(flag); err != nil {
		t.Fatalf("Failed to remove flag: %v", err)
	}
	waitFor(t, 2*time.Second, m.IsOnline)

	if got := rec.states(); !equalStates(got, []bool{false, true}) {
		t.Errorf("Expected [false true], got %v", got)
	}
}

func TestFlagFilePresentAtStart(t *testing.T) {
	dir := t.TempDir()
	flag := filepath.Join(dir, "offline")
	if err := os.WriteFile(flag, nil, 0644); err != nil {
		t.Fatalf("Failed to create flag: %v", err)
	}

	m := NewMonitor(true, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, NewFlagFile(flag))

	waitFor(t, 2*time.Second, func() bool { return !m.IsOnline() })
}
