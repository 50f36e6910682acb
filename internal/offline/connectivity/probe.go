package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPProbe reports online when a GET of URL answers with any status below
// 500 within Timeout. It probes once immediately and then every Interval.
type HTTPProbe struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
}

// NewHTTPProbe creates a probe with default interval and timeout.
func NewHTTPProbe(url string) *HTTPProbe {
	return &HTTPProbe{
		URL:      url,
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Name implements Source.
func (p *HTTPProbe) Name() string {
	return "probe"
}

// Run implements Source.
func (p *HTTPProbe) Run(ctx context.Context, report func(online bool)) error {
	if p.URL == "" {
		return fmt.Errorf("probe url cannot be empty")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	report(p.Check(ctx))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report(p.Check(ctx))
		}
	}
}

// Check performs a single probe.
func (p *HTTPProbe) Check(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}
