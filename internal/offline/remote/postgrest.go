package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 4 << 10

// Config holds configuration for the PostgREST client.
type Config struct {
	// URL is the project base URL, e.g. https://xyz.supabase.co. The REST
	// API is expected under /rest/v1.
	URL string

	// APIKey is sent as the apikey header.
	APIKey string

	// Token is sent as a bearer token. Defaults to APIKey.
	Token string

	// Timeout bounds each request.
	Timeout time.Duration

	// HTTPClient overrides the client used for requests.
	HTTPClient *http.Client

	// Logger for request failures
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 10 * time.Second,
		Logger:  log.New(io.Discard, "[remote] ", log.LstdFlags),
	}
}

// PostgREST is a Backend speaking the PostgREST dialect used by the hosted
// backend.
type PostgREST struct {
	base   *url.URL
	config *Config
	client *http.Client
}

// NewPostgREST creates a client from config.
func NewPostgREST(config *Config) (*PostgREST, error) {
	if config == nil || config.URL == "" {
		return nil, fmt.Errorf("remote url cannot be empty")
	}
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Token == "" {
		config.Token = config.APIKey
	}

	base, err := url.Parse(strings.TrimRight(config.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote url must be http or https, got %q", config.URL)
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &PostgREST{base: base, config: config, client: client}, nil
}

// Insert implements Client. A unique violation maps to ErrAlreadyExists.
func (p *PostgREST) Insert(ctx context.Context, table string, record map[string]any) error {
	if id, _ := record["id"].(string); id == "" {
		return fmt.Errorf("%w: insert into %s requires an id", ErrRejected, table)
	}
	_, err := p.do(ctx, http.MethodPost, table, nil, record, "return=minimal")
	return err
}

// Update implements Client. Returns ErrNotFound if no row matched.
func (p *PostgREST) Update(ctx context.Context, table, id string, fields map[string]any) error {
	body, err := p.do(ctx, http.MethodPatch, table, byID(id), fields, "return=representation")
	if err != nil {
		return err
	}
	n, err := countRows(body)
	if err != nil {
		return fmt.Errorf("failed to parse update response: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return nil
}

// Delete implements Client. Deleting a missing row is not an error.
func (p *PostgREST) Delete(ctx context.Context, table, id string) error {
	_, err := p.do(ctx, http.MethodDelete, table, byID(id), nil, "return=minimal")
	return err
}

// Get implements Reader.
func (p *PostgREST) Get(ctx context.Context, table, id string) (map[string]any, error) {
	q := byID(id)
	q.Set("select", "*")
	body, err := p.do(ctx, http.MethodGet, table, q, nil, "")
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return rows[0], nil
}

func byID(id string) url.Values {
	return url.Values{"id": {"eq." + id}}
}

func countRows(body []byte) (int, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return 0, nil
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (p *PostgREST) do(ctx context.Context, method, table string, query url.Values, payload any, prefer string) ([]byte, error) {
	u := *p.base
	u.Path = u.Path + "/rest/v1/" + url.PathEscape(table)
	u.RawQuery = query.Encode()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", table, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.config.APIKey != "" {
		req.Header.Set("apikey", p.config.APIKey)
	}
	if p.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.Token)
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read %s response: %v", ErrUnavailable, table, err)
		}
		return data, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = statusError(resp.StatusCode, method, table, msg)
	p.config.Logger.Printf("%s %s failed: %v", method, table, err)
	return nil, err
}

// statusError classifies a non-2xx response.
func statusError(status int, method, table string, body []byte) error {
	detail := strings.TrimSpace(string(body))
	var pgErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &pgErr) == nil && pgErr.Message != "" {
		detail = pgErr.Message
	}

	var kind error
	switch {
	case pgErr.Code == "23505", status == http.StatusConflict && pgErr.Code != "23503":
		// 23503 is a foreign key violation, also reported as 409
		kind = ErrAlreadyExists
	case status == http.StatusNotFound:
		kind = ErrNotFound
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		kind = ErrUnavailable
	default:
		kind = ErrRejected
	}
	return fmt.Errorf("%w: %s %s: status %d: %s", kind, method, table, status, detail)
}
