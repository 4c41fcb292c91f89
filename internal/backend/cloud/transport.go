// Package cloud implements the request/response transport for the cloud
// function backend.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/audible-ai/audible/internal/backend"
	"github.com/audible-ai/audible/internal/domain"
)

const userAgent = "audible/1.0"

// Option configures the transport.
type Option func(*Transport)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(t *Transport) {
		t.httpClient = httpClient
	}
}

// Transport is a plain HTTP client for a query endpoint: one bounded call per
// dispatch, no streaming.
type Transport struct {
	identity   domain.BackendIdentity
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a cloud transport for the given identity and endpoint.
func New(identity domain.BackendIdentity, baseURL, apiKey string, opts ...Option) *Transport {
	t := &Transport{
		identity:   identity,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Identity() domain.BackendIdentity {
	return t.identity
}

// probeBody is the liveness endpoint's response payload.
type probeBody struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Probe checks the backend's liveness endpoint.
func (t *Transport) Probe(ctx context.Context) (backend.ProbeResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return backend.ProbeResult{}, fmt.Errorf("create probe request: %w", err)
	}
	t.setHeaders(httpReq)

	start := time.Now()
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return backend.ProbeResult{}, domain.ClassifyDispatchError(t.identity.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return backend.ProbeResult{}, domain.ErrConnection(t.identity.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return backend.ProbeResult{}, statusError(t.identity.Name, resp.StatusCode, body)
	}

	var pb probeBody
	if err := json.Unmarshal(body, &pb); err != nil {
		return backend.ProbeResult{}, domain.ErrMalformedResponse(t.identity.Name, err)
	}

	return backend.ProbeResult{
		LatencyMs: uint64(time.Since(start) / time.Millisecond),
		Version:   pb.Version,
	}, nil
}

// Send dispatches one query over HTTP.
func (t *Transport) Send(ctx context.Context, req *domain.QueryRequest) (*domain.QueryResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/query", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create query request: %w", err)
	}
	t.setHeaders(httpReq)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ClassifyDispatchError(t.identity.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrConnection(t.identity.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(t.identity.Name, resp.StatusCode, body)
	}

	var qr domain.QueryResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, domain.ErrMalformedResponse(t.identity.Name, err)
	}
	if qr.ResponseText == "" {
		return nil, domain.ErrMalformedResponse(t.identity.Name, fmt.Errorf("empty responseText"))
	}

	return &qr, nil
}

func (t *Transport) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
}

// statusError maps a non-2xx status to the dispatch error taxonomy.
func statusError(name domain.BackendName, code int, body []byte) *domain.DispatchError {
	msg := fmt.Sprintf("status %d: %s", code, truncate(body, 256))
	if code == http.StatusTooManyRequests {
		return domain.ErrRateLimited(name, msg)
	}
	return domain.ErrServer(name, msg)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
