// Package local implements the streaming transport for the local bridge
// backend: a persistent websocket channel with responses correlated by
// request id, and a one-shot request/response fallback.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/audible-ai/audible/internal/backend"
	"github.com/audible-ai/audible/internal/backend/cloud"
	"github.com/audible-ai/audible/internal/domain"
)

// Option configures the transport.
type Option func(*Transport)

// WithHTTPClient sets the HTTP client used for probes and the
// request/response fallback.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(t *Transport) {
		t.httpClient = httpClient
	}
}

// WithDialer sets a custom websocket dialer.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(t *Transport) {
		t.dialer = dialer
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// Transport maintains one websocket connection to the local bridge. Queries
// are written as JSON messages and responses are matched to pending requests
// strictly by request id; unmatched or late frames are dropped. When the
// stream cannot be established or dies before a response arrives, the attempt
// falls back once to a plain HTTP call against the same backend.
type Transport struct {
	identity   domain.BackendIdentity
	streamURL  string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger

	// rr is the request/response fallback against the same backend.
	rr *cloud.Transport

	mu     sync.Mutex // guards conn lifecycle
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex // the websocket allows a single concurrent writer

	pendingMu sync.Mutex
	pending   map[string]chan *domain.QueryResponse
}

// New creates a local transport. baseURL serves probes and the fallback;
// streamURL is the websocket endpoint.
func New(identity domain.BackendIdentity, baseURL, streamURL string, opts ...Option) *Transport {
	t := &Transport{
		identity:  identity,
		streamURL: streamURL,
		dialer:    websocket.DefaultDialer,
		logger:    slog.Default(),
		pending:   make(map[string]chan *domain.QueryResponse),
	}
	for _, opt := range opts {
		opt(t)
	}

	var rrOpts []cloud.Option
	if t.httpClient != nil {
		rrOpts = append(rrOpts, cloud.WithHTTPClient(t.httpClient))
	}
	t.rr = cloud.New(identity, baseURL, "", rrOpts...)

	return t
}

func (t *Transport) Identity() domain.BackendIdentity {
	return t.identity
}

// Probe checks the bridge's liveness endpoint over HTTP. Probes never touch
// the streaming channel, so a wedged stream cannot mask a live bridge or
// vice versa.
func (t *Transport) Probe(ctx context.Context) (backend.ProbeResult, error) {
	return t.rr.Probe(ctx)
}

// Send dispatches a query over the streaming channel, falling back once to
// request/response before the attempt is declared failed.
func (t *Transport) Send(ctx context.Context, req *domain.QueryRequest) (*domain.QueryResponse, error) {
	resp, err := t.sendStream(ctx, req)
	if err == nil {
		return resp, nil
	}

	t.logger.Debug("stream attempt failed, falling back to request/response",
		slog.String("request_id", req.RequestID),
		slog.String("error", err.Error()))

	return t.rr.Send(ctx, req)
}

func (t *Transport) sendStream(ctx context.Context, req *domain.QueryRequest) (*domain.QueryResponse, error) {
	conn, err := t.ensureConn(ctx)
	if err != nil {
		return nil, domain.ClassifyDispatchError(t.identity.Name, err)
	}

	ch := make(chan *domain.QueryResponse, 1)
	t.pendingMu.Lock()
	t.pending[req.RequestID] = ch
	t.pendingMu.Unlock()
	defer t.removePending(req.RequestID)

	t.writeMu.Lock()
	err = conn.WriteJSON(req)
	t.writeMu.Unlock()
	if err != nil {
		t.teardown(conn)
		return nil, domain.ErrConnection(t.identity.Name, err)
	}

	select {
	case <-ctx.Done():
		// The pending entry is removed on return, so a response that arrives
		// after the deadline finds no waiter and is dropped.
		return nil, domain.ClassifyDispatchError(t.identity.Name, ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			return nil, domain.ErrConnection(t.identity.Name,
				fmt.Errorf("stream closed before response"))
		}
		return resp, nil
	}
}

// ensureConn returns the live connection, dialing a new one if needed.
func (t *Transport) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if t.conn != nil {
		return t.conn, nil
	}

	conn, _, err := t.dialer.DialContext(ctx, t.streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.streamURL, err)
	}
	t.conn = conn
	go t.readLoop(conn)
	return conn, nil
}

// readLoop dispatches incoming frames to their pending waiters by request id.
func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		var resp domain.QueryResponse
		if err := conn.ReadJSON(&resp); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Debug("stream read error", slog.String("error", err.Error()))
			}
			t.teardown(conn)
			return
		}

		t.pendingMu.Lock()
		ch, ok := t.pending[resp.RequestID]
		if ok {
			delete(t.pending, resp.RequestID)
		}
		t.pendingMu.Unlock()

		if !ok {
			t.logger.Debug("dropping unmatched stream response",
				slog.String("request_id", resp.RequestID))
			continue
		}
		ch <- &resp
	}
}

// teardown closes a dead connection and fails every waiter registered on it.
func (t *Transport) teardown(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	conn.Close()

	t.pendingMu.Lock()
	for id, ch := range t.pending {
		delete(t.pending, id)
		close(ch)
	}
	t.pendingMu.Unlock()
}

func (t *Transport) removePending(requestID string) {
	t.pendingMu.Lock()
	delete(t.pending, requestID)
	t.pendingMu.Unlock()
}

// Close shuts the streaming channel down and prevents redials.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
