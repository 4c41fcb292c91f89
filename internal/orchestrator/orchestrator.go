// Package orchestrator routes draft-assistant queries across the configured
// AI backends: it ranks eligible backends by health, dispatches with a hard
// per-attempt deadline, fails over in order, and always hands the caller a
// usable answer.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/audible-ai/audible/internal/backend"
	"github.com/audible-ai/audible/internal/breaker"
	"github.com/audible-ai/audible/internal/correlate"
	"github.com/audible-ai/audible/internal/domain"
	"github.com/audible-ai/audible/internal/health"
	"github.com/audible-ai/audible/internal/status"
)

// HistoryRecorder persists dispatch outcomes for diagnostics. Recording is
// best-effort: a failing recorder never affects query handling.
type HistoryRecorder interface {
	RecordDispatch(ctx context.Context, rec domain.DispatchRecord) error
}

// Config assembles an orchestrator.
type Config struct {
	Transports []backend.Transport
	Breaker    breaker.Config
	Health     health.Config

	// AttemptTimeout is the hard deadline applied to every transport call.
	AttemptTimeout time.Duration

	// CacheSize bounds the recent-answer cache used for degraded replay.
	CacheSize int

	// History is optional.
	History HistoryRecorder

	Logger *slog.Logger
}

// Orchestrator holds its own status table, breaker table, and subscriber
// registry, so independent instances can coexist (and be tested) without
// process-wide state.
type Orchestrator struct {
	transports []backend.Transport
	table      *status.Table
	publisher  *status.Publisher
	breaker    *breaker.Breaker
	monitor    *health.Monitor
	correlator *correlate.Correlator
	cache      *lru.Cache[string, domain.QueryResponse]
	history    HistoryRecorder
	attemptTTL time.Duration
	logger     *slog.Logger
}

// New wires an orchestrator from the given transports and tunables.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Transports) == 0 {
		return nil, fmt.Errorf("at least one transport required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 64
	}

	identities := make([]domain.BackendIdentity, 0, len(cfg.Transports))
	names := make([]domain.BackendName, 0, len(cfg.Transports))
	seen := make(map[domain.BackendName]bool)
	for _, t := range cfg.Transports {
		id := t.Identity()
		if seen[id.Name] {
			return nil, fmt.Errorf("duplicate backend: %s", id.Name)
		}
		seen[id.Name] = true
		identities = append(identities, id)
		names = append(names, id.Name)
	}

	cache, err := lru.New[string, domain.QueryResponse](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create answer cache: %w", err)
	}

	table := status.NewTable(identities)
	publisher := status.NewPublisher(cfg.Logger)
	brk := breaker.New(cfg.Breaker, names)
	monitor := health.NewMonitor(cfg.Health, cfg.Transports, table, publisher, brk, cfg.Logger)

	return &Orchestrator{
		transports: cfg.Transports,
		table:      table,
		publisher:  publisher,
		breaker:    brk,
		monitor:    monitor,
		correlator: correlate.New(),
		cache:      cache,
		history:    cfg.History,
		attemptTTL: cfg.AttemptTimeout,
		logger:     cfg.Logger,
	}, nil
}

// Start begins background health probing.
func (o *Orchestrator) Start(ctx context.Context) {
	o.monitor.Start(ctx)
}

// Close stops probing, closes the status feed, and tears down transports.
func (o *Orchestrator) Close() error {
	o.monitor.Stop()
	o.publisher.Close()

	var firstErr error
	for _, t := range o.transports {
		if closer, ok := t.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Query routes one query to the best eligible backend, failing over in order.
// It never returns a hard failure: when every backend fails it degrades to a
// cached or synthesized answer.
func (o *Orchestrator) Query(ctx context.Context, req *domain.QueryRequest) *domain.QueryResponse {
	if req.RequestID == "" {
		req.RequestID = o.correlator.Issue(req.Slot)
	} else {
		o.correlator.Track(req.Slot, req.RequestID)
	}

	for _, t := range o.rank() {
		name := t.Identity().Name

		ok, trial := o.breaker.Allow(name)
		if !ok {
			continue
		}

		actx, cancel := context.WithTimeout(ctx, o.attemptTTL)
		began := time.Now()
		resp, err := t.Send(actx, req)
		cancel()
		latencyMs := uint64(time.Since(began) / time.Millisecond)

		if err != nil {
			derr := domain.ClassifyDispatchError(name, err)
			o.breaker.RecordFailure(name)
			o.monitor.ReportFailure(name, derr)
			o.record(ctx, domain.DispatchRecord{
				RequestID:    req.RequestID,
				Backend:      name,
				LatencyMs:    latencyMs,
				ErrorType:    string(derr.Type),
				ErrorMessage: derr.Message,
			})
			o.logger.Warn("backend attempt failed, failing over",
				slog.String("backend", string(name)),
				slog.Bool("trial", trial),
				slog.String("error_type", string(derr.Type)))
			continue
		}

		o.breaker.RecordSuccess(name)
		o.monitor.ReportSuccess(name, latencyMs)

		resp.RequestID = req.RequestID
		resp.BackendName = name
		resp.ResponseTimeMs = latencyMs
		resp.Superseded = !o.correlator.Accept(req.Slot, req.RequestID)

		o.cache.Add(cacheKey(req.QueryText), *resp)
		o.record(ctx, domain.DispatchRecord{
			RequestID:  req.RequestID,
			Backend:    name,
			Success:    true,
			LatencyMs:  latencyMs,
			Superseded: resp.Superseded,
		})
		return resp
	}

	// The offline backend performs no I/O and should never fail; reaching
	// this point is a bug, not a caller problem. Degrade instead of raising.
	derr := domain.ErrAllBackendsUnavailable("every backend rejected or failed the query")
	o.logger.Error("no backend could serve the query",
		slog.String("request_id", req.RequestID),
		slog.String("error", derr.Error()))

	return o.degraded(ctx, req)
}

// degraded replays the most recent cached answer for a similar query, or
// synthesizes a minimal one.
func (o *Orchestrator) degraded(ctx context.Context, req *domain.QueryRequest) *domain.QueryResponse {
	superseded := !o.correlator.Accept(req.Slot, req.RequestID)

	if cached, ok := o.cache.Get(cacheKey(req.QueryText)); ok {
		cached.RequestID = req.RequestID
		cached.Degraded = true
		cached.Superseded = superseded
		o.record(ctx, domain.DispatchRecord{
			RequestID:  req.RequestID,
			Backend:    cached.BackendName,
			Success:    true,
			Superseded: superseded,
			ErrorType:  string(domain.ErrorTypeAllBackendsUnavailable),
		})
		return &cached
	}

	resp := &domain.QueryResponse{
		RequestID:    req.RequestID,
		BackendName:  domain.BackendOffline,
		ResponseText: "All draft assistants are unreachable right now. Your board and picks are unaffected; try again in a moment.",
		Confidence:   0,
		Degraded:     true,
		Superseded:   superseded,
	}
	o.record(ctx, domain.DispatchRecord{
		RequestID:  req.RequestID,
		Backend:    resp.BackendName,
		Superseded: superseded,
		ErrorType:  string(domain.ErrorTypeAllBackendsUnavailable),
	})
	return resp
}

// rank orders eligible backends: available first, then by descending quality
// score, then by static priority.
func (o *Orchestrator) rank() []backend.Transport {
	snap := o.table.Snapshot()

	eligible := make([]backend.Transport, 0, len(o.transports))
	for _, t := range o.transports {
		if o.breaker.Eligible(t.Identity().Name) {
			eligible = append(eligible, t)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := snap[eligible[i].Identity().Name], snap[eligible[j].Identity().Name]
		if a.Available != b.Available {
			return a.Available
		}
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		return eligible[i].Identity().Priority < eligible[j].Identity().Priority
	})
	return eligible
}

// record persists a dispatch outcome, best-effort.
func (o *Orchestrator) record(ctx context.Context, rec domain.DispatchRecord) {
	if o.history == nil {
		return
	}
	rec.CreatedAt = time.Now()

	// Detached from the request context so a caller hang-up cannot lose the
	// record, but still bounded.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := o.history.RecordDispatch(rctx, rec); err != nil {
		o.logger.Warn("failed to record dispatch", slog.String("error", err.Error()))
	}
}

// GetAllStatus returns a point-in-time snapshot of every backend's status.
func (o *Orchestrator) GetAllStatus() domain.StatusSnapshot {
	return o.table.Snapshot()
}

// GetCircuitBreakerStatus returns the diagnostics view of every circuit.
func (o *Orchestrator) GetCircuitBreakerStatus() map[domain.BackendName]breaker.Snapshot {
	return o.breaker.Snapshot()
}

// Subscribe attaches a named subscriber to the status feed.
func (o *Orchestrator) Subscribe(name string) <-chan domain.StatusSnapshot {
	return o.publisher.Subscribe(name)
}

// Unsubscribe detaches a named subscriber.
func (o *Orchestrator) Unsubscribe(name string) {
	o.publisher.Unsubscribe(name)
}

// ProbeNow runs one synchronous health-probe pass. Exposed for startup
// warm-up and tests.
func (o *Orchestrator) ProbeNow(ctx context.Context) {
	o.monitor.ProbeAll(ctx)
}

func cacheKey(queryText string) string {
	return strings.Join(strings.Fields(strings.ToLower(queryText)), " ")
}
