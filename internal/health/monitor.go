// Package health keeps the backend status table current, independent of user
// traffic, by probing every backend on a fixed interval.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/audible-ai/audible/internal/backend"
	"github.com/audible-ai/audible/internal/breaker"
	"github.com/audible-ai/audible/internal/domain"
	"github.com/audible-ai/audible/internal/status"
)

// Config tunes probing cadence and quality-score movement.
type Config struct {
	// ProbeInterval is the fixed probe cadence. Probes also run once
	// immediately at Start.
	ProbeInterval time.Duration

	// ProbeTimeout bounds each liveness check, independent of query timeouts.
	ProbeTimeout time.Duration

	// RecoveryStep is added to the quality score per successful probe.
	RecoveryStep int

	// PenaltyStep is subtracted from the quality score per failed probe or
	// failed dispatch.
	PenaltyStep int
}

// Monitor owns every mutation of the status table. Probes run concurrently
// per backend: a hang on one backend's probe never delays another's.
type Monitor struct {
	cfg        Config
	transports []backend.Transport
	table      *status.Table
	publisher  *status.Publisher
	breaker    *breaker.Breaker
	logger     *slog.Logger

	// consecutive probe failures, one counter per backend.
	failMu   sync.Mutex
	failures map[domain.BackendName]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor over the given transports.
func NewMonitor(cfg Config, transports []backend.Transport, table *status.Table, publisher *status.Publisher, brk *breaker.Breaker, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:        cfg,
		transports: transports,
		table:      table,
		publisher:  publisher,
		breaker:    brk,
		logger:     logger,
		failures:   make(map[domain.BackendName]int, len(transports)),
	}
}

// Start probes all backends immediately, then on every interval tick, until
// ctx is canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.ProbeAll(ctx)

		ticker := time.NewTicker(m.cfg.ProbeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.ProbeAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts probing and waits for in-flight probes to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// ProbeAll runs one probe pass, one goroutine per backend, and returns when
// every probe has completed or timed out.
func (m *Monitor) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range m.transports {
		wg.Add(1)
		go func(t backend.Transport) {
			defer wg.Done()
			m.probe(ctx, t)
		}(t)
	}
	wg.Wait()
}

// probe runs one liveness check and folds the result into the status table.
func (m *Monitor) probe(ctx context.Context, t backend.Transport) {
	id := t.Identity()

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	res, err := t.Probe(pctx)
	cancel()

	if err != nil {
		m.failMu.Lock()
		m.failures[id.Name]++
		m.failMu.Unlock()

		m.logger.Warn("health probe failed",
			slog.String("backend", string(id.Name)),
			slog.String("error", err.Error()))

		m.table.Update(id.Name, func(st *domain.BackendStatus) {
			st.Available = false
			st.ErrorCount++
			st.QualityScore -= m.cfg.PenaltyStep
			st.LastHealthCheck = time.Now()
		})

		// Probe failures feed the breaker's failure count like any other.
		m.breaker.RecordFailure(id.Name)
		m.publish()
		return
	}

	m.failMu.Lock()
	priorFails := m.failures[id.Name]
	m.failures[id.Name] = 0
	m.failMu.Unlock()

	m.table.Update(id.Name, func(st *domain.BackendStatus) {
		st.Available = true
		st.ResponseTimeMs = res.LatencyMs
		st.ConnectionKind = id.Capability
		st.LastHealthCheck = time.Now()
		if id.Capability != domain.ConnectionNone {
			st.QualityScore += m.cfg.RecoveryStep
		}
		// A recovery after a real outage (two or more missed probes) wipes
		// the accumulated error count.
		if priorFails >= 2 {
			st.ErrorCount = 0
		}
	})

	// Note: probe successes are NOT reported to the breaker. Only a
	// successful HalfOpen trial dispatch may close an Open circuit; a
	// momentarily lucky probe must not cause flapping.

	m.publish()
}

// ReportSuccess folds a successful dispatch outcome into the status table.
func (m *Monitor) ReportSuccess(name domain.BackendName, latencyMs uint64) {
	kind := m.capabilityOf(name)
	m.table.Update(name, func(st *domain.BackendStatus) {
		st.Available = true
		st.ResponseTimeMs = latencyMs
		if kind != domain.ConnectionNone {
			st.QualityScore += m.cfg.RecoveryStep / 2
		}
	})
	m.publish()
}

// ReportFailure folds a failed dispatch outcome into the status table.
func (m *Monitor) ReportFailure(name domain.BackendName, derr *domain.DispatchError) {
	m.table.Update(name, func(st *domain.BackendStatus) {
		st.ErrorCount++
		st.QualityScore -= m.cfg.PenaltyStep
	})
	m.logger.Warn("dispatch failed",
		slog.String("backend", string(name)),
		slog.String("error_type", string(derr.Type)),
		slog.String("error", derr.Message))
	m.publish()
}

// publish broadcasts the full table so subscribers always reason about
// consistent global state.
func (m *Monitor) publish() {
	m.publisher.Publish(m.table.Snapshot())
}

func (m *Monitor) capabilityOf(name domain.BackendName) domain.ConnectionKind {
	for _, t := range m.transports {
		if t.Identity().Name == name {
			return t.Identity().Capability
		}
	}
	return domain.ConnectionNone
}
