package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/audible-ai/audible/internal/backend"
	"github.com/audible-ai/audible/internal/breaker"
	"github.com/audible-ai/audible/internal/domain"
	"github.com/audible-ai/audible/internal/status"
)

// fakeTransport is a scriptable transport for monitor tests.
type fakeTransport struct {
	identity   domain.BackendIdentity
	probeDelay time.Duration
	probeErr   atomic.Value // error
	probes     atomic.Int64
}

func newFakeTransport(name domain.BackendName, kind domain.ConnectionKind) *fakeTransport {
	return &fakeTransport{
		identity: domain.BackendIdentity{Name: name, Capability: kind},
	}
}

func (f *fakeTransport) setProbeErr(err error) {
	if err == nil {
		f.probeErr.Store(errNone)
		return
	}
	f.probeErr.Store(err)
}

var errNone = errors.New("none")

func (f *fakeTransport) Identity() domain.BackendIdentity { return f.identity }

func (f *fakeTransport) Probe(ctx context.Context) (backend.ProbeResult, error) {
	f.probes.Add(1)
	if f.probeDelay > 0 {
		select {
		case <-time.After(f.probeDelay):
		case <-ctx.Done():
			return backend.ProbeResult{}, ctx.Err()
		}
	}
	if v := f.probeErr.Load(); v != nil && v != errNone {
		return backend.ProbeResult{}, v.(error)
	}
	return backend.ProbeResult{LatencyMs: 12}, nil
}

func (f *fakeTransport) Send(ctx context.Context, req *domain.QueryRequest) (*domain.QueryResponse, error) {
	return nil, errors.New("not used")
}

func newTestMonitor(transports ...backend.Transport) (*Monitor, *status.Table, *breaker.Breaker) {
	ids := make([]domain.BackendIdentity, 0, len(transports))
	names := make([]domain.BackendName, 0, len(transports))
	for _, t := range transports {
		ids = append(ids, t.Identity())
		names = append(names, t.Identity().Name)
	}
	table := status.NewTable(ids)
	pub := status.NewPublisher(nil)
	brk := breaker.New(breaker.Config{
		FailureThreshold: 3,
		BaseCooldown:     5 * time.Second,
		MaxCooldown:      60 * time.Second,
	}, names)
	cfg := Config{
		ProbeInterval: time.Hour, // ticks never fire in tests; ProbeAll is driven directly
		ProbeTimeout:  100 * time.Millisecond,
		RecoveryStep:  10,
		PenaltyStep:   20,
	}
	return NewMonitor(cfg, transports, table, pub, brk, nil), table, brk
}

func TestMonitor_ProbeSuccessUpdatesStatus(t *testing.T) {
	local := newFakeTransport(domain.BackendLocal, domain.ConnectionStreaming)
	m, table, _ := newTestMonitor(local)

	m.ProbeAll(context.Background())

	st, _ := table.Get(domain.BackendLocal)
	if !st.Available {
		t.Error("backend should be available after a successful probe")
	}
	if st.ResponseTimeMs != 12 {
		t.Errorf("responseTimeMs = %d, want 12", st.ResponseTimeMs)
	}
	if st.QualityScore != 60 {
		t.Errorf("qualityScore = %d, want 60 (50 + recovery step)", st.QualityScore)
	}
	if st.LastHealthCheck.IsZero() {
		t.Error("lastHealthCheck not set")
	}
}

func TestMonitor_ProbeFailurePenalizesAndFeedsBreaker(t *testing.T) {
	local := newFakeTransport(domain.BackendLocal, domain.ConnectionStreaming)
	local.setProbeErr(errors.New("connection refused"))
	m, table, brk := newTestMonitor(local)

	for i := 0; i < 3; i++ {
		m.ProbeAll(context.Background())
	}

	st, _ := table.Get(domain.BackendLocal)
	if st.Available {
		t.Error("backend should be unavailable after failed probes")
	}
	if st.ErrorCount != 3 {
		t.Errorf("errorCount = %d, want 3", st.ErrorCount)
	}
	if st.QualityScore != 0 {
		t.Errorf("qualityScore = %d, want 0 (50 - 3*20, clamped)", st.QualityScore)
	}

	// Three probe failures trip the circuit.
	if got := brk.StateOf(domain.BackendLocal); got != breaker.StateOpen {
		t.Errorf("breaker state = %v, want open", got)
	}
}

func TestMonitor_ErrorCountResetsAfterOutageRecovery(t *testing.T) {
	local := newFakeTransport(domain.BackendLocal, domain.ConnectionStreaming)
	m, table, _ := newTestMonitor(local)

	local.setProbeErr(errors.New("refused"))
	m.ProbeAll(context.Background())
	m.ProbeAll(context.Background())

	local.setProbeErr(nil)
	m.ProbeAll(context.Background())

	st, _ := table.Get(domain.BackendLocal)
	if st.ErrorCount != 0 {
		t.Errorf("errorCount = %d, want 0 after recovery from consecutive failures", st.ErrorCount)
	}
	if !st.Available {
		t.Error("backend should be available again")
	}
}

func TestMonitor_SingleFailureDoesNotResetErrorCount(t *testing.T) {
	local := newFakeTransport(domain.BackendLocal, domain.ConnectionStreaming)
	m, table, _ := newTestMonitor(local)

	local.setProbeErr(errors.New("refused"))
	m.ProbeAll(context.Background())

	local.setProbeErr(nil)
	m.ProbeAll(context.Background())

	st, _ := table.Get(domain.BackendLocal)
	if st.ErrorCount != 1 {
		t.Errorf("errorCount = %d, want 1 (one blip is not an outage)", st.ErrorCount)
	}
}

func TestMonitor_SlowProbeDoesNotDelayOthers(t *testing.T) {
	slow := newFakeTransport(domain.BackendLocal, domain.ConnectionStreaming)
	slow.probeDelay = 90 * time.Millisecond
	healthy := newFakeTransport(domain.BackendCloud, domain.ConnectionRequestResponse)

	m, table, _ := newTestMonitor(slow, healthy)

	done := make(chan struct{})
	go func() {
		m.ProbeAll(context.Background())
		close(done)
	}()

	// The healthy backend's status must update well before the slow probe
	// resolves.
	deadline := time.After(60 * time.Millisecond)
	for {
		st, _ := table.Get(domain.BackendCloud)
		if st.Available {
			break
		}
		select {
		case <-deadline:
			t.Fatal("healthy backend status was delayed by a slow probe on another backend")
		case <-time.After(2 * time.Millisecond):
		}
	}
	<-done
}

func TestMonitor_ProbeTimeoutIsFailure(t *testing.T) {
	hung := newFakeTransport(domain.BackendLocal, domain.ConnectionStreaming)
	hung.probeDelay = time.Second // beyond the 100ms probe timeout

	m, table, _ := newTestMonitor(hung)
	m.ProbeAll(context.Background())

	st, _ := table.Get(domain.BackendLocal)
	if st.Available {
		t.Error("a timed-out probe must mark the backend unavailable")
	}
	if st.ErrorCount != 1 {
		t.Errorf("errorCount = %d, want 1", st.ErrorCount)
	}
}

func TestMonitor_OfflineQualityStaysPinned(t *testing.T) {
	offline := newFakeTransport(domain.BackendOffline, domain.ConnectionNone)
	m, table, _ := newTestMonitor(offline)

	for i := 0; i < 5; i++ {
		m.ProbeAll(context.Background())
	}

	st, _ := table.Get(domain.BackendOffline)
	if st.QualityScore != 30 {
		t.Errorf("offline qualityScore = %d, want fixed 30", st.QualityScore)
	}
	if !st.Available {
		t.Error("offline backend must always be available")
	}
}

func TestMonitor_PublishesSnapshotOnMutation(t *testing.T) {
	local := newFakeTransport(domain.BackendLocal, domain.ConnectionStreaming)

	ids := []domain.BackendIdentity{local.Identity()}
	table := status.NewTable(ids)
	pub := status.NewPublisher(nil)
	brk := breaker.New(breaker.Config{FailureThreshold: 3, BaseCooldown: time.Second, MaxCooldown: time.Minute},
		[]domain.BackendName{domain.BackendLocal})
	m := NewMonitor(Config{
		ProbeInterval: time.Hour,
		ProbeTimeout:  100 * time.Millisecond,
		RecoveryStep:  10,
		PenaltyStep:   20,
	}, []backend.Transport{local}, table, pub, brk, nil)

	sub := pub.Subscribe("widget")
	m.ProbeAll(context.Background())

	select {
	case snap := <-sub:
		if !snap[domain.BackendLocal].Available {
			t.Error("published snapshot does not reflect the probe result")
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot published after a status mutation")
	}
}

func TestMonitor_StartProbesImmediately(t *testing.T) {
	local := newFakeTransport(domain.BackendLocal, domain.ConnectionStreaming)
	m, _, _ := newTestMonitor(local)

	m.Start(context.Background())
	defer m.Stop()

	deadline := time.After(time.Second)
	for local.probes.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("Start did not run an immediate probe pass")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
