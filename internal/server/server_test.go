package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/audible-ai/audible/internal/breaker"
	"github.com/audible-ai/audible/internal/domain"
)

// fakeService implements Service with canned data.
type fakeService struct {
	lastReq *domain.QueryRequest
	updates chan domain.StatusSnapshot
}

func newFakeService() *fakeService {
	return &fakeService{updates: make(chan domain.StatusSnapshot, 4)}
}

func (f *fakeService) Query(ctx context.Context, req *domain.QueryRequest) *domain.QueryResponse {
	f.lastReq = req
	return &domain.QueryResponse{
		RequestID:    "req-123",
		BackendName:  domain.BackendLocal,
		ResponseText: "Take the WR.",
		Confidence:   85,
	}
}

func (f *fakeService) GetAllStatus() domain.StatusSnapshot {
	return domain.StatusSnapshot{
		domain.BackendLocal: {Available: true, QualityScore: 90},
	}
}

func (f *fakeService) GetCircuitBreakerStatus() map[domain.BackendName]breaker.Snapshot {
	return map[domain.BackendName]breaker.Snapshot{
		domain.BackendLocal: {State: breaker.StateClosed},
		domain.BackendCloud: {State: breaker.StateOpen, FailureCount: 3, CooldownRemainingMs: 4200},
	}
}

func (f *fakeService) Subscribe(name string) <-chan domain.StatusSnapshot { return f.updates }

func (f *fakeService) Unsubscribe(name string) {}

// fakeHistory implements HistoryReader.
type fakeHistory struct {
	records []domain.DispatchRecord
	gotLim  int
}

func (f *fakeHistory) RecentDispatches(ctx context.Context, limit int) ([]domain.DispatchRecord, error) {
	f.gotLim = limit
	return f.records, nil
}

func newTestServer(t *testing.T, history HistoryReader) (*Server, *fakeService) {
	t.Helper()
	svc := newFakeService()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(0, svc, history, logger), svc
}

func TestHandleQuery(t *testing.T) {
	srv, svc := newTestServer(t, nil)

	body := `{"slot":"chat","requestType":"draft-advice","queryText":"zero rb viable?"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	var resp domain.QueryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ResponseText != "Take the WR." {
		t.Errorf("responseText = %q", resp.ResponseText)
	}
	if svc.lastReq.Slot != "chat" || svc.lastReq.QueryText != "zero rb viable?" {
		t.Errorf("service received %+v", svc.lastReq)
	}
}

func TestHandleQuery_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"queryText": `},
		{"missing queryText", `{"slot":"chat"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, nil)
			req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.Router.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if !bytes.Contains(rec.Body.Bytes(), []byte("error")) {
				t.Errorf("body = %s, want error payload", rec.Body.String())
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap domain.StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !snap[domain.BackendLocal].Available || snap[domain.BackendLocal].QualityScore != 90 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHandleCircuits(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/circuits", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var circuits map[domain.BackendName]breaker.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &circuits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if circuits[domain.BackendCloud].State != breaker.StateOpen {
		t.Errorf("cloud state = %v, want open", circuits[domain.BackendCloud].State)
	}
	if circuits[domain.BackendCloud].CooldownRemainingMs != 4200 {
		t.Errorf("cooldownRemainingMs = %d", circuits[domain.BackendCloud].CooldownRemainingMs)
	}
}

func TestHandleHistory(t *testing.T) {
	history := &fakeHistory{records: []domain.DispatchRecord{
		{RequestID: "req-1", Backend: domain.BackendLocal, Success: true},
	}}
	srv, _ := newTestServer(t, history)

	req := httptest.NewRequest(http.MethodGet, "/v1/history?limit=5", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if history.gotLim != 5 {
		t.Errorf("limit = %d, want 5", history.gotLim)
	}

	var records []domain.DispatchRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].RequestID != "req-1" {
		t.Errorf("records = %+v", records)
	}
}

func TestHandleHistory_Unconfigured(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestHandleHistory_BadLimit(t *testing.T) {
	srv, _ := newTestServer(t, &fakeHistory{})
	req := httptest.NewRequest(http.MethodGet, "/v1/history?limit=-3", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleStatusStream(t *testing.T) {
	srv, svc := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() domain.StatusSnapshot {
		t.Helper()
		var data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
			if line == "" && data != "" {
				break
			}
		}
		var snap domain.StatusSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		return snap
	}

	// First event is the snapshot at connect time.
	first := readEvent()
	if !first[domain.BackendLocal].Available {
		t.Errorf("initial snapshot = %+v", first)
	}

	// Published updates follow.
	svc.updates <- domain.StatusSnapshot{
		domain.BackendLocal: {Available: false, QualityScore: 10},
	}
	second := readEvent()
	if second[domain.BackendLocal].Available {
		t.Errorf("update snapshot = %+v", second)
	}
}
