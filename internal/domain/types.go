// Package domain defines the canonical types shared by the orchestrator,
// transports, and diagnostics surfaces.
package domain

import (
	"encoding/json"
	"time"
)

// BackendName identifies one of the configured AI backends.
type BackendName string

const (
	// BackendLocal is the low-latency local bridge, reachable over a
	// persistent streaming connection with a request/response fallback.
	BackendLocal BackendName = "local"

	// BackendCloud is the higher-latency cloud function, request/response only.
	BackendCloud BackendName = "cloud"

	// BackendOffline is the zero-dependency canned-answer fallback.
	BackendOffline BackendName = "offline"
)

// ConnectionKind describes how a backend is reached.
type ConnectionKind string

const (
	ConnectionStreaming       ConnectionKind = "streaming"
	ConnectionRequestResponse ConnectionKind = "request-response"
	ConnectionNone            ConnectionKind = "none"
)

// BackendIdentity is the immutable description of a backend. Created once
// from configuration at startup and never mutated afterwards.
type BackendIdentity struct {
	Name BackendName `json:"name"`

	// Capability is the declared transport capability.
	Capability ConnectionKind `json:"capability"`

	// Priority is the static rank used as the final ranking tie-break.
	// Lower values are preferred.
	Priority int `json:"priority"`
}

// BackendStatus is the mutable health record for one backend. It is owned by
// the health monitor; everyone else reads copies through snapshot accessors.
type BackendStatus struct {
	Available       bool           `json:"available"`
	ResponseTimeMs  uint64         `json:"responseTimeMs"`
	ErrorCount      uint64         `json:"errorCount"`
	QualityScore    int            `json:"qualityScore"` // 0..100
	ConnectionKind  ConnectionKind `json:"connectionKind"`
	LastHealthCheck time.Time      `json:"lastHealthCheck"`
}

// StatusSnapshot is a point-in-time copy of the full backend status table.
// Subscribers receive the whole table on every mutation, never a diff.
type StatusSnapshot map[BackendName]BackendStatus

// QueryRequest is a draft-assistant query as issued by the UI layer.
type QueryRequest struct {
	// RequestID correlates asynchronous responses with this request. Assigned
	// by the orchestrator when empty.
	RequestID string `json:"requestId"`

	// Slot names the logical conversation slot for supersession tracking.
	// Requests in the same slot supersede each other; empty means the
	// default slot.
	Slot string `json:"slot,omitempty"`

	// RequestType categorizes the query, e.g. "draft-advice" or
	// "player-compare".
	RequestType string `json:"requestType"`

	// Context carries the caller's draft state (roster, pick number, board)
	// as an opaque document forwarded to the backend.
	Context json.RawMessage `json:"context,omitempty"`

	QueryText string `json:"queryText"`
}

// QueryResponse is the answer produced by whichever backend served a query.
type QueryResponse struct {
	RequestID    string      `json:"requestId"`
	BackendName  BackendName `json:"backendName"`
	ResponseText string      `json:"responseText"`

	// Confidence is the backend's self-reported confidence, 0..100.
	Confidence int `json:"confidence"`

	ResponseTimeMs uint64 `json:"responseTimeMs"`

	// StructuredAnalysis is optional machine-readable analysis (rankings,
	// projections) passed through untouched.
	StructuredAnalysis json.RawMessage `json:"structuredAnalysis,omitempty"`

	// Degraded marks answers synthesized or replayed from cache after every
	// network backend failed.
	Degraded bool `json:"degraded,omitempty"`

	// Superseded marks a response whose request was replaced by a newer one
	// in the same slot before it resolved. Callers should discard it.
	Superseded bool `json:"superseded,omitempty"`
}

// DispatchRecord is one dispatch attempt outcome, kept for diagnostics.
type DispatchRecord struct {
	RequestID    string      `json:"requestId"`
	Backend      BackendName `json:"backend"`
	Success      bool        `json:"success"`
	LatencyMs    uint64      `json:"latencyMs"`
	ErrorType    string      `json:"errorType,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	Superseded   bool        `json:"superseded,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}
