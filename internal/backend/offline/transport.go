// Package offline implements the terminal fallback transport: no network,
// canned draft advice, never fails.
package offline

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/audible-ai/audible/internal/backend"
	"github.com/audible-ai/audible/internal/domain"
)

// Confidence is the fixed confidence reported for canned answers.
const Confidence = 30

// cannedAdvice is generic guidance served when no real backend is reachable.
// Answers are picked by query hash so repeating a question gives a stable
// response.
var cannedAdvice = []string{
	"Best player available usually beats reaching for need in the early rounds. Check your board's ADP column and take the biggest faller.",
	"Running backs thin out fast after the third round. If your roster is light at RB, prioritize one now and catch up at WR later.",
	"Wait on quarterbacks and tight ends unless a top-three option slides. The mid-round value at WR and RB is almost always better.",
	"Look at bye weeks before you lock this pick. Stacking three starters on the same bye can sink two weeks of your season.",
	"Handcuff your RB1 in the late rounds if his backup has standalone value. Otherwise spend those picks on upside fliers.",
	"Target volume over efficiency late. A mediocre starter who sees 8 targets a game outscores a talented backup most weeks.",
}

// Transport synthesizes responses locally. Probe and Send perform no I/O and
// never return an error.
type Transport struct {
	identity domain.BackendIdentity
}

// New creates the offline transport.
func New(identity domain.BackendIdentity) *Transport {
	return &Transport{identity: identity}
}

func (t *Transport) Identity() domain.BackendIdentity {
	return t.identity
}

// Probe always succeeds: there is nothing to reach.
func (t *Transport) Probe(ctx context.Context) (backend.ProbeResult, error) {
	return backend.ProbeResult{LatencyMs: 0, Version: "canned"}, nil
}

// Send returns a canned answer keyed off the query text.
func (t *Transport) Send(ctx context.Context, req *domain.QueryRequest) (*domain.QueryResponse, error) {
	start := time.Now()

	h := fnv.New32a()
	h.Write([]byte(req.QueryText))
	advice := cannedAdvice[h.Sum32()%uint32(len(cannedAdvice))]

	return &domain.QueryResponse{
		RequestID:      req.RequestID,
		BackendName:    t.identity.Name,
		ResponseText:   advice,
		Confidence:     Confidence,
		ResponseTimeMs: uint64(time.Since(start) / time.Millisecond),
	}, nil
}
