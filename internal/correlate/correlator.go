// Package correlate tracks which request id is live for each logical
// conversation slot, so responses that arrive after a newer request was
// issued can be discarded instead of overwriting fresher state.
package correlate

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSlot is used when a caller does not name a slot.
const DefaultSlot = "default"

// Correlator is pure bookkeeping: it has no network awareness. Issuing a new
// id for a slot implicitly supersedes every earlier id in that slot.
type Correlator struct {
	mu    sync.Mutex
	slots map[string]string
}

// New creates an empty correlator.
func New() *Correlator {
	return &Correlator{slots: make(map[string]string)}
}

// Issue generates a fresh request id for the slot and marks it as the only
// live id. Any previously issued id for the slot is superseded immediately.
func (c *Correlator) Issue(slot string) string {
	if slot == "" {
		slot = DefaultSlot
	}
	id := fmt.Sprintf("req-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])

	c.mu.Lock()
	c.slots[slot] = id
	c.mu.Unlock()
	return id
}

// Track marks a caller-provided request id as the live id for the slot,
// superseding any earlier id exactly as Issue does.
func (c *Correlator) Track(slot, requestID string) {
	if slot == "" {
		slot = DefaultSlot
	}
	c.mu.Lock()
	c.slots[slot] = requestID
	c.mu.Unlock()
}

// Accept reports whether requestID is still the live id for the slot. Accept
// is monotonic: once an id has been superseded it can never win later,
// regardless of arrival order.
func (c *Correlator) Accept(slot, requestID string) bool {
	if slot == "" {
		slot = DefaultSlot
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[slot] == requestID
}

// Current returns the live request id for the slot, if any.
func (c *Correlator) Current(slot string) (string, bool) {
	if slot == "" {
		slot = DefaultSlot
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.slots[slot]
	return id, ok
}
