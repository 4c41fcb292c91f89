// Package status holds the backend status table and the pub/sub feed that
// broadcasts it to UI subscribers.
package status

import (
	"sync"

	"github.com/audible-ai/audible/internal/domain"
)

// offlineQuality is the fixed score for backends that perform no I/O.
const offlineQuality = 30

type entry struct {
	mu     sync.Mutex
	status domain.BackendStatus
}

// Table is the shared backend status table. Each backend's tuple is guarded
// by its own lock so updates to one backend never serialize another.
type Table struct {
	entries map[domain.BackendName]*entry
}

// NewTable seeds a table from the configured identities. Network backends
// start unavailable until the first probe; offline backends are always
// available at their fixed quality.
func NewTable(identities []domain.BackendIdentity) *Table {
	t := &Table{entries: make(map[domain.BackendName]*entry, len(identities))}
	for _, id := range identities {
		st := domain.BackendStatus{
			Available:      false,
			QualityScore:   50,
			ConnectionKind: id.Capability,
		}
		if id.Capability == domain.ConnectionNone {
			st.Available = true
			st.QualityScore = offlineQuality
		}
		t.entries[id.Name] = &entry{status: st}
	}
	return t
}

// Get returns a copy of one backend's status.
func (t *Table) Get(name domain.BackendName) (domain.BackendStatus, bool) {
	e, ok := t.entries[name]
	if !ok {
		return domain.BackendStatus{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, true
}

// Update applies fn to one backend's status under its lock and returns the
// updated copy. Unknown backends are ignored.
func (t *Table) Update(name domain.BackendName, fn func(*domain.BackendStatus)) (domain.BackendStatus, bool) {
	e, ok := t.entries[name]
	if !ok {
		return domain.BackendStatus{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.status)
	clampQuality(&e.status)
	return e.status, true
}

// Snapshot returns a copy of the full table.
func (t *Table) Snapshot() domain.StatusSnapshot {
	snap := make(domain.StatusSnapshot, len(t.entries))
	for name, e := range t.entries {
		e.mu.Lock()
		snap[name] = e.status
		e.mu.Unlock()
	}
	return snap
}

func clampQuality(st *domain.BackendStatus) {
	if st.QualityScore > 100 {
		st.QualityScore = 100
	}
	if st.QualityScore < 0 {
		st.QualityScore = 0
	}
}
