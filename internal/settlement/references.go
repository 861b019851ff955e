package settlement

import (
	"sort"
	"sync"

	"NUMA-Market/internal/executor"
	"NUMA-Market/internal/payment"
)

// DefaultReferenceCapacity bounds how many finished settlements are kept for
// replay. In-flight and pending references are never evicted.
const DefaultReferenceCapacity = 10_000

type refState int

const (
	refInFlight refState = iota
	refPending
	refSettled
)

// pendingSettlement is a reservation held while its payment outcome is unknown.
type pendingSettlement struct {
	out  Outcome
	req  payment.Request
	call executor.Call
}

type refEntry struct {
	state   refState
	agentID string
	outcome Outcome
	err     error
	pending *pendingSettlement
}

// references maps payment references to the settlement that owns them.
type references struct {
	mu       sync.Mutex
	entries  map[string]*refEntry
	settled  []string
	capacity int
}

func newReferences(capacity int) *references {
	if capacity <= 0 {
		capacity = DefaultReferenceCapacity
	}
	return &references{entries: make(map[string]*refEntry), capacity: capacity}
}

// claim marks reference in flight for agentID. When the reference is already
// known a copy of its entry is returned and nothing changes.
func (r *references) claim(reference, agentID string) (refEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[reference]; ok {
		return *e, false
	}
	r.entries[reference] = &refEntry{state: refInFlight, agentID: agentID}
	return refEntry{}, true
}

// drop forgets a reference whose settlement moved no funds.
func (r *references) drop(reference string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[reference]; ok && e.state != refSettled {
		delete(r.entries, reference)
	}
}

// park turns an in-flight reference into a pending one.
func (r *references) park(reference string, p *pendingSettlement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[reference] = &refEntry{state: refPending, agentID: p.out.AgentID, pending: p}
}

// resume takes a pending reference back in flight for resolution.
func (r *references) resume(reference string) (*pendingSettlement, refEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[reference]
	if !ok {
		return nil, refEntry{}, false
	}
	if e.state != refPending {
		return nil, *e, false
	}
	e.state = refInFlight
	return e.pending, *e, true
}

// settle stores the final outcome for replay.
func (r *references) settle(reference string, out Outcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[reference]; ok && e.state == refSettled {
		return
	}
	r.entries[reference] = &refEntry{state: refSettled, agentID: out.AgentID, outcome: out, err: err}
	r.settled = append(r.settled, reference)
	for len(r.settled) > r.capacity {
		delete(r.entries, r.settled[0])
		r.settled = r.settled[1:]
	}
}

// pendingReferences lists references awaiting resolution, sorted.
func (r *references) pendingReferences() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0)
	for ref, e := range r.entries {
		if e.state == refPending {
			out = append(out, ref)
		}
	}
	sort.Strings(out)
	return out
}
