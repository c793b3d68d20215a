package slave

import (
	"maps"
	"slices"
	"sync"
	"weak"

	"github.com/nexus-pool/nxs-pool/internal/block"
)

// Submission is a solved block waiting to be sent to the daemon
type Submission struct {
	SessionID uint64
	Address   string
	Block     *block.Block
}

// entry is the daemon side view of one miner session. The session pointer
// is weak so a vanished session is simply reaped by Prune.
type entry struct {
	session       weak.Pointer[Session]
	blockRequests int
	blocksWaiting int
	submission    *Submission
}

func (e *entry) live() *Session {
	s := e.session.Value()
	if s == nil || s.Closed() {
		return nil
	}
	return s
}

// Registry tracks block requests, pending templates and the single
// submission slot of every miner session.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint64]*entry)}
}

// Register adds a session
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	r.entries[s.ID] = &entry{session: weak.Make(s)}
	r.mu.Unlock()
}

// RequestBlock queues one GET_BLOCK for the session
func (r *Registry) RequestBlock(id uint64) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.blockRequests++
	}
	r.mu.Unlock()
}

// Submit fills the session's submission slot. It returns false if a
// submission is already pending.
func (r *Registry) Submit(id uint64, address string, b *block.Block) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.submission != nil {
		return false
	}
	e.submission = &Submission{SessionID: id, Address: address, Block: b}
	return true
}

// TakeSubmission empties and returns the first filled slot, by session id
func (r *Registry) TakeSubmission() (*Submission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range slices.Sorted(maps.Keys(r.entries)) {
		e := r.entries[id]
		if e.submission != nil {
			sub := e.submission
			e.submission = nil
			return sub, true
		}
	}
	return nil, false
}

// TakeRequests moves every outstanding block request to waiting and
// returns how many GET_BLOCK requests the daemon should receive.
func (r *Registry) TakeRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, e := range r.entries {
		if e.blockRequests == 0 || e.live() == nil {
			continue
		}
		total += e.blockRequests
		e.blocksWaiting += e.blockRequests
		e.blockRequests = 0
	}
	return total
}

// DeliverTemplate hands a template to the first live session waiting for
// one. It reports false when nobody is waiting.
func (r *Registry) DeliverTemplate(b *block.Block) bool {
	r.mu.Lock()
	var target *Session
	for _, id := range slices.Sorted(maps.Keys(r.entries)) {
		e := r.entries[id]
		if e.blocksWaiting == 0 {
			continue
		}
		e.blocksWaiting--
		if s := e.live(); s != nil {
			target = s
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		return false
	}
	target.AssignTemplate(b)
	return true
}

// Rollover clears the per-round state of every live session
func (r *Registry) Rollover() int {
	n := 0
	for _, s := range r.Sessions() {
		s.Rollover()
		n++
	}
	return n
}

// Sessions returns the live sessions
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.entries))
	for _, id := range slices.Sorted(maps.Keys(r.entries)) {
		if s := r.entries[id].live(); s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Prune drops entries whose session is gone. A solved block still waiting
// in the slot keeps its entry until it is taken.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.entries {
		if e.live() == nil && e.submission == nil {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked entries, live or not
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
