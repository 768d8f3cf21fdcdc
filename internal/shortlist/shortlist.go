// Package shortlist implements the per-lookup candidate list (spec C5):
// an ordered set of peers converging toward a target id, bounded to K
// entries, plus the one-shot completion signal a FIND_VALUE lookup uses
// to report a found value back to whichever goroutine is waiting on it.
//
// The shape follows dht3k's Shortlist (update/mark/get_next_iteration/
// set_complete/completion_result), translated from Python's
// threading.Condition + concurrent.futures.Future pairing into a
// sync.Mutex guarding plain state plus a close-once channel for the
// one-shot signal, which is the idiomatic Go equivalent.
package shortlist

import (
	"sync"
	"time"

	"github.com/dht3k/kaddht/internal/id"
	"github.com/dht3k/kaddht/internal/params"
	"github.com/dht3k/kaddht/internal/peerrecord"
)

// entry pairs a candidate with whether it has already been sent a
// request during this lookup (spec §4.5/§4.6: α-way concurrency must
// not re-query the same peer every iteration).
type entry struct {
	peer    peerrecord.Record
	queried bool
}

// Shortlist is the mutable state of one iterative lookup for Target.
type Shortlist struct {
	target id.ID

	mu      sync.Mutex
	entries []entry

	// completion signals a FIND_VALUE lookup's terminal result exactly
	// once. done is closed when value (possibly nil, meaning "not
	// found") becomes authoritative.
	once  sync.Once
	done  chan struct{}
	value []byte
	found bool
}

// New creates an empty shortlist converging toward target.
func New(target id.ID) *Shortlist {
	return &Shortlist{
		target: target,
		done:   make(chan struct{}),
	}
}

// Update merges newly observed peers into the shortlist, keeping it
// sorted by ascending XOR distance to the target and truncated to K
// entries (spec §4.5 step "merge the new peers into the shortlist").
// Peers already present are left untouched (in particular their
// queried flag survives).
func (s *Shortlist) Update(peers []peerrecord.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[id.ID]bool, len(s.entries))
	for _, e := range s.entries {
		seen[e.peer.ID] = true
	}
	for _, p := range peers {
		if p.ID == s.target || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		s.entries = append(s.entries, entry{peer: p})
	}

	sortEntries(s.entries, s.target)
	if len(s.entries) > params.K {
		s.entries = s.entries[:params.K]
	}
}

func sortEntries(e []entry, target id.ID) {
	for i := 1; i < len(e); i++ {
		j := i
		for j > 0 && id.Less(target, e[j].peer.ID, e[j-1].peer.ID) {
			e[j], e[j-1] = e[j-1], e[j]
			j--
		}
	}
}

// Mark records that peerID has already been queried this lookup, so a
// future NextIteration call will not re-select it.
func (s *Shortlist) Mark(peerID id.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].peer.ID == peerID {
			s.entries[i].queried = true
			return
		}
	}
}

// NextIteration returns up to alpha not-yet-queried peers, closest to
// the target first, and marks them queried as it returns them — the
// caller is assumed to dispatch a request to each immediately (spec
// §4.6's α-concurrent round). An empty result means the lookup has
// converged: every candidate currently known has already been asked.
func (s *Shortlist) NextIteration(alpha int) []peerrecord.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]peerrecord.Record, 0, alpha)
	for i := range s.entries {
		if len(out) == alpha {
			break
		}
		if s.entries[i].queried {
			continue
		}
		s.entries[i].queried = true
		out = append(out, s.entries[i].peer)
	}
	return out
}

// Converged reports whether every candidate in the shortlist has been
// queried — the iterative lookup's stopping condition (spec §4.6,
// "no closer unqueried peer remains").
func (s *Shortlist) Converged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if !e.queried {
			return false
		}
	}
	return true
}

// Peers returns a snapshot of the current candidates, closest first.
func (s *Shortlist) Peers() []peerrecord.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]peerrecord.Record, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.peer
	}
	return out
}

// IsDone reports, without blocking, whether SetComplete has already
// been called — used by the lookup loop to stop early on a FIND_VALUE
// hit instead of waiting out CompletionResult's deadline.
func (s *Shortlist) IsDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// SetComplete delivers the terminal result of a FIND_VALUE lookup —
// the stored value, or nil if no holder had it — to whichever
// goroutine is blocked in CompletionResult. Only the first call has
// any effect, mirroring dht3k's Future-based "set once" semantics.
func (s *Shortlist) SetComplete(value []byte) {
	s.once.Do(func() {
		s.mu.Lock()
		s.value = value
		s.found = value != nil
		s.mu.Unlock()
		close(s.done)
	})
}

// CompletionResult blocks until SetComplete is called or deadline
// elapses (the lookup engine passes SLEEP_WAIT, matching dht3k's
// completion_result), returning (value, true) on a genuine hit and
// (nil, false) on "not found" or timeout.
func (s *Shortlist) CompletionResult(deadline time.Duration) ([]byte, bool) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.value, s.found
	case <-time.After(deadline):
		return nil, false
	}
}
