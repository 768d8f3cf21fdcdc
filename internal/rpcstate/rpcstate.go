// Package rpcstate tracks outstanding requests this node has sent,
// keyed by the hashed RPC_ID the matching reply must echo back (spec
// §3 RpcState). Per spec, the value associated with an entry is
// whatever the caller is waiting on — a shortlist to update, a list
// collecting bootstrap discovery messages, or nothing at all — so
// this package stores an opaque waiter and leaves interpreting it to
// the caller. A background sweep evicts entries nobody ever answered
// once they exceed RPC_TIMEOUT, so a dropped reply cannot leak state
// forever.
package rpcstate

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/dht3k/kaddht/internal/id"
)

var log = logging.Logger("rpcstate")

type entry struct {
	startedAt time.Time
	waiter    interface{}
}

// State is the set of outstanding RPCs this node is waiting on
// replies for. Zero value is not usable; use New.
type State struct {
	mu      sync.Mutex
	entries map[id.ID]entry
	timeout time.Duration
}

// New builds an empty State. timeout bounds how long an entry may
// remain unanswered before the GC sweep reaps it (params.RPCTimeout in
// production use).
func New(timeout time.Duration) *State {
	return &State{
		entries: make(map[id.ID]entry),
		timeout: timeout,
	}
}

// Register associates waiter with hashedRPCID (the RPC_ID hashed with
// the network id, per id.HashRPC) and records its start time for GC
// purposes. A second Register for the same key silently replaces the
// first, which will then never be resolved.
func (s *State) Register(hashedRPCID id.ID, waiter interface{}) {
	s.mu.Lock()
	s.entries[hashedRPCID] = entry{startedAt: nowFunc(), waiter: waiter}
	s.mu.Unlock()
}

// Resolve pops and returns the waiter registered under hashedRPCID, if
// one is still outstanding. Returns (nil, false) for an unknown key —
// a late reply, a duplicate reply, or an unsolicited message carrying
// a forged RPC_ID (all spec §4.7 "ignore" cases).
func (s *State) Resolve(hashedRPCID id.ID) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hashedRPCID]
	if !ok {
		return nil, false
	}
	delete(s.entries, hashedRPCID)
	return e.waiter, true
}

// Forget removes a registration without resolving it, e.g. because
// the caller gave up retrying. No-op if already resolved or absent.
func (s *State) Forget(hashedRPCID id.ID) {
	s.mu.Lock()
	delete(s.entries, hashedRPCID)
	s.mu.Unlock()
}

// Len reports the number of outstanding, unresolved RPCs.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// GC reaps entries older than the configured timeout. Intended to be
// called periodically from the node's maintenance loop (spec C8).
func (s *State) GC() int {
	cutoff := nowFunc().Add(-s.timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if e.startedAt.Before(cutoff) {
			delete(s.entries, k)
			n++
		}
	}
	if n > 0 {
		log.Debugf("reaped %d stale rpc waiters", n)
	}
	return n
}

// nowFunc is a var so tests can age entries deterministically without
// sleeping real time.
var nowFunc = time.Now
