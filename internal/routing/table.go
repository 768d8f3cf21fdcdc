// Package routing implements the bucket set routing table (spec C4): 256
// k-buckets keyed by XOR distance from the local node, the Kademlia
// eviction discipline extended with a liveness-probing policy and a
// firewalled-peer penalty during neighbour selection.
//
// The shape of this package — a constructor that takes its collaborators
// as explicit function arguments, an exclusive sync.RWMutex guarding the
// whole table, PeerAdded/PeerRemoved notification hooks, and a
// NearestPeers/Size/ListPeers read API — follows go-libp2p-kbucket's
// RoutingTable, generalised from libp2p's peer.ID/dynamic-bucket-split
// model to this overlay's fixed 256-bucket, XOR-penalty-scored model.
package routing

import (
	"math/big"
	"sync"

	logging "github.com/ipfs/go-log"

	"github.com/dht3k/kaddht/internal/id"
	"github.com/dht3k/kaddht/internal/params"
	"github.com/dht3k/kaddht/internal/peerrecord"
)

var log = logging.Logger("routing")

// PingFn is invoked by the table to challenge a bucket head it has just
// evicted to make room for a newly observed, unsolicited peer (spec
// §4.4 step 4, "otherwise" branch); a head that answers can be
// re-inserted through the solicited path. The table
// generates rpcID itself; the caller is responsible for registering a
// waiter for it and actually sending the PING — the table has no
// knowledge of transport.
type PingFn func(target peerrecord.Record, rpcID id.ID)

// Table is the local node's bucket set (spec C4/BucketSet).
type Table struct {
	local id.ID

	mu      sync.RWMutex
	buckets [params.IDBits]*bucket

	pingFn   PingFn
	fwFilter *DiversityFilter

	// PeerAdded/PeerRemoved are optional notification hooks, fired
	// outside the lock, mirroring the teacher's own PeerRemoved/PeerAdded
	// callbacks.
	PeerAdded   func(peerrecord.Record)
	PeerRemoved func(peerrecord.Record)
}

// New builds an empty Table for local node localID. pingFn may be nil,
// in which case an unsolicited-overflow insert still evicts the bucket
// head and appends the newcomer, but the evicted head is never
// challenged (acceptable for tests that don't exercise eviction).
// filter may be nil to disable diversity filtering entirely.
func New(localID id.ID, pingFn PingFn, filter *DiversityFilter) *Table {
	t := &Table{
		local:       localID,
		pingFn:      pingFn,
		fwFilter:    filter,
		PeerAdded:   func(peerrecord.Record) {},
		PeerRemoved: func(peerrecord.Record) {},
	}
	for i := range t.buckets {
		t.buckets[i] = newBucket()
	}
	return t
}

// fwPenalty is 2^(IDBits+1), strictly dominating any XOR distance.
func fwPenalty() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(params.FWPenaltyExponent))
}

func score(key, peerID id.ID, wellConnected bool) *big.Int {
	s := id.DistanceInt(key, peerID)
	if !wellConnected {
		s = new(big.Int).Add(s, fwPenalty())
	}
	return s
}

// Insert applies the insertion policy of spec §4.4 for an observation
// of peer p. solicited marks an observation that proved liveness (a
// PONG matching an outstanding RPC_ID); everything else — a PING, a
// FIND_NODE sender, a FOUND_NODES entry — is unsolicited.
func (t *Table) Insert(p peerrecord.Record, solicited bool) {
	if p.ID == t.local {
		return // spec §4.4 step "peer with id == self.id is a no-op"
	}
	if err := p.Validate(); err != nil {
		log.Debugf("rejecting invalid peer record: %s", err)
		return
	}
	b := id.BucketIndex(t.local, p.ID)

	t.mu.Lock()
	bk := t.buckets[b]

	if old, ok := bk.get(p.ID); ok {
		bk.remove(p.ID)
		merged := p.MergeFrom(old)
		if solicited {
			merged.WellConnected = true
		} else {
			merged.WellConnected = merged.WellConnected || old.WellConnected
		}
		bk.pushTail(merged)
		t.mu.Unlock()
		return
	}

	if !t.diversityAllows(b, p) {
		t.mu.Unlock()
		log.Debugf("rejecting peer %s: diversity filter", p.ID)
		return
	}

	if bk.len() < params.K {
		if solicited {
			p.WellConnected = true
		}
		bk.pushTail(p)
		t.diversityAccept(b, p)
		t.mu.Unlock()
		t.PeerAdded(p)
		return
	}

	if solicited {
		// Freshly-proved peer: evict the tail, give the newcomer
		// mid-table residency rather than the very tail, approximating
		// least-recently-seen eviction without a synchronous challenge
		// of the head (spec §4.4 step 4, solicited branch).
		evicted := bk.removeAt(bk.len() - 1)
		t.diversityForget(b, evicted)
		p.WellConnected = true
		bk.insertAt(params.K/4, p)
		t.diversityAccept(b, p)
		t.mu.Unlock()
		t.PeerRemoved(evicted)
		t.PeerAdded(p)
		return
	}

	// Unsolicited overflow: evict the head, append the newcomer at the
	// tail, then challenge the evicted head. If the head answers, the
	// challenger re-inserts it through the solicited path; otherwise the
	// newcomer keeps its slot.
	head, ok := bk.popHead()
	if ok {
		t.diversityForget(b, head)
	}
	bk.pushTail(p)
	t.diversityAccept(b, p)
	t.mu.Unlock()
	if ok && t.pingFn != nil {
		rpcID := id.MustRandomID()
		t.pingFn(head, rpcID)
	}
}

func (t *Table) diversityAllows(bucket int, p peerrecord.Record) bool {
	if t.fwFilter == nil {
		return true
	}
	if p.V6 != nil {
		return t.fwFilter.Allow(bucket, p.V6)
	}
	if p.V4 != nil {
		return t.fwFilter.Allow(bucket, p.V4)
	}
	return true
}

func (t *Table) diversityAccept(bucket int, p peerrecord.Record) {
	if t.fwFilter == nil {
		return
	}
	if p.V6 != nil {
		t.fwFilter.Accept(bucket, p.V6)
	} else if p.V4 != nil {
		t.fwFilter.Accept(bucket, p.V4)
	}
}

func (t *Table) diversityForget(bucket int, p peerrecord.Record) {
	if t.fwFilter == nil {
		return
	}
	if p.V6 != nil {
		t.fwFilter.Forget(bucket, p.V6)
	} else if p.V4 != nil {
		t.fwFilter.Forget(bucket, p.V4)
	}
}

// Remove evicts peerID from the table, if present.
func (t *Table) Remove(peerID id.ID) {
	b := id.BucketIndex(t.local, peerID)
	t.mu.Lock()
	p, ok := t.buckets[b].remove(peerID)
	t.mu.Unlock()
	if ok {
		t.diversityForget(b, p)
		t.PeerRemoved(p)
	}
}

// Get returns the record for peerID, if present.
func (t *Table) Get(peerID id.ID) (peerrecord.Record, bool) {
	b := id.BucketIndex(t.local, peerID)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buckets[b].get(peerID)
}

type scoredPeer struct {
	peer  peerrecord.Record
	score *big.Int
	seq   int // insertion order into the candidate set, for stable sort
}

// NearestPeers returns up to limit peers minimising
// XOR(key, peer.id) + (0 if well_connected else FW_PENALTY), per spec
// §4.4's composite score. Ties are broken by the order peers were
// visited while scanning buckets, which is stable but not otherwise
// meaningful.
func (t *Table) NearestPeers(key id.ID, limit int) []peerrecord.Record {
	t.mu.RLock()
	candidates := make([]scoredPeer, 0, limit+params.K)
	seq := 0
	for _, bk := range t.buckets {
		for _, p := range bk.peers {
			candidates = append(candidates, scoredPeer{
				peer:  p,
				score: score(key, p.ID, p.WellConnected),
				seq:   seq,
			})
			seq++
		}
	}
	t.mu.RUnlock()

	sortScoredPeers(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]peerrecord.Record, len(candidates))
	for i, c := range candidates {
		out[i] = c.peer
	}
	return out
}

func sortScoredPeers(s []scoredPeer) {
	// Insertion sort: candidate sets are at most ID_BITS*K entries in
	// pathological cases but realistically small, and this keeps the
	// comparator trivial to read against spec §4.4/§8 property 6.
	for i := 1; i < len(s); i++ {
		j := i
		for j > 0 && less(s[j], s[j-1]) {
			s[j], s[j-1] = s[j-1], s[j]
			j--
		}
	}
}

func less(a, b scoredPeer) bool {
	c := a.score.Cmp(b.score)
	if c != 0 {
		return c < 0
	}
	return a.seq < b.seq
}

// Size returns the total number of peers across all buckets.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, bk := range t.buckets {
		n += bk.len()
	}
	return n
}

// ListPeers returns every peer in the table, bucket order then
// within-bucket order.
func (t *Table) ListPeers() []peerrecord.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []peerrecord.Record
	for _, bk := range t.buckets {
		out = append(out, bk.snapshot()...)
	}
	return out
}

// BucketLen returns the number of peers in the bucket at index b, for
// tests and diagnostics.
func (t *Table) BucketLen(b int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buckets[b].len()
}
