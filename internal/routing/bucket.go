package routing

import "github.com/dht3k/kaddht/internal/peerrecord"

// bucket is an ordered sequence of at most K peer records, insertion
// order doubling as last-seen order: index 0 is the least-recently-seen
// (head), the last index is the most-recently-seen (tail). Spec §3
// invariants: no duplicate id, every member belongs in this bucket.
//
// K is small (20), so a plain slice with O(K) linear operations is both
// simpler and faster in practice than a linked structure here.
type bucket struct {
	peers []peerrecord.Record
}

func newBucket() *bucket {
	return &bucket{}
}

func (b *bucket) len() int {
	return len(b.peers)
}

func (b *bucket) indexOf(peerID [32]byte) int {
	for i, p := range b.peers {
		if p.ID == peerID {
			return i
		}
	}
	return -1
}

func (b *bucket) get(peerID [32]byte) (peerrecord.Record, bool) {
	if i := b.indexOf(peerID); i >= 0 {
		return b.peers[i], true
	}
	return peerrecord.Record{}, false
}

// removeAt removes and returns the record at index i.
func (b *bucket) removeAt(i int) peerrecord.Record {
	p := b.peers[i]
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
	return p
}

func (b *bucket) remove(peerID [32]byte) (peerrecord.Record, bool) {
	if i := b.indexOf(peerID); i >= 0 {
		return b.removeAt(i), true
	}
	return peerrecord.Record{}, false
}

// pushTail appends at the tail (most-recently-seen position).
func (b *bucket) pushTail(p peerrecord.Record) {
	b.peers = append(b.peers, p)
}

// popHead removes and returns the head (least-recently-seen) entry.
func (b *bucket) popHead() (peerrecord.Record, bool) {
	if len(b.peers) == 0 {
		return peerrecord.Record{}, false
	}
	return b.removeAt(0), true
}

// insertAt inserts p at position idx from the head, clamped to the
// current length.
func (b *bucket) insertAt(idx int, p peerrecord.Record) {
	if idx < 0 {
		idx = 0
	}
	if idx > len(b.peers) {
		idx = len(b.peers)
	}
	b.peers = append(b.peers, peerrecord.Record{})
	copy(b.peers[idx+1:], b.peers[idx:])
	b.peers[idx] = p
}

// snapshot returns a copy of the bucket's members, safe to use after
// the caller releases whatever lock protects the bucket.
func (b *bucket) snapshot() []peerrecord.Record {
	out := make([]peerrecord.Record, len(b.peers))
	copy(out, b.peers)
	return out
}
