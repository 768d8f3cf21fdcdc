// Maintenance implements spec C8: three independent periodic tasks —
// bucket refresh, firewall check and RpcState GC — each running until
// the node's shared stop signal fires.
package node

import (
	"time"

	"github.com/dht3k/kaddht/internal/id"
	"github.com/dht3k/kaddht/internal/params"
	"github.com/dht3k/kaddht/internal/wire"
)

// StartMaintenance launches the three background loops of spec §4.8.
// Call once, after Start and (if applicable) Bootstrap.
func (n *Node) StartMaintenance() {
	n.wg.Add(3)
	go n.bucketRefreshLoop()
	go n.firewallCheckLoop()
	go n.rpcGCLoop()
}

// bucketRefreshLoop walks every bucket index, issuing a FIND_NODE for
// an id that falls exactly in that bucket, so buckets for distant
// regions of the id space get populated even with no organic lookup
// traffic there. The warm-up pass (right after start) is throttled by
// SLEEP_WAIT·20 per bucket instead of BUCKET_REFRESH so a fresh node
// doesn't wait twenty minutes before its table has any shape.
//
// spec §4.8 literally says FIND_NODE(2^b); we target local XOR 2^b
// instead, which is what actually lands in bucket b under the XOR
// metric (2^b itself falls in whatever bucket it happens to relative
// to local, not necessarily b).
func (n *Node) bucketRefreshLoop() {
	defer n.wg.Done()
	warmupPause := params.SleepWait * 20

	refreshAll := func(pause time.Duration) bool {
		for b := 0; b < params.IDBits; b++ {
			target := id.XOR(n.local, bitSet(b))
			n.lookup.FindNode(target, nil)
			select {
			case <-n.stopCh:
				return false
			case <-time.After(pause):
			}
		}
		return true
	}

	if !refreshAll(warmupPause) {
		return
	}
	for {
		interval := params.BucketRefresh
		if n.Firewalled() {
			interval *= 20
		}
		select {
		case <-n.stopCh:
			return
		case <-time.After(interval):
		}
		if !refreshAll(warmupPause) {
			return
		}
	}
}

// firewallCheckLoop periodically asks the bootstrap peer to probe
// this node's auxiliary socket, until that probe lands and the probe
// listener's handler clears the flag (node/dispatch.go handleProbe).
func (n *Node) firewallCheckLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case <-time.After(params.FirewallCheck):
		}
		if !n.Firewalled() {
			continue
		}
		n.mu.Lock()
		rec, ok := n.bootstrapRec, n.bootstrapSeen
		n.mu.Unlock()
		if !ok {
			continue
		}
		msg := &wire.Message{Type: wire.FWPing, PeerID: n.local, NetworkID: n.gate()}
		n.sendTo(rec, msg)
	}
}

func (n *Node) rpcGCLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case <-time.After(params.RPCTimeout):
		}
		n.rpcs.GC()
	}
}

// bitSet returns the identifier with only bit b set, using the same
// bit-numbering as id.BucketIndex (bit 0 is the least significant bit
// of the last byte).
func bitSet(b int) id.ID {
	var out id.ID
	byteIdx := params.IDBytes - 1 - b/8
	shift := uint(b % 8)
	out[byteIdx] = 1 << shift
	return out
}
