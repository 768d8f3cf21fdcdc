package node

import (
	"net"
	"time"

	"github.com/dht3k/kaddht/internal/id"
	"github.com/dht3k/kaddht/internal/params"
	"github.com/dht3k/kaddht/internal/peerrecord"
	"github.com/dht3k/kaddht/internal/shortlist"
	"github.com/dht3k/kaddht/internal/wire"
)

// handleMain is the Handler bound to the main listener: the full
// request dispatch table of spec §4.7.
func (n *Node) handleMain(data []byte, fromV4, fromV6 net.IP, senderPort uint16) {
	msg, err := wire.Unmarshal(data)
	if err != nil {
		log.Debugf("dropping unparseable message from %v/%v: %s", fromV4, fromV6, err)
		return
	}
	if !n.verifyGate(msg) {
		log.Debugf("dropping message from %s: NETWORK_ID gate mismatch", msg.PeerID)
		return
	}

	sender := peerrecord.New(int(senderPort), msg.PeerID, fromV4, fromV6, false)

	switch msg.Type {
	case wire.Ping:
		n.replyPong(msg, sender)
		n.table.Insert(sender, false)
	case wire.Pong:
		n.handlePong(msg, sender)
	case wire.FindNode:
		n.replyFind(msg, sender, false)
		n.table.Insert(sender, false)
	case wire.FindValue:
		n.replyFind(msg, sender, true)
		n.table.Insert(sender, false)
	case wire.Store:
		if msg.ID != nil {
			n.store.Set([32]byte(*msg.ID), msg.Value)
		}
		n.table.Insert(sender, false)
	case wire.FoundNodes:
		n.resolveShortlist(msg, func(sl *shortlist.Shortlist) { sl.Update(msg.NearestNodes) })
		n.table.Insert(sender, false)
	case wire.FoundValue:
		n.resolveShortlist(msg, func(sl *shortlist.Shortlist) { sl.SetComplete(msg.Value) })
		n.table.Insert(sender, false)
	case wire.FWPing:
		n.replyFWPong(fromV4, fromV6, senderPort)
	default:
		log.Debugf("dropping message of unexpected type %s on main listener", msg.Type)
	}
}

// handleProbe is the Handler bound to the firewall-probe listener
// (port+1). It never answers anything: its only job is to notice an
// FW_PONG arriving unsolicited, which is itself the proof that this
// node is reachable (spec §4.7/§4.8).
func (n *Node) handleProbe(data []byte, _, _ net.IP, _ uint16) {
	msg, err := wire.Unmarshal(data)
	if err != nil {
		return
	}
	if msg.Type != wire.FWPong {
		return
	}
	if !n.verifyGate(msg) {
		log.Debugf("dropping FW_PONG from %s: NETWORK_ID gate mismatch", msg.PeerID)
		return
	}
	n.mu.Lock()
	expected := n.bootstrapSeen && msg.PeerID == n.bootstrapID
	n.mu.Unlock()
	if expected {
		n.setFirewalled(false)
	}
}

func (n *Node) replyPong(req *wire.Message, sender peerrecord.Record) {
	self := n.self()
	observed := sender
	msg := &wire.Message{
		Type: wire.Pong, PeerID: n.local, NetworkID: n.gate(),
		RPCID: req.RPCID, AllAddr: &self, CliAddr: &observed,
	}
	n.sendTo(sender, msg)
}

// handlePong resolves a matching RpcState waiter (registered either by
// a bootstrap PING in pingOnce or the routing table's eviction
// challenge) and, only then, inserts the sender via the solicited path.
// Unsolicited PONGs — no registered waiter — are dropped, per spec
// §4.7's DoS guard.
func (n *Node) handlePong(msg *wire.Message, sender peerrecord.Record) {
	if msg.RPCID == nil {
		return
	}
	hashed := id.HashRPC(*msg.RPCID, n.networkID)
	w, ok := n.rpcs.Resolve(hashed)
	if !ok {
		return
	}
	if pw, ok := w.(pingWaiter); ok {
		select {
		case pw <- msg:
		default:
		}
	}
	n.table.Insert(sender, true)
}

func (n *Node) replyFind(req *wire.Message, sender peerrecord.Record, wantValue bool) {
	if req.ID == nil {
		return
	}
	if wantValue {
		if v, ok := n.store.Get([32]byte(*req.ID)); ok {
			msg := &wire.Message{
				Type: wire.FoundValue, PeerID: n.local, NetworkID: n.gate(),
				ID: req.ID, Value: v, RPCID: req.RPCID,
			}
			n.sendTo(sender, msg)
			return
		}
	}
	nearest := n.table.NearestPeers(*req.ID, params.K)
	if len(nearest) == 0 {
		nearest = []peerrecord.Record{n.self()}
	}
	msg := &wire.Message{
		Type: wire.FoundNodes, PeerID: n.local, NetworkID: n.gate(),
		ID: req.ID, NearestNodes: nearest, RPCID: req.RPCID,
	}
	n.sendTo(sender, msg)
}

func (n *Node) resolveShortlist(msg *wire.Message, apply func(*shortlist.Shortlist)) {
	if msg.RPCID == nil {
		return
	}
	hashed := id.HashRPC(*msg.RPCID, n.networkID)
	w, ok := n.rpcs.Resolve(hashed)
	if !ok {
		return
	}
	sl, ok := w.(*shortlist.Shortlist)
	if !ok {
		return
	}
	apply(sl)
}

func (n *Node) replyFWPong(fromV4, fromV6 net.IP, senderPort uint16) {
	msg := &wire.Message{Type: wire.FWPong, PeerID: n.local, NetworkID: n.gate()}
	data, err := msg.Marshal()
	if err != nil {
		return
	}
	if err := n.probe.Send(fromV4, fromV6, senderPort+1, data); err != nil {
		log.Debugf("FW_PONG to %v/%v:%d failed: %s", fromV4, fromV6, senderPort+1, err)
	}
}

func (n *Node) sendTo(p peerrecord.Record, msg *wire.Message) {
	data, err := msg.Marshal()
	if err != nil {
		log.Debugf("marshal %s failed: %s", msg.Type, err)
		return
	}
	if err := n.main.Send(p.V4, p.V6, uint16(p.Port), data); err != nil {
		log.Debugf("send %s to %s failed: %s", msg.Type, p.ID, err)
	}
}

// challengeBucketHead implements routing.PingFn: send a liveness PING
// to a bucket head the table has just evicted and, only if it answers before
// RPC_TIMEOUT, resurrect it via a solicited re-insertion (which, per
// the table's head-biased eviction policy, lands it at position K/4
// rather than the tail — spec §4.4's "otherwise" branch, Open Question
// resolved in favour of head-biased re-insertion).
func (n *Node) challengeBucketHead(target peerrecord.Record, rpcID id.ID) {
	hashed := id.HashRPC(rpcID, n.networkID)
	waiter := make(pingWaiter, 1)
	n.rpcs.Register(hashed, waiter)

	msg := &wire.Message{Type: wire.Ping, PeerID: n.local, NetworkID: n.gate(), RPCID: &rpcID}
	data, err := msg.Marshal()
	if err != nil {
		n.rpcs.Forget(hashed)
		return
	}
	if err := n.main.Send(target.V4, target.V6, uint16(target.Port), data); err != nil {
		n.rpcs.Forget(hashed)
		return
	}

	go func() {
		select {
		case <-waiter:
			n.table.Insert(target, true)
		case <-time.After(params.RPCTimeout):
			n.rpcs.Forget(hashed)
		}
	}()
}
