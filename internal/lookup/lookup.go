// Package lookup implements the iterative FIND_NODE/FIND_VALUE drivers
// (spec C6): seed a shortlist from the routing table, fan a bounded
// number of concurrent requests out to its unqueried members, fold
// replies back in, and repeat until convergence or, for FIND_VALUE, an
// early hit.
package lookup

import (
	"net"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/dht3k/kaddht/internal/id"
	"github.com/dht3k/kaddht/internal/params"
	"github.com/dht3k/kaddht/internal/peerrecord"
	"github.com/dht3k/kaddht/internal/routing"
	"github.com/dht3k/kaddht/internal/rpcstate"
	"github.com/dht3k/kaddht/internal/shortlist"
	"github.com/dht3k/kaddht/internal/wire"
)

var log = logging.Logger("lookup")

// Sender is the narrow transport capability the lookup engine needs:
// hand a marshaled message to a peer's address. Implemented by
// *transport.Transport; kept as an interface here so this package
// never imports transport and stays testable with a fake.
type Sender interface {
	Send(v4, v6 net.IP, port uint16, data []byte) error
}

// Engine drives iterative lookups on behalf of one local node.
type Engine struct {
	Local     id.ID
	NetworkID id.ID
	Table     *routing.Table
	RPCs      *rpcstate.State
	Sender    Sender
}

// New builds a lookup Engine.
func New(local, networkID id.ID, table *routing.Table, rpcs *rpcstate.State, sender Sender) *Engine {
	return &Engine{Local: local, NetworkID: networkID, Table: table, RPCs: rpcs, Sender: sender}
}

// FindNode runs the iterative FIND_NODE algorithm of spec §4.6 and
// returns the converged shortlist's contents.
func (e *Engine) FindNode(target id.ID, bootstrap *peerrecord.Record) []peerrecord.Record {
	sl := e.seed(target, bootstrap)
	e.iterate(target, sl, false)
	return sl.Peers()
}

// FindValue runs the iterative FIND_VALUE algorithm of spec §4.6,
// returning (value, true) on a hit and (nil, false) if the K closest
// known peers are exhausted without one.
func (e *Engine) FindValue(target id.ID, bootstrap *peerrecord.Record) ([]byte, bool) {
	sl := e.seed(target, bootstrap)
	e.iterate(target, sl, true)
	return sl.CompletionResult(params.SleepWait)
}

func (e *Engine) seed(target id.ID, bootstrap *peerrecord.Record) *shortlist.Shortlist {
	sl := shortlist.New(target)
	sl.Update(e.Table.NearestPeers(target, params.K))
	if bootstrap != nil {
		sl.Update([]peerrecord.Record{*bootstrap})
	}
	return sl
}

// iterate runs rounds of α-concurrent requests until the shortlist
// converges (every known candidate queried) or, for a value lookup,
// a FOUND_VALUE resolves it early.
func (e *Engine) iterate(target id.ID, sl *shortlist.Shortlist, wantValue bool) {
	for !sl.Converged() {
		if wantValue && sl.IsDone() {
			return
		}
		batch := sl.NextIteration(params.Alpha)
		if len(batch) == 0 {
			return
		}
		for _, peer := range batch {
			e.query(peer, target, sl, wantValue)
		}
		time.Sleep(params.SleepWait)
	}
}

// query sends one FIND_NODE or FIND_VALUE to peer, registering the
// shortlist itself as the RpcState waiter so the node's inbound
// dispatcher can resolve the reply directly into it (spec §3
// "waiter is ... a shortlist to update on reply").
func (e *Engine) query(peer peerrecord.Record, target id.ID, sl *shortlist.Shortlist, wantValue bool) {
	rpcID := id.MustRandomID()
	hashed := id.HashRPC(rpcID, e.NetworkID)
	e.RPCs.Register(hashed, sl)

	msgType := wire.FindNode
	if wantValue {
		msgType = wire.FindValue
	}
	msg := &wire.Message{
		Type:      msgType,
		PeerID:    e.Local,
		NetworkID: id.NetworkGate(e.Local, e.NetworkID),
		ID:        &target,
		RPCID:     &rpcID,
	}
	data, err := msg.Marshal()
	if err != nil {
		log.Debugf("lookup: marshal failed: %s", err)
		e.RPCs.Forget(hashed)
		return
	}
	if err := e.Sender.Send(peer.V4, peer.V6, uint16(peer.Port), data); err != nil {
		log.Debugf("lookup: send to %s failed: %s", peer.ID, err)
		e.RPCs.Forget(hashed)
	}
}
