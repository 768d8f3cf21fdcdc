// Package node wires every other component into one running DHT
// participant (spec C7): the routing table, the transport, the lookup
// engine, the RPC waiter set and the local value store, plus the public
// Get/Put operations and the bootstrap sequence. It is the equivalent
// of dht3k's pydht.DHT class, generalised from a single-threaded UDP
// request handler to the TCP+TLS transport and generic RpcState waiter
// built up in the packages it imports.
package node

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log"

	"github.com/dht3k/kaddht/internal/id"
	"github.com/dht3k/kaddht/internal/lookup"
	"github.com/dht3k/kaddht/internal/params"
	"github.com/dht3k/kaddht/internal/peerrecord"
	"github.com/dht3k/kaddht/internal/routing"
	"github.com/dht3k/kaddht/internal/rpcstate"
	"github.com/dht3k/kaddht/internal/store"
	"github.com/dht3k/kaddht/internal/transport"
	"github.com/dht3k/kaddht/internal/upnp"
	"github.com/dht3k/kaddht/internal/wire"
)

var log = logging.Logger("node")

// ErrNetwork reports a bootstrap failure that leaves the node unable to
// reach the overlay, mirroring dht3k's DHT.NetworkError (spec §4.7 step
// 2/5, "permanent failure").
type ErrNetwork struct {
	Reason string
}

func (e *ErrNetwork) Error() string {
	return fmt.Sprintf("dht network error: %s", e.Reason)
}

// pingWaiter is the RpcState waiter registered for a liveness PING —
// either the table's eviction challenge (routing.PingFn) or a
// bootstrap PING. It carries the PONG straight back to whichever
// goroutine is waiting on it.
type pingWaiter chan *wire.Message

// Node is one running DHT participant.
type Node struct {
	cfg       params.Config
	local     id.ID
	networkID id.ID

	table *routing.Table
	rpcs  *rpcstate.State
	store store.Storage

	main   *transport.Transport
	probe  *transport.Transport
	lookup *lookup.Engine

	selfV4, selfV6 net.IP

	mu             sync.Mutex
	bootstrapID    id.ID
	bootstrapRec   peerrecord.Record
	bootstrapSeen  bool
	firewalled     atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Node from cfg and the given address families (at least
// one of v4/v6 must be non-nil) and TLS material, but does not yet
// bind any socket; call Start to do that.
func New(cfg params.Config, v4, v6 net.IP, material *transport.TLSMaterial) (*Node, error) {
	local := id.MustRandomID()
	n := &Node{
		cfg:       cfg,
		local:     local,
		networkID: id.ID(cfg.NetworkID),
		store:     store.NewMemoryStore(),
		rpcs:      rpcstate.New(cfg.RPCTimeout),
		selfV4:    v4,
		selfV6:    v6,
		stopCh:    make(chan struct{}),
	}
	n.firewalled.Store(true) // unproven until an FW_PONG from the bootstrap peer reaches the probe listener

	filter, err := routing.NewDiversityFilter(cfg.AllowPrivateNet, 0)
	if err != nil {
		return nil, fmt.Errorf("building diversity filter: %w", err)
	}
	n.table = routing.New(local, n.challengeBucketHead, filter)
	n.table.PeerAdded = func(p peerrecord.Record) { log.Debugf("peer added: %s", p.ID) }
	n.table.PeerRemoved = func(p peerrecord.Record) { log.Debugf("peer removed: %s", p.ID) }

	n.main = transport.New(uint16(cfg.Port), material, n.handleMain, cfg.Workers)
	n.probe = transport.New(uint16(cfg.Port+1), material, n.handleProbe, cfg.Workers)
	n.lookup = lookup.New(local, n.networkID, n.table, n.rpcs, n.main)
	return n, nil
}

// Start binds the main and firewall-probe listeners and, if
// cfg.TryUPnP is set, attempts to map both ports on the LAN gateway.
func (n *Node) Start(bindV4, bindV6 string) error {
	if err := n.main.Start(bindV4, bindV6); err != nil {
		return fmt.Errorf("starting main listener: %w", err)
	}
	if err := n.probe.Start(bindV4, bindV6); err != nil {
		n.main.Close()
		return fmt.Errorf("starting probe listener: %w", err)
	}
	if n.cfg.TryUPnP {
		if !upnp.TryMapPort(n.cfg.Port, n.cfg.Port) {
			log.Debugf("upnp: no gateway mapped main port %d", n.cfg.Port)
		}
		if !upnp.TryMapPort(n.cfg.Port+1, n.cfg.Port+1) {
			log.Debugf("upnp: no gateway mapped probe port %d", n.cfg.Port+1)
		}
	}
	return nil
}

// Close stops any running maintenance loops and releases both
// listeners.
func (n *Node) Close() {
	select {
	case <-n.stopCh:
	default:
		close(n.stopCh)
	}
	n.wg.Wait()
	n.main.Close()
	n.probe.Close()
}

// ID returns the node's own identifier.
func (n *Node) ID() id.ID { return n.local }

// Firewalled reports whether this node still lacks proof that
// unsolicited inbound traffic reaches it (spec §4.8 firewall check).
func (n *Node) Firewalled() bool { return n.firewalled.Load() }

func (n *Node) setFirewalled(v bool) {
	if n.firewalled.Swap(v) != v {
		log.Debugf("firewalled state changed to %v", v)
	}
}

// self returns this node's own peer record, well-connected from its
// own point of view (used in ALL_ADDR and in the "fall back to self"
// branch of FIND_NODE/FIND_VALUE handling).
func (n *Node) self() peerrecord.Record {
	n.mu.Lock()
	v4, v6 := n.selfV4, n.selfV6
	n.mu.Unlock()
	return peerrecord.New(n.cfg.Port, n.local, v4, v6, true)
}

// gate computes this node's NETWORK_ID wire value for an outbound
// message (spec §6: H(sender_id ∥ shared_network_id)), so the shared
// secret in n.networkID never has to be transmitted itself.
func (n *Node) gate() id.ID {
	return id.NetworkGate(n.local, n.networkID)
}

// verifyGate reports whether msg's NETWORK_ID matches what its claimed
// PEER_ID should have produced with this node's own shared secret.
// Any message failing this check must be dropped before dispatch: it
// either comes from a different overlay or from a sender that never
// learned the shared secret at all.
func (n *Node) verifyGate(msg *wire.Message) bool {
	return msg.NetworkID == id.NetworkGate(msg.PeerID, n.networkID)
}

// Put implements spec §4.7's put: locate the K nodes closest to the
// key's hash, ask each to store the value, and keep a local copy too.
// It returns once every STORE has been dispatched, not acknowledged.
func (n *Node) Put(key, value []byte) error {
	hk := id.Hash(key)
	peers := n.lookup.FindNode(hk, nil)
	n.store.Set([32]byte(hk), value)

	msg := &wire.Message{Type: wire.Store, PeerID: n.local, NetworkID: n.gate(), ID: &hk, Value: value}
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal STORE: %w", err)
	}
	for _, p := range peers {
		if err := n.main.Send(p.V4, p.V6, uint16(p.Port), data); err != nil {
			log.Debugf("STORE to %s failed: %s", p.ID, err)
		}
	}
	return nil
}

// Get implements spec §4.7's get: a local hit short-circuits the
// network lookup entirely.
func (n *Node) Get(key []byte) ([]byte, bool) {
	hk := id.Hash(key)
	if v, ok := n.store.Get([32]byte(hk)); ok {
		return v, true
	}
	return n.lookup.FindValue(hk, nil)
}
