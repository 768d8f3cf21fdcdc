package node

import (
	"fmt"
	"net"
	"time"

	"github.com/dht3k/kaddht/internal/id"
	"github.com/dht3k/kaddht/internal/params"
	"github.com/dht3k/kaddht/internal/peerrecord"
	"github.com/dht3k/kaddht/internal/wire"
)

// Bootstrap joins the overlay through a known seed, following spec
// §4.7's five-step sequence: learn the seed's real identity and our
// own observed address from its first PONG, corroborate with a second
// PING, then run one FIND_NODE to actually populate the routing table.
func (n *Node) Bootstrap(host string, port int) error {
	ip, err := resolveOne(host)
	if err != nil {
		return &ErrNetwork{Reason: fmt.Sprintf("resolving %s: %s", host, err)}
	}
	provisional := peerrecord.New(port, id.Zero, v4Of(ip), v6Of(ip), false)

	pong, err := n.pingWithRetry(provisional)
	if err != nil {
		return err
	}
	if pong.AllAddr == nil {
		return &ErrNetwork{Reason: "bootstrap PONG missing ALL_ADDR"}
	}
	identified := *pong.AllAddr
	n.adoptObservedAddress(pong.CliAddr)

	n.mu.Lock()
	n.bootstrapID = identified.ID
	n.bootstrapRec = identified
	n.bootstrapSeen = true
	n.mu.Unlock()
	n.table.Insert(identified, true)

	// Second PING corroborates the observed address; its result isn't
	// otherwise load-bearing, so a failure here only logs.
	if pong2, err := n.pingWithRetry(identified); err == nil && pong2.CliAddr != nil {
		n.adoptObservedAddress(pong2.CliAddr)
	}

	target := id.MustRandomID()
	n.lookup.FindNode(target, &identified)
	if n.table.Size() == 0 {
		time.Sleep(params.BootstrapRetry)
		n.lookup.FindNode(id.MustRandomID(), &identified)
		if n.table.Size() == 0 {
			return &ErrNetwork{Reason: "no neighbours after bootstrap FIND_NODE"}
		}
	}
	return nil
}

// pingWithRetry sends a PING to target and waits SLEEP_WAIT for a
// PONG, retrying once after BOOTSTRAP_RETRY (3·SLEEP_WAIT) before
// giving up.
func (n *Node) pingWithRetry(target peerrecord.Record) (*wire.Message, error) {
	pong, err := n.pingOnce(target, params.SleepWait)
	if err == nil {
		return pong, nil
	}
	time.Sleep(params.BootstrapRetry)
	pong, err = n.pingOnce(target, params.BootstrapRetry)
	if err != nil {
		return nil, &ErrNetwork{Reason: fmt.Sprintf("no PONG from bootstrap peer: %s", err)}
	}
	return pong, nil
}

func (n *Node) pingOnce(target peerrecord.Record, wait time.Duration) (*wire.Message, error) {
	rpcID := id.MustRandomID()
	hashed := id.HashRPC(rpcID, n.networkID)
	waiter := make(pingWaiter, 1)
	n.rpcs.Register(hashed, waiter)

	msg := &wire.Message{Type: wire.Ping, PeerID: n.local, NetworkID: n.gate(), RPCID: &rpcID}
	data, err := msg.Marshal()
	if err != nil {
		n.rpcs.Forget(hashed)
		return nil, err
	}
	if err := n.main.Send(target.V4, target.V6, uint16(target.Port), data); err != nil {
		n.rpcs.Forget(hashed)
		return nil, err
	}

	select {
	case pong := <-waiter:
		return pong, nil
	case <-time.After(wait):
		n.rpcs.Forget(hashed)
		return nil, fmt.Errorf("timed out waiting %s", wait)
	}
}

// adoptObservedAddress applies the "light STUN-equivalent" of spec
// §4.7 step 3: a peer-observed CLI_ADDR fills in whichever address
// family we did not already configure explicitly, and only logs a
// warning — never overrides — on disagreement with one we did.
func (n *Node) adoptObservedAddress(cli *peerrecord.Record) {
	if cli == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.selfV4 == nil {
		n.selfV4 = cli.V4
	} else if cli.V4 != nil && !n.selfV4.Equal(cli.V4) {
		log.Warnf("bootstrap peer observed v4 %s, keeping configured %s", cli.V4, n.selfV4)
	}
	if n.selfV6 == nil {
		n.selfV6 = cli.V6
	} else if cli.V6 != nil && !n.selfV6.Equal(cli.V6) {
		log.Warnf("bootstrap peer observed v6 %s, keeping configured %s", cli.V6, n.selfV6)
	}
}

func resolveOne(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return ips[0], nil
}

func v4Of(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return nil
}

func v6Of(ip net.IP) net.IP {
	if ip.To4() != nil {
		return nil
	}
	if v6 := ip.To16(); v6 != nil {
		return v6
	}
	return nil
}
