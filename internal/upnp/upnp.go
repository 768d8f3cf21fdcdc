// Package upnp attempts to open a port on the local gateway via
// UPnP IGD, a best-effort convenience for nodes behind a home router
// (spec §12 supplemented feature: nodes without it simply run
// firewalled, which the firewall-penalty scoring in internal/routing
// already accounts for). Failure is never fatal to starting the node.
package upnp

import (
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("upnp")

const mappingDuration = 0 // 0 = until explicitly removed or router reboot

// TryMapPort attempts to forward externalPort to this host's internalPort
// over TCP via the first IGDv1 WANIPConnection or WANPPPConnection
// service discovered on the LAN. It returns false on any failure —
// no gateway, no UPnP support, a router that refuses the mapping —
// and never returns an error the caller must act on.
func TryMapPort(internalPort, externalPort int) bool {
	clients1, _, err := internetgateway1.NewWANIPConnection1Clients()
	if err == nil && len(clients1) > 0 {
		return addPortMapping(clients1[0], internalPort, externalPort)
	}

	ppp, _, err := internetgateway1.NewWANPPPConnection1Clients()
	if err == nil && len(ppp) > 0 {
		return addPortMappingPPP(ppp[0], internalPort, externalPort)
	}

	log.Debug("upnp: no IGD gateway discovered")
	return false
}

type ipConnAdder interface {
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	GetExternalIPAddress() (string, error)
}

func addPortMapping(c *internetgateway1.WANIPConnection1, internalPort, externalPort int) bool {
	return addPortMappingVia(c, internalPort, externalPort)
}

func addPortMappingPPP(c *internetgateway1.WANPPPConnection1, internalPort, externalPort int) bool {
	return addPortMappingVia(c, internalPort, externalPort)
}

func addPortMappingVia(c ipConnAdder, internalPort, externalPort int) bool {
	internalClient, err := c.GetExternalIPAddress()
	if err != nil {
		log.Debugf("upnp: could not determine external address: %s", err)
	}
	_ = internalClient // informational only; the mapping itself uses this host's LAN address via the router's own resolution

	desc := fmt.Sprintf("kaddht %d", time.Now().Unix()%1_000_000)
	err = c.AddPortMapping("", uint16(externalPort), "TCP", uint16(internalPort), localAddr(), true, desc, mappingDuration)
	if err != nil {
		log.Debugf("upnp: AddPortMapping failed: %s", err)
		return false
	}
	return true
}

// localAddr guesses this host's LAN address by opening a UDP "connection"
// to a public address and reading back the chosen local endpoint — no
// packet is actually sent. Falls back to empty string, which lets the
// router substitute the address it saw the request come from.
func localAddr() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
