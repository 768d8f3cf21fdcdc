package routing

import (
	"net"
	"sync"

	"github.com/libp2p/go-cidranger"
	asnutil "github.com/libp2p/go-libp2p-asn-util"
)

// DiversityFilter guards bucket insertion against eclipse-attack-shaped
// peer sets: it rejects bogon/private-range addresses outright (unless
// explicitly allowed, for local testing) and caps how many peers from a
// single ASN may occupy one bucket. This mirrors the job the real
// upstream go-libp2p-kbucket's PeerDiversityFilter does with the same
// two dependencies (go-cidranger for the range check, go-libp2p-asn-util
// for the ASN lookup); spec §4.4's firewall penalty and this filter are
// complementary, not overlapping, neighbour-selection signals. The ASN
// lookup covers IPv6 addresses only: a peer checked by its IPv4 address
// is never counted against an ASN cap.
type DiversityFilter struct {
	bogons          cidranger.Ranger
	allowPrivateNet bool
	maxPerASN       int

	mu       sync.Mutex
	asnCount map[int]map[string]int // bucket index -> asn -> count
}

// defaultBogonRanges are the non-globally-routable IPv4/IPv6 ranges a
// production overlay should not route through unless explicitly
// permitted.
var defaultBogonRanges = []string{
	"0.0.0.0/8", "10.0.0.0/8", "127.0.0.0/8", "169.254.0.0/16",
	"172.16.0.0/12", "192.168.0.0/16", "198.18.0.0/15",
	"::1/128", "fc00::/7", "fe80::/10",
}

// NewDiversityFilter builds a filter. maxPerASN <= 0 disables the ASN
// cap (useful for tests run on a single host/ASN).
func NewDiversityFilter(allowPrivateNet bool, maxPerASN int) (*DiversityFilter, error) {
	ranger := cidranger.NewPCTrieRanger()
	for _, cidr := range defaultBogonRanges {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, err
		}
	}
	return &DiversityFilter{
		bogons:          ranger,
		allowPrivateNet: allowPrivateNet,
		maxPerASN:       maxPerASN,
		asnCount:        make(map[int]map[string]int),
	}, nil
}

// Allow reports whether a candidate address may occupy bucket b. It does
// not mutate accounting state; call Accept once the caller has decided
// to actually insert the peer.
func (f *DiversityFilter) Allow(bucket int, ip net.IP) bool {
	if f == nil || ip == nil {
		return true
	}
	if !f.allowPrivateNet {
		if bogon, _ := f.bogons.Contains(ip); bogon {
			return false
		}
	}
	if f.maxPerASN <= 0 {
		return true
	}
	asn, err := asnForIP(ip)
	if err != nil || asn == "" {
		return true // unresolvable ASN: do not punish the peer for it
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.asnCount[bucket][asn] < f.maxPerASN
}

// Accept records that a peer at ip has been inserted into bucket b,
// updating the ASN accounting used by future Allow calls.
func (f *DiversityFilter) Accept(bucket int, ip net.IP) {
	if f == nil || ip == nil || f.maxPerASN <= 0 {
		return
	}
	asn, err := asnForIP(ip)
	if err != nil || asn == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.asnCount[bucket] == nil {
		f.asnCount[bucket] = make(map[string]int)
	}
	f.asnCount[bucket][asn]++
}

// Forget reverses Accept, called when a peer is evicted.
func (f *DiversityFilter) Forget(bucket int, ip net.IP) {
	if f == nil || ip == nil || f.maxPerASN <= 0 {
		return
	}
	asn, err := asnForIP(ip)
	if err != nil || asn == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.asnCount[bucket]; m != nil && m[asn] > 0 {
		m[asn]--
	}
}

func asnForIP(ip net.IP) (string, error) {
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil {
		return asnutil.Store.AsnForIPv6(v6)
	}
	return "", nil
}
