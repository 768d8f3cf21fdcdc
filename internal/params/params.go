// Package params collects every tunable constant of the overlay in one
// place, the way the teacher's NewRoutingTable constructor takes its knobs
// as explicit arguments instead of reaching for package-level globals.
package params

import "time"

// Fixed protocol constants. These are not configurable: changing them
// changes wire compatibility with the rest of the overlay.
const (
	// K is the bucket capacity and the result-set size of a lookup.
	K = 20
	// Alpha is the concurrency degree of iterative lookups.
	Alpha = 3
	// IDBytes is the width of a NodeId, in bytes.
	IDBytes = 32
	// IDBits is the width of a NodeId, in bits.
	IDBits = IDBytes * 8
	// MinIPLen/MaxIPLen bound the accepted length of a packed IP field.
	MinIPLen = 4
	MaxIPLen = 16
	// MinPort/MaxPort bound an accepted advertised port. Ports below
	// 1024 are rejected as a cheap defense against reflecting traffic
	// off well-known services. spec §4.2's parser text allows anything
	// below 2^32, but §3's data model types PORT as u16, so MaxPort
	// stays at the u16 ceiling rather than the parser's looser bound.
	MinPort = 1024
	MaxPort = 1<<16 - 1
	// MaxMsgSize bounds a single wire frame's message payload.
	MaxMsgSize = 3 * 1024
	// Backlog is the listen backlog depth for the main and firewall-probe
	// listeners.
	Backlog = 100
	// Workers bounds the goroutine pool backing inbound request handling.
	Workers = 40
)

// Timing constants, expressed as durations so call sites never have to
// remember a unit.
const (
	SleepWait      = 1 * time.Second
	RPCTimeout     = 30 * time.Second
	Timeout        = 5 * time.Second
	ReuseTime      = 30 * time.Second
	BucketRefresh  = 1200 * time.Second
	FirewallCheck  = 3600 * time.Second
	BootstrapRetry = 3 * SleepWait
)

// DefaultPort is the main protocol listener's default port. The
// firewall-probe listener binds DefaultPort+1.
const DefaultPort = 7339

// FWPenalty strictly dominates any possible XOR distance (which fits in
// IDBits bits), so adding it to a firewalled peer's score always sorts
// that peer after every well-connected peer of equal or lesser proximity.
// 2^(IDBits+1) is expressed as a big.Int by callers that need it; as a
// plain constant it would overflow any native integer type, so it is
// provided as a derivation helper instead of a literal.
const FWPenaltyExponent = IDBits + 1

// DefaultNetworkID is the fixed 32-byte shared secret segregating overlays
// that otherwise share a wire protocol. Operators running a private
// overlay are expected to override this; it is carried here, byte for
// byte, from the reference implementation's constant so that test
// vectors keep matching across re-implementations.
var DefaultNetworkID = [IDBytes]byte{
	0xc4, 0x82, 0x7b, 0x0e, 0xf3, 0x99, 0x9f, 0x10,
	0x2e, 0x6d, 0x3d, 0x12, 0xef, 0x33, 0x19, 0x5b,
	0x51, 0xac, 0x14, 0x47, 0xc9, 0x8f, 0x74, 0xb5,
	0xb2, 0x7a, 0xb6, 0x84, 0x91, 0x24, 0xac, 0x03,
}

// Config carries the node's settings. Callers start from Default(),
// override what they need, and pass it to node.New; zero-valued fields
// are not replaced with defaults. node.New reads Port, NetworkID,
// RPCTimeout, Workers, TryUPnP and AllowPrivateNet; the other fields
// mirror the package constants, which the rest of the module uses
// directly.
type Config struct {
	Port            int
	NetworkID       [IDBytes]byte
	BucketSize      int
	Alpha           int
	SleepWait       time.Duration
	RPCTimeout      time.Duration
	Timeout         time.Duration
	ReuseTime       time.Duration
	BucketRefresh   time.Duration
	FirewallCheck   time.Duration
	Workers         int
	MaxMsgSize      int
	Backlog         int
	TryUPnP         bool
	AllowPrivateNet bool // disable the bogon/private-range guard, for local testing
}

// Default returns a Config populated with the overlay's standard
// constants.
func Default() Config {
	return Config{
		Port:          DefaultPort,
		NetworkID:     DefaultNetworkID,
		BucketSize:    K,
		Alpha:         Alpha,
		SleepWait:     SleepWait,
		RPCTimeout:    RPCTimeout,
		Timeout:       Timeout,
		ReuseTime:     ReuseTime,
		BucketRefresh: BucketRefresh,
		FirewallCheck: FirewallCheck,
		Workers:       Workers,
		MaxMsgSize:    MaxMsgSize,
		Backlog:       Backlog,
		TryUPnP:       false,
	}
}
