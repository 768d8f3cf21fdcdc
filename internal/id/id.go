// Package id implements the overlay's 256-bit identifier space: the XOR
// metric, bucket placement, and identifier generation/hashing (spec C1).
package id

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"math/big"

	sha256simd "github.com/minio/sha256-simd"

	"github.com/dht3k/kaddht/internal/params"
)

// ID is an opaque 256-bit node or key identifier. It has no internal
// structure; the overlay treats it purely as a bit string under the XOR
// metric.
type ID [params.IDBytes]byte

// Zero is the all-zero ID, used as the placeholder identity of a
// not-yet-identified bootstrap peer (spec §4.7 step 1).
var Zero ID

func (i ID) String() string {
	return hex.EncodeToString(i[:])
}

// Bytes returns the identifier's raw bytes.
func (i ID) Bytes() []byte {
	return i[:]
}

// FromBytes copies b into an ID. It returns false if b is not exactly
// IDBytes long.
func FromBytes(b []byte) (ID, bool) {
	var out ID
	if len(b) != params.IDBytes {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

// Equal reports whether two identifiers are the same bit string.
func (i ID) Equal(o ID) bool {
	return i == o
}

// XOR returns the bitwise XOR distance between two identifiers, per
// spec §4.1.
func XOR(a, b ID) ID {
	var out ID
	for n := 0; n < len(out); n++ {
		out[n] = a[n] ^ b[n]
	}
	return out
}

// DistanceInt interprets the XOR distance between a and b as a 256-bit
// big-endian unsigned integer, for use by testable-property checks and
// anywhere exact numeric comparison (rather than just bucket placement)
// is needed.
func DistanceInt(a, b ID) *big.Int {
	x := XOR(a, b)
	return new(big.Int).SetBytes(x[:])
}

// Less reports whether a is strictly closer to key than b is.
func Less(key, a, b ID) bool {
	return DistanceInt(key, a).Cmp(DistanceInt(key, b)) < 0
}

// BucketIndex returns floor(log2(self XOR other)), clamped to
// [0, IDBits-1]. Per spec §3, callers must not insert a peer whose id
// equals self; BucketIndex itself follows the convention of the
// reference implementation's largest_differing_bit and returns 0 for
// equal identifiers rather than signalling an error — the "no self
// insert" rule lives in the routing table, not here.
func BucketIndex(self, other ID) int {
	x := XOR(self, other)
	// Most-significant set bit, scanning from byte 0 (most significant).
	for byteIdx := 0; byteIdx < len(x); byteIdx++ {
		b := x[byteIdx]
		if b == 0 {
			continue
		}
		bitInByte := 0
		for shift := 7; shift >= 0; shift-- {
			if b&(1<<uint(shift)) != 0 {
				bitInByte = shift
				break
			}
		}
		bit := (len(x)-1-byteIdx)*8 + bitInByte
		if bit > params.IDBits-1 {
			return params.IDBits - 1
		}
		if bit < 0 {
			return 0
		}
		return bit
	}
	return 0
}

// RandomID draws a cryptographically random identifier, per spec §4.1.
func RandomID() (ID, error) {
	var out ID
	if _, err := rand.Read(out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// MustRandomID panics on entropy-source failure; used at call sites
// (RPC nonce generation) where there is no useful recovery from
// /dev/urandom being unavailable.
func MustRandomID() ID {
	out, err := RandomID()
	if err != nil {
		panic(err)
	}
	return out
}

// Hash computes SHA-256 over data using the accelerated, architecture
// -dispatching implementation from minio/sha256-simd rather than
// crypto/sha256, matching the teacher's own dependency on the package
// for exactly this purpose.
func Hash(data []byte) ID {
	sum := sha256simd.Sum256(data)
	return ID(sum)
}

// HashRPC computes the hashed_rpc_id = H(rpc_id || network_id) keying
// scheme from spec §3, so that only peers who know networkID can
// synthesise valid replies.
func HashRPC(rpcID ID, networkID [params.IDBytes]byte) ID {
	buf := make([]byte, 0, params.IDBytes*2)
	buf = append(buf, rpcID[:]...)
	buf = append(buf, networkID[:]...)
	return Hash(buf)
}

// NetworkGate computes the wire NETWORK_ID field of spec §6:
// H(sender_id ∥ shared_network_id). The 32-byte shared secret never
// goes on the wire itself; a receiver recomputes this gate from the
// message's own PEER_ID and its locally configured secret and must
// reject the message if the two disagree, per spec §9's segregation
// requirement.
func NetworkGate(senderID ID, sharedSecret [params.IDBytes]byte) ID {
	buf := make([]byte, 0, params.IDBytes*2)
	buf = append(buf, senderID[:]...)
	buf = append(buf, sharedSecret[:]...)
	return Hash(buf)
}

// Compare gives a total order over identifiers, used only for
// deterministic test fixtures (insertion-order tie-breaks are handled
// elsewhere).
func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}
