// Package peerrecord implements the address-tuple peer record (spec C2):
// its invariants, its wire encoding, and the merge-on-reinsertion rule
// used by the routing table.
package peerrecord

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/dht3k/kaddht/internal/id"
	"github.com/dht3k/kaddht/internal/params"
)

// ErrInvalidRecord is returned by Validate and Decode when a record
// fails any of the invariants in spec §4.2.
var ErrInvalidRecord = errors.New("invalid peer record")

// Record is a peer's address tuple: port, node id, and at least one of
// an IPv4 or IPv6 address. WellConnected records that this peer has
// proved it answers unsolicited traffic (spec §3).
type Record struct {
	Port          int
	ID            id.ID
	V4            net.IP // 4-byte form, or nil
	V6            net.IP // 16-byte form, or nil
	WellConnected bool
}

// New builds a Record, normalising the IP fields to their packed forms.
func New(port int, nodeID id.ID, v4, v6 net.IP, wellConnected bool) Record {
	r := Record{Port: port, ID: nodeID, WellConnected: wellConnected}
	if v4 != nil {
		if v4c := v4.To4(); v4c != nil {
			r.V4 = v4c
		}
	}
	if v6 != nil {
		if v6c := v6.To16(); v6c != nil && v6.To4() == nil {
			r.V6 = v6c
		}
	}
	return r
}

// Validate checks the invariants from spec §4.2: port range, id length
// (guaranteed by the id.ID type itself), and packed IP field lengths.
func (r Record) Validate() error {
	if r.Port < params.MinPort || r.Port > params.MaxPort {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidRecord, r.Port)
	}
	if r.V4 == nil && r.V6 == nil {
		return fmt.Errorf("%w: no address family present", ErrInvalidRecord)
	}
	if r.V4 != nil && len(r.V4) != 4 {
		return fmt.Errorf("%w: v4 length %d", ErrInvalidRecord, len(r.V4))
	}
	if r.V6 != nil && len(r.V6) != 16 {
		return fmt.Errorf("%w: v6 length %d", ErrInvalidRecord, len(r.V6))
	}
	return nil
}

// AddressV4 returns the (ip, port) dial target for the v4 family, if
// present.
func (r Record) AddressV4() (string, bool) {
	if r.V4 == nil {
		return "", false
	}
	return fmt.Sprintf("%s:%d", r.V4.String(), r.Port), true
}

// AddressV6 returns the (ip, port) dial target for the v6 family, if
// present.
func (r Record) AddressV6() (string, bool) {
	if r.V6 == nil {
		return "", false
	}
	return fmt.Sprintf("[%s]:%d", r.V6.String(), r.Port), true
}

// MergeFrom fills in address families missing on r from old, used when
// a peer re-registers under the same id with only one family visible
// (spec §3 "addresses may be merged on re-insertion").
func (r Record) MergeFrom(old Record) Record {
	if r.V4 == nil {
		r.V4 = old.V4
	}
	if r.V6 == nil {
		r.V6 = old.V6
	}
	return r
}

// Encode serialises a Record to its wire tuple form: packed IP bytes,
// never strings, per spec §4.2.
func (r Record) Encode() []byte {
	// layout: u32 port | 32B id | u8 v4present | (4B v4) | u8 v6present | (16B v6) | u8 wellConnected
	buf := make([]byte, 0, 4+params.IDBytes+1+4+1+16+1)
	var portB [4]byte
	binary.BigEndian.PutUint32(portB[:], uint32(r.Port))
	buf = append(buf, portB[:]...)
	buf = append(buf, r.ID.Bytes()...)
	if r.V4 != nil {
		buf = append(buf, 1)
		buf = append(buf, r.V4...)
	} else {
		buf = append(buf, 0)
	}
	if r.V6 != nil {
		buf = append(buf, 1)
		buf = append(buf, r.V6...)
	} else {
		buf = append(buf, 0)
	}
	if r.WellConnected {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// Decode parses a Record from its wire tuple form, validating every
// field per spec §4.2. An invalid record is reported, never silently
// truncated.
func Decode(b []byte) (Record, error) {
	min := 4 + params.IDBytes + 1 + 1 + 1
	if len(b) < min {
		return Record{}, fmt.Errorf("%w: short record (%d bytes)", ErrInvalidRecord, len(b))
	}
	off := 0
	port := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	nodeID, ok := id.FromBytes(b[off : off+params.IDBytes])
	if !ok {
		return Record{}, fmt.Errorf("%w: bad id length", ErrInvalidRecord)
	}
	off += params.IDBytes

	var v4, v6 net.IP
	if off >= len(b) {
		return Record{}, fmt.Errorf("%w: truncated", ErrInvalidRecord)
	}
	v4present := b[off]
	off++
	if v4present == 1 {
		if off+4 > len(b) {
			return Record{}, fmt.Errorf("%w: truncated v4", ErrInvalidRecord)
		}
		v4 = append(net.IP(nil), b[off:off+4]...)
		off += 4
	}
	if off >= len(b) {
		return Record{}, fmt.Errorf("%w: truncated", ErrInvalidRecord)
	}
	v6present := b[off]
	off++
	if v6present == 1 {
		if off+16 > len(b) {
			return Record{}, fmt.Errorf("%w: truncated v6", ErrInvalidRecord)
		}
		v6 = append(net.IP(nil), b[off:off+16]...)
		off += 16
	}
	if off >= len(b) {
		return Record{}, fmt.Errorf("%w: truncated", ErrInvalidRecord)
	}
	wellConnected := b[off] == 1

	r := Record{
		Port:          int(port),
		ID:            nodeID,
		V4:            v4,
		V6:            v6,
		WellConnected: wellConnected,
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// EncodeList serialises a slice of records as a u16 count followed by
// length-prefixed records, used for the NEAREST_NODES field.
func EncodeList(records []Record) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(records)))
	for _, r := range records {
		enc := r.Encode()
		var lenB [2]byte
		binary.BigEndian.PutUint16(lenB[:], uint16(len(enc)))
		buf = append(buf, lenB[:]...)
		buf = append(buf, enc...)
	}
	return buf
}

// DecodeList parses the wire form produced by EncodeList. A single
// malformed entry invalidates the whole list, per spec §4.7's
// "invalid records cause the enclosing message to be rejected".
func DecodeList(b []byte) ([]Record, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: short list", ErrInvalidRecord)
	}
	count := binary.BigEndian.Uint16(b[:2])
	off := 2
	out := make([]Record, 0, count)
	for i := 0; i < int(count); i++ {
		if off+2 > len(b) {
			return nil, fmt.Errorf("%w: truncated list", ErrInvalidRecord)
		}
		l := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if off+l > len(b) {
			return nil, fmt.Errorf("%w: truncated list entry", ErrInvalidRecord)
		}
		rec, err := Decode(b[off : off+l])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		off += l
	}
	return out, nil
}
