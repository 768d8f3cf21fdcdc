// Package wire implements the DHT protocol message: the tagged-sum
// message variants of spec §6, serialised through the compact binary
// map-coded format called for by spec §9 ("Replace dynamic
// dictionaries-as-structs"). Each field is a fixed, typed slot; an
// unknown field key or a field that fails its typed length check
// invalidates the whole message (spec §4.7).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dht3k/kaddht/internal/id"
	"github.com/dht3k/kaddht/internal/params"
	"github.com/dht3k/kaddht/internal/peerrecord"
)

// Type is the MESSAGE_TYPE discriminant (spec §6).
type Type uint8

const (
	Ping        Type = 0
	Pong        Type = 1
	FindNode    Type = 2
	FindValue   Type = 3
	FoundNodes  Type = 4
	FoundValue  Type = 5
	Store       Type = 6
	FWPing      Type = 15
	FWPong      Type = 16
)

var knownTypes = map[Type]string{
	Ping: "PING", Pong: "PONG", FindNode: "FIND_NODE", FindValue: "FIND_VALUE",
	FoundNodes: "FOUND_NODES", FoundValue: "FOUND_VALUE", Store: "STORE",
	FWPing: "FW_PING", FWPong: "FW_PONG",
}

func (t Type) String() string {
	if s, ok := knownTypes[t]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// field is the small-integer field key, matching dht3k/const.py's
// Message class numbering so wire captures, if ever compared byte for
// byte against the original, line up field for field.
type field uint8

const (
	fPeerID        field = 7
	fID            field = 8
	fMessageType   field = 9
	fValue         field = 10
	fRPCID         field = 11
	fNearestNodes  field = 12
	fAllAddr       field = 13
	fCliAddr       field = 14
)

var knownFields = map[field]bool{
	fPeerID: true, fID: true, fMessageType: true, fValue: true, fRPCID: true,
	fNearestNodes: true, fAllAddr: true, fCliAddr: true,
}

// ErrBadMessage reports any parse or validation failure (spec §7).
var ErrBadMessage = errors.New("bad message")

// Message is the decoded form of one DHT protocol message. Optional
// fields are nil/zero-valued pointers when absent; presence, not a
// sentinel value, decides whether a field was on the wire.
type Message struct {
	Type   Type
	PeerID id.ID
	// NetworkID carries spec §6's gate value H(PeerID ∥
	// shared_network_id), never the raw shared secret itself — build it
	// with id.NetworkGate rather than assigning the secret directly. A
	// receiver must recompute and compare it before trusting anything
	// else in the message.
	NetworkID id.ID

	ID            *id.ID
	RPCID         *id.ID
	Value         []byte
	NearestNodes  []peerrecord.Record
	AllAddr       *peerrecord.Record
	CliAddr       *peerrecord.Record
}

// Marshal encodes m into the compact field-map format:
//
//	[u8 field_count][ field_key:u8 length:u16-BE value:bytes ]*
//
// MESSAGE_TYPE, PEER_ID and NETWORK_ID are always present and always
// written first, in that order, for a predictable minimum-size prefix;
// every other field is included only if set on m.
func (m *Message) Marshal() ([]byte, error) {
	type entry struct {
		key field
		val []byte
	}
	entries := []entry{
		{fMessageType, []byte{byte(m.Type)}},
		{fPeerID, m.PeerID.Bytes()},
		{networkIDField, m.NetworkID.Bytes()},
	}
	if m.ID != nil {
		entries = append(entries, entry{fID, m.ID.Bytes()})
	}
	if m.RPCID != nil {
		entries = append(entries, entry{fRPCID, m.RPCID.Bytes()})
	}
	if m.Value != nil {
		entries = append(entries, entry{fValue, m.Value})
	}
	if m.NearestNodes != nil {
		entries = append(entries, entry{fNearestNodes, peerrecord.EncodeList(m.NearestNodes)})
	}
	if m.AllAddr != nil {
		entries = append(entries, entry{fAllAddr, m.AllAddr.Encode()})
	}
	if m.CliAddr != nil {
		entries = append(entries, entry{fCliAddr, m.CliAddr.Encode()})
	}

	buf := make([]byte, 1, 64)
	buf[0] = byte(len(entries))
	for _, e := range entries {
		if len(e.val) > 0xFFFF {
			return nil, fmt.Errorf("%w: field %d too large", ErrBadMessage, e.key)
		}
		var lenB [2]byte
		binary.BigEndian.PutUint16(lenB[:], uint16(len(e.val)))
		buf = append(buf, byte(e.key))
		buf = append(buf, lenB[:]...)
		buf = append(buf, e.val...)
	}
	if len(buf) > params.MaxMsgSize {
		return nil, fmt.Errorf("%w: message exceeds MaxMsgSize", ErrBadMessage)
	}
	return buf, nil
}

// networkIDField is NETWORK_ID's field key. It is kept out of the
// field const block above because, unlike every other field, it is
// mandatory and positionally fixed rather than part of the optional
// vocabulary a handler switches on.
const networkIDField field = 6

func init() {
	knownFields[networkIDField] = true
}

// Unmarshal parses and verifies b per spec §4.7: every field must be in
// the known vocabulary (d) and pass its typed length check (c); the
// message must not exceed MaxMsgSize (a); MESSAGE_TYPE must be known
// (b). Any failure returns ErrBadMessage and the message is dropped by
// the caller, per spec — not partially applied.
func Unmarshal(b []byte) (*Message, error) {
	if len(b) > params.MaxMsgSize {
		return nil, fmt.Errorf("%w: exceeds MaxMsgSize", ErrBadMessage)
	}
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrBadMessage)
	}
	count := int(b[0])
	off := 1
	raw := make(map[field][]byte, count)
	for i := 0; i < count; i++ {
		if off+3 > len(b) {
			return nil, fmt.Errorf("%w: truncated field header", ErrBadMessage)
		}
		key := field(b[off])
		l := int(binary.BigEndian.Uint16(b[off+1 : off+3]))
		off += 3
		if !knownFields[key] {
			return nil, fmt.Errorf("%w: unknown field %d", ErrBadMessage, key)
		}
		if off+l > len(b) {
			return nil, fmt.Errorf("%w: truncated field value", ErrBadMessage)
		}
		raw[key] = b[off : off+l]
		off += l
	}

	mtB, ok := raw[fMessageType]
	if !ok || len(mtB) != 1 {
		return nil, fmt.Errorf("%w: missing/bad MESSAGE_TYPE", ErrBadMessage)
	}
	mt := Type(mtB[0])
	if _, known := knownTypes[mt]; !known {
		return nil, fmt.Errorf("%w: unknown message type %d", ErrBadMessage, mt)
	}

	peerIDB, ok := raw[fPeerID]
	if !ok {
		return nil, fmt.Errorf("%w: missing PEER_ID", ErrBadMessage)
	}
	peerID, ok := id.FromBytes(peerIDB)
	if !ok {
		return nil, fmt.Errorf("%w: bad PEER_ID length", ErrBadMessage)
	}

	networkIDB, ok := raw[networkIDField]
	if !ok {
		return nil, fmt.Errorf("%w: missing NETWORK_ID", ErrBadMessage)
	}
	networkID, ok := id.FromBytes(networkIDB)
	if !ok {
		return nil, fmt.Errorf("%w: bad NETWORK_ID length", ErrBadMessage)
	}

	m := &Message{Type: mt, PeerID: peerID, NetworkID: networkID}

	if b, ok := raw[fID]; ok {
		v, ok := id.FromBytes(b)
		if !ok {
			return nil, fmt.Errorf("%w: bad ID length", ErrBadMessage)
		}
		m.ID = &v
	}
	if b, ok := raw[fRPCID]; ok {
		v, ok := id.FromBytes(b)
		if !ok {
			return nil, fmt.Errorf("%w: bad RPC_ID length", ErrBadMessage)
		}
		m.RPCID = &v
	}
	if b, ok := raw[fValue]; ok {
		m.Value = append([]byte(nil), b...)
	}
	if b, ok := raw[fNearestNodes]; ok {
		nodes, err := peerrecord.DecodeList(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		m.NearestNodes = nodes
	}
	if b, ok := raw[fAllAddr]; ok {
		rec, err := peerrecord.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		m.AllAddr = &rec
	}
	if b, ok := raw[fCliAddr]; ok {
		rec, err := peerrecord.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		m.CliAddr = &rec
	}
	return m, nil
}
