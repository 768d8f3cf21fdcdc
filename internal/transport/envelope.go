package transport

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Status is the transport-level outcome code carried by every
// envelope (spec §4.3 "Transport message").
type Status uint8

const (
	StatusSuccess          Status = 0
	StatusBadMessage       Status = 1
	StatusHostNotReachable Status = 2
	StatusConnectionRefused Status = 3
	StatusTimeout          Status = 4
	StatusPing             Status = 5
	StatusPong             Status = 6
)

// envelope is the fixed-field transport message wrapping one opaque
// application payload (a marshaled internal/wire.Message), plus the
// correlation and addressing metadata the transport itself needs:
// identity for communicate()'s request/response matching, status for
// error/ping signalling, and the sender's self-reported addresses.
type envelope struct {
	identity   [32]byte
	data       []byte
	status     Status
	port       uint16
	addressV4  net.IP
	addressV6  net.IP
}

// encode serialises the envelope to the fixed layout:
// status:u8 | port:u16-BE | identity:32B |
// v4-present:u8 [+4B] | v6-present:u8 [+16B] | data-len:u32-BE + data
func (e envelope) encode() []byte {
	size := 1 + 2 + 32 + 1 + 1 + 4
	if e.addressV4 != nil {
		size += 4
	}
	if e.addressV6 != nil {
		size += 16
	}
	size += len(e.data)

	buf := make([]byte, 0, size)
	buf = append(buf, byte(e.status))
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], e.port)
	buf = append(buf, portBuf[:]...)
	buf = append(buf, e.identity[:]...)

	if v4 := e.addressV4.To4(); v4 != nil {
		buf = append(buf, 1)
		buf = append(buf, v4...)
	} else {
		buf = append(buf, 0)
	}
	if v6 := to16(e.addressV6); v6 != nil {
		buf = append(buf, 1)
		buf = append(buf, v6...)
	} else {
		buf = append(buf, 0)
	}

	var dataLen [4]byte
	binary.BigEndian.PutUint32(dataLen[:], uint32(len(e.data)))
	buf = append(buf, dataLen[:]...)
	buf = append(buf, e.data...)
	return buf
}

func to16(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	if ip.To4() != nil {
		return nil // a v4 address belongs in addressV4, not here
	}
	return ip.To16()
}

var errEnvelopeTruncated = fmt.Errorf("transport: envelope truncated")

func decodeEnvelope(b []byte) (envelope, error) {
	var e envelope
	if len(b) < 1+2+32+1+1+4 {
		return e, errEnvelopeTruncated
	}
	e.status = Status(b[0])
	e.port = binary.BigEndian.Uint16(b[1:3])
	copy(e.identity[:], b[3:35])
	off := 35

	hasV4 := b[off]
	off++
	if hasV4 != 0 {
		if len(b) < off+4 {
			return e, errEnvelopeTruncated
		}
		e.addressV4 = net.IP(append([]byte(nil), b[off:off+4]...))
		off += 4
	}

	hasV6 := b[off]
	off++
	if hasV6 != 0 {
		if len(b) < off+16 {
			return e, errEnvelopeTruncated
		}
		e.addressV6 = net.IP(append([]byte(nil), b[off:off+16]...))
		off += 16
	}

	if len(b) < off+4 {
		return e, errEnvelopeTruncated
	}
	dataLen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if uint32(len(b)-off) < dataLen {
		return e, errEnvelopeTruncated
	}
	e.data = append([]byte(nil), b[off:off+int(dataLen)]...)
	return e, nil
}
