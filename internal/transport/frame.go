package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dht3k/kaddht/internal/params"
)

// defaultEncoding is the single byte meaning "use default binary
// encoding" per spec §4.3's frame format.
const defaultEncoding = 0x00

// ErrOversizeFrame is returned by readFrame when msg_len exceeds
// params.MaxMsgSize.
var ErrOversizeFrame = fmt.Errorf("transport: frame exceeds max message size")

// writeFrame writes payload as a single frame:
// [enc_len: u8][encoding: enc_len bytes][msg_len: u64-BE][msg].
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > params.MaxMsgSize {
		return ErrOversizeFrame
	}
	header := make([]byte, 1+1+8)
	header[0] = 1
	header[1] = defaultEncoding
	binary.BigEndian.PutUint64(header[2:], uint64(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one frame from r, validating msg_len against
// params.MaxMsgSize before allocating the payload buffer. Any
// non-default encoding is accepted and skipped but not interpreted —
// this implementation only ever writes the default encoding.
func readFrame(r io.Reader) ([]byte, error) {
	var encLen [1]byte
	if _, err := io.ReadFull(r, encLen[:]); err != nil {
		return nil, err
	}
	encoding := make([]byte, encLen[0])
	if len(encoding) > 0 {
		if _, err := io.ReadFull(r, encoding); err != nil {
			return nil, err
		}
	}
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint64(lenBuf[:])
	if msgLen > uint64(params.MaxMsgSize) {
		return nil, ErrOversizeFrame
	}
	payload := make([]byte, msgLen)
	if msgLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}
