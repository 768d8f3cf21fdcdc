package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dht3k/kaddht/internal/params"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frame")
	require.NoError(t, writeFrame(&buf, payload))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWriteFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, params.MaxMsgSize+1)
	err := writeFrame(&buf, payload)
	assert.ErrorIs(t, err, ErrOversizeFrame)
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(1)
	buf.WriteByte(0)
	var lenBuf [8]byte
	lenBuf[7] = 0
	// Encode a msg_len larger than MaxMsgSize directly.
	big := uint64(params.MaxMsgSize) + 1
	for i := 7; i >= 0; i-- {
		lenBuf[i] = byte(big)
		big >>= 8
	}
	buf.Write(lenBuf[:])
	_, err := readFrame(&buf)
	assert.ErrorIs(t, err, ErrOversizeFrame)
}

func TestReadFrameRejectsTruncatedHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(1)
	_, err := readFrame(&buf)
	assert.Error(t, err)
}
