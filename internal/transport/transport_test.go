package transport

import (
	"crypto/tls"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dht3k/kaddht/internal/params"
)

func startLoopback(t *testing.T, port uint16, handler Handler) *Transport {
	t.Helper()
	tr := New(port, genTestMaterial(t), handler, 0)
	require.NoError(t, tr.Start("127.0.0.1", "::1"))
	t.Cleanup(tr.Close)
	return tr
}

func TestSendDeliversToHandler(t *testing.T) {
	var (
		mu       sync.Mutex
		received []byte
		done     = make(chan struct{})
	)
	serverHandler := func(data []byte, _, _ net.IP, _ uint16) {
		mu.Lock()
		received = data
		mu.Unlock()
		close(done)
	}

	startLoopback(t, 17339, serverHandler)
	client := startLoopback(t, 17340, nil)

	err := client.Send(net.ParseIP("127.0.0.1"), nil, 17339, []byte("hello"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server handler")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("hello"), received)
}

// Request/response correlation end-to-end (a handler that actually
// replies through the identity channel) is exercised at the node
// package level, where RPC_ID plays the identity role. Here we only
// confirm Communicate's timeout path: a peer that never replies
// releases the waiter after the given deadline.
func TestCommunicateTimesOutWithoutReply(t *testing.T) {
	startLoopback(t, 17341, func([]byte, net.IP, net.IP, uint16) {})
	client := startLoopback(t, 17342, nil)

	start := time.Now()
	_, err := client.Communicate(net.ParseIP("127.0.0.1"), nil, 17341, randomIdentity(), []byte("ping"), 200*time.Millisecond)
	assert.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

// TestOversizeFrameGetsBadMessageReply exercises S6: a peer that lies
// about msg_len beyond MaxMsgSize must see the connection closed *and*
// get a BAD_MESSAGE reply first, not just a silent hangup.
func TestOversizeFrameGetsBadMessageReply(t *testing.T) {
	startLoopback(t, 17345, func([]byte, net.IP, net.IP, uint16) {})

	raw, err := net.DialTimeout("tcp", "127.0.0.1:17345", 2*time.Second)
	require.NoError(t, err)
	defer raw.Close()
	conn := tls.Client(raw, genTestMaterial(t).clientConfig())
	require.NoError(t, conn.Handshake())
	require.NoError(t, sendHandshake(conn, 17346))
	_, err = recvHandshake(conn)
	require.NoError(t, err)

	var header [1 + 8]byte
	binary.BigEndian.PutUint64(header[1:], uint64(params.MaxMsgSize)+1)
	_, err = conn.Write(header[:])
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	payload, err := readFrame(conn)
	require.NoError(t, err)
	env, err := decodeEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, StatusBadMessage, env.status)
}

func TestGetConnectionReusesPooledConnection(t *testing.T) {
	startLoopback(t, 17343, func([]byte, net.IP, net.IP, uint16) {})
	client := startLoopback(t, 17344, nil)

	require.NoError(t, client.Send(net.ParseIP("127.0.0.1"), nil, 17343, []byte("a")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, client.pool.size())

	require.NoError(t, client.Send(net.ParseIP("127.0.0.1"), nil, 17343, []byte("b")))
	assert.Equal(t, 1, client.pool.size())
}
