// Package transport implements the reliable small-message pipe (spec
// C3): length-framed messages over reused, mutually authenticated TLS
// connections, with a request/response correlation primitive
// ("communicate") and connection-reuse cleanup.
//
// The shape is lazymq's: a handshake that exchanges listening ports so
// connections are keyed by (peer ip, peer's advertised port) rather
// than an ephemeral source port, a per-connection write lock, and a
// background sweep that closes idle connections — translated from
// asyncio streams into net.Conn plus goroutines.
package transport

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/dht3k/kaddht/internal/params"
)

var log = logging.Logger("transport")

// Handler processes an inbound envelope that did not correlate with
// any outstanding communicate() waiter — i.e. an unsolicited message,
// the normal case for every DHT request type. from is the remote
// address the connection was accepted from or dialled to.
type Handler func(data []byte, fromV4, fromV6 net.IP, senderPort uint16)

// Transport owns the node's listening sockets and outbound connection
// pool for one local port.
type Transport struct {
	port uint16
	tls  *TLSMaterial

	pool *pool

	mu      sync.Mutex
	waiters map[[32]byte]chan envelope

	handler Handler
	sem     chan struct{} // bounds concurrent handler invocations to params.Workers

	listeners []net.Listener

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Transport bound to port, ready to Start once a Handler
// is attached. Concurrent Handler invocations are capped at workers,
// the bounded request-handling pool of spec §5; pass params.Workers
// (or Config.Workers) for the overlay's standard size.
func New(port uint16, material *TLSMaterial, handler Handler, workers int) *Transport {
	if workers <= 0 {
		workers = params.Workers
	}
	return &Transport{
		port:    port,
		tls:     material,
		pool:    newPool(),
		waiters: make(map[[32]byte]chan envelope),
		handler: handler,
		sem:     make(chan struct{}, workers),
		stopCh:  make(chan struct{}),
	}
}

// Start opens the v4 and v6 listeners (always both, never relying on
// dual-stack semantics) and the idle-connection sweep.
func (t *Transport) Start(bindV4, bindV6 string) error {
	for _, spec := range []struct {
		network, addr string
	}{
		{"tcp6", fmt.Sprintf("[%s]:%d", bindV6, t.port)},
		{"tcp4", fmt.Sprintf("%s:%d", bindV4, t.port)},
	} {
		ln, err := listenTCP(spec.network, spec.addr)
		if err != nil {
			log.Warnf("transport: listen %s failed: %s", spec.network, err)
			continue
		}
		tlsLn := tls.NewListener(ln, t.tls.serverConfig())
		t.listeners = append(t.listeners, tlsLn)
		t.wg.Add(1)
		go t.acceptLoop(tlsLn)
	}
	if len(t.listeners) == 0 {
		return fmt.Errorf("transport: no listener could be opened on port %d", t.port)
	}
	t.wg.Add(1)
	go t.cleanupLoop()
	return nil
}

// Close shuts down every listener and live connection.
func (t *Transport) Close() {
	close(t.stopCh)
	for _, ln := range t.listeners {
		_ = ln.Close()
	}
	t.wg.Wait()
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				log.Debugf("transport: accept error: %s", err)
				return
			}
		}
		go t.handleConn(nc)
	}
}

// handleConn services one accepted (inbound) connection: receive the
// peer's advertised listening port, reply with our own, then loop
// reading frames. Outbound connections are served by serveExisting
// instead, since dial already completed the handshake itself.
func (t *Transport) handleConn(nc net.Conn) {
	peerPort, err := recvHandshake(nc)
	if err != nil {
		log.Debugf("transport: handshake recv failed: %s", err)
		_ = nc.Close()
		return
	}
	if err := sendHandshake(nc, t.port); err != nil {
		log.Debugf("transport: handshake send failed: %s", err)
		_ = nc.Close()
		return
	}

	c := newConn(nc, peerPort)
	// Once a BAD_MESSAGE reply is scheduled, scheduleBadMessage closes c
	// itself after sending it.
	replyPending := false
	defer func() {
		if !replyPending {
			_ = c.close()
		}
	}()

	ip := remoteIP(nc)
	t.pool.put(ip, c.peerPort, c)
	defer t.pool.remove(ip, c.peerPort)

	for {
		payload, err := readFrame(nc)
		if err != nil {
			if errors.Is(err, ErrOversizeFrame) {
				replyPending = true
				t.scheduleBadMessage(c)
			}
			return
		}
		env, err := decodeEnvelope(payload)
		if err != nil {
			replyPending = true
			t.scheduleBadMessage(c)
			return
		}
		c.touch()
		t.dispatch(env, ip)
	}
}

func (t *Transport) dispatch(env envelope, from net.IP) {
	t.mu.Lock()
	waiter, ok := t.waiters[env.identity]
	if ok {
		delete(t.waiters, env.identity)
	}
	t.mu.Unlock()

	if ok {
		waiter <- env
		close(waiter)
		return
	}

	if t.handler == nil {
		return
	}
	var v4, v6 net.IP
	if ip4 := from.To4(); ip4 != nil {
		v4 = ip4
	} else {
		v6 = from
	}

	// Admission into the bounded worker pool happens here, in the
	// connection's own read goroutine: once params.Workers handlers are
	// already running, a new frame's connection simply stops being read
	// until a slot frees, which is the back-pressure spec §5 wants
	// rather than an unbounded pile of blocked handler goroutines.
	t.sem <- struct{}{}
	go func() {
		defer func() { <-t.sem }()
		t.handler(env.data, v4, v6, env.port)
	}()
}

// scheduleBadMessage replies with a BAD_MESSAGE status after a random
// 0.5-1.0s back-off, then closes the connection — spec §4.3 "Error
// reporting". It runs in its own goroutine so the receive loop it was
// called from can return immediately without blocking on this delay.
func (t *Transport) scheduleBadMessage(c *conn) {
	go func() {
		time.Sleep(randomBackoff())
		reply := envelope{status: StatusBadMessage, port: t.port}
		_ = c.send(reply.encode())
		_ = c.close()
	}()
}

func randomBackoff() time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(500))
	if err != nil {
		return 750 * time.Millisecond
	}
	return 500*time.Millisecond + time.Duration(n.Int64())*time.Millisecond
}

// GetConnection returns a pooled connection to (v4, v6):port, dialling
// v6 first then v4 if neither is pooled, per spec §4.3 "Connection
// reuse".
func (t *Transport) GetConnection(v4, v6 net.IP, port uint16) (*conn, error) {
	if v6 != nil {
		if c, ok := t.pool.get(v6, port); ok {
			return c, nil
		}
	}
	if v4 != nil {
		if c, ok := t.pool.get(v4, port); ok {
			return c, nil
		}
	}

	var lastErr error
	if v6 != nil {
		c, err := t.dial(v6, port)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	if v4 != nil {
		c, err := t.dial(v4, port)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("transport: no address family provided")
	}
	return nil, lastErr
}

func (t *Transport) dial(ip net.IP, port uint16) (*conn, error) {
	addr := net.JoinHostPort(ip.String(), fmt.Sprint(port))
	raw, err := net.DialTimeout("tcp", addr, params.Timeout)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(raw, t.tls.clientConfig())
	if err := tlsConn.Handshake(); err != nil {
		_ = raw.Close()
		return nil, err
	}

	if err := sendHandshake(tlsConn, t.port); err != nil {
		_ = tlsConn.Close()
		return nil, err
	}
	peerPort, err := recvHandshake(tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}

	c := newConn(tlsConn, peerPort)
	t.pool.put(ip, peerPort, c)
	go t.serveExisting(tlsConn, c, ip)
	return c, nil
}

// serveExisting runs the receive loop for a connection this node
// dialled (handshake already completed by dial), mirroring the second
// half of handleConn for accepted connections.
func (t *Transport) serveExisting(nc net.Conn, c *conn, ip net.IP) {
	replyPending := false
	defer func() {
		if !replyPending {
			_ = c.close()
		}
		t.pool.remove(ip, c.peerPort)
	}()
	for {
		payload, err := readFrame(nc)
		if err != nil {
			if errors.Is(err, ErrOversizeFrame) {
				replyPending = true
				t.scheduleBadMessage(c)
			}
			return
		}
		env, err := decodeEnvelope(payload)
		if err != nil {
			replyPending = true
			t.scheduleBadMessage(c)
			return
		}
		c.touch()
		t.dispatch(env, ip)
	}
}

// Send transmits data to (v4, v6):port as a SUCCESS-status envelope
// with a fresh random identity, not awaiting any reply.
func (t *Transport) Send(v4, v6 net.IP, port uint16, data []byte) error {
	c, err := t.GetConnection(v4, v6, port)
	if err != nil {
		return err
	}
	env := envelope{identity: randomIdentity(), data: data, status: StatusSuccess, port: t.port}
	return c.send(env.encode())
}

// Communicate sends data and blocks until a reply envelope carrying
// the same identity arrives or timeout elapses (spec §4.3
// "Correlation"). The caller supplies identity so it can be derived
// from the application-level RPC_ID already in flight.
func (t *Transport) Communicate(v4, v6 net.IP, port uint16, identity [32]byte, data []byte, timeout time.Duration) ([]byte, error) {
	c, err := t.GetConnection(v4, v6, port)
	if err != nil {
		return nil, err
	}

	ch := make(chan envelope, 1)
	t.mu.Lock()
	t.waiters[identity] = ch
	t.mu.Unlock()

	env := envelope{identity: identity, data: data, status: StatusSuccess, port: t.port}
	if err := c.send(env.encode()); err != nil {
		t.mu.Lock()
		delete(t.waiters, identity)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.status != StatusSuccess {
			return nil, fmt.Errorf("transport: peer replied with status %d", reply.status)
		}
		return reply.data, nil
	case <-time.After(timeout):
		t.mu.Lock()
		delete(t.waiters, identity)
		t.mu.Unlock()
		return nil, fmt.Errorf("transport: communicate timed out")
	}
}

func (t *Transport) cleanupLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(params.ReuseTime)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.pool.sweepIdle(params.ReuseTime)
		case <-t.stopCh:
			return
		}
	}
}

func sendHandshake(w net.Conn, port uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], port)
	_, err := w.Write(buf[:])
	return err
}

func recvHandshake(r net.Conn) (uint16, error) {
	var buf [2]byte
	if _, err := ioReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func ioReadFull(r net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func randomIdentity() [32]byte {
	var id [32]byte
	_, _ = rand.Read(id[:])
	return id
}

func remoteIP(nc net.Conn) net.IP {
	addr, ok := nc.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return addr.IP
}
