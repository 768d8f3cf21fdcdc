//go:build !windows

package transport

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenTCP opens a TCP listener on addr with SO_REUSEADDR set and, for
// an IPv6 address, IPV6_V6ONLY forced on — the overlay never relies on
// OS dual-stack semantics, it always opens separate v4 and v6
// listeners (spec §9 design note), so a v6 socket must not silently
// also accept v4-mapped traffic.
func listenTCP(network, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if ctrlErr != nil {
					return
				}
				if network == "tcp6" {
					ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	return lc.Listen(context.Background(), network, addr)
}
