//go:build windows

package transport

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/windows"
)

// listenTCP mirrors listen_unix.go's socket options for Windows:
// IPV6_V6ONLY is forced on for an IPv6 listener so dual-stack sockets
// are never relied upon (spec §9 design note). SO_REUSEADDR on
// Windows does not carry the same "steal a bound port" semantics as
// on POSIX, so it is left at its default.
func listenTCP(network, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			if network != "tcp6" {
				return nil
			}
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IPV6, windows.IPV6_V6ONLY, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	return lc.Listen(context.Background(), network, addr)
}
