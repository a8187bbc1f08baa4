//go:build linux

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/jroosing/wgtunnel/internal/routing"
)

// batchSendSupported: sendmmsg is available, WriteBatch is a real scatter
// send.
const batchSendSupported = true

// socketControl returns the pre-bind socket options for a family: UDP
// checksum generation off for v4, v6-only for v6, and pktinfo delivery for
// both. The x/net control-message flags set after bind enable the same
// pktinfo option again.
func socketControl(family routing.Family) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var optErr error
		err := c.Control(func(fd uintptr) {
			switch family {
			case routing.FamilyIPv4:
				optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_NO_CHECK, 1)
				if optErr == nil {
					optErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_PKTINFO, 1)
				}
			case routing.FamilyIPv6:
				optErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
				if optErr == nil {
					optErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1)
				}
			}
		})
		if err != nil {
			return err
		}
		return optErr
	}
}
