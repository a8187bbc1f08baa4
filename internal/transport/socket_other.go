//go:build !linux

package transport

import (
	"syscall"

	"github.com/jroosing/wgtunnel/internal/routing"
)

// batchSendSupported: no sendmmsg; WriteBatch polyfills with serial sends
// under a single logical completion.
const batchSendSupported = false

// socketControl applies no extra options off Linux; checksum control and
// v6-only defaults are left to the platform.
func socketControl(routing.Family) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, _ syscall.RawConn) error {
		return nil
	}
}
