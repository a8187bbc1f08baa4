//go:build linux

package routing

import (
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// System returns the rtnetlink-backed Router for this host.
func System() Router {
	return &systemRouter{}
}

type systemRouter struct{}

func familyAF(family Family) (int, error) {
	switch family {
	case FamilyIPv4:
		return unix.AF_INET, nil
	case FamilyIPv6:
		return unix.AF_INET6, nil
	}
	return 0, ErrUnknownFamily
}

// Routes dumps the kernel forwarding table for one family via RTM_GETROUTE.
func (*systemRouter) Routes(family Family) ([]Route, error) {
	af, err := familyAF(family)
	if err != nil {
		return nil, err
	}
	rib, err := unix.NetlinkRIB(unix.RTM_GETROUTE, af)
	if err != nil {
		return nil, fmt.Errorf("route dump: %w", err)
	}
	msgs, err := unix.ParseNetlinkMessage(rib)
	if err != nil {
		return nil, fmt.Errorf("route dump parse: %w", err)
	}

	var routes []Route
	for i := range msgs {
		m := &msgs[i]
		if m.Header.Type != unix.RTM_NEWROUTE {
			continue
		}
		rtm := (*unix.RtMsg)(unsafe.Pointer(&m.Data[0]))
		if int(rtm.Family) != af || rtm.Type != unix.RTN_UNICAST {
			continue
		}
		attrs, err := unix.ParseNetlinkRouteAttr(m)
		if err != nil {
			continue
		}
		route := Route{}
		var dstAddr netip.Addr
		haveDst := false
		for _, attr := range attrs {
			switch attr.Attr.Type {
			case unix.RTA_DST:
				if addr, ok := netip.AddrFromSlice(attr.Value); ok {
					dstAddr = addr
					haveDst = true
				}
			case unix.RTA_OIF:
				route.IfIndex = int32(nativeEndian32(attr.Value))
			case unix.RTA_PRIORITY:
				route.Metric = nativeEndian32(attr.Value)
			}
		}
		if !haveDst {
			// Default route: zero-length prefix of the family.
			if family == FamilyIPv4 {
				dstAddr = netip.IPv4Unspecified()
			} else {
				dstAddr = netip.IPv6Unspecified()
			}
		}
		prefix, err := dstAddr.Prefix(int(rtm.Dst_len))
		if err != nil {
			continue
		}
		route.Dst = prefix
		routes = append(routes, route)
	}
	return routes, nil
}

// InterfaceEntry reports operational state. Linux has no per-family
// interface metric; route metrics carry the whole weight.
func (*systemRouter) InterfaceEntry(_ Family, ifindex int32) (InterfaceEntry, error) {
	iface, err := net.InterfaceByIndex(int(ifindex))
	if err != nil {
		return InterfaceEntry{}, fmt.Errorf("%w: index %d", ErrNoInterface, ifindex)
	}
	return InterfaceEntry{Up: iface.Flags&net.FlagUp != 0}, nil
}

// BestSource picks the source address the interface would use toward dst:
// an address whose prefix covers dst when one exists, otherwise the first
// ordinary address of the family.
func (*systemRouter) BestSource(family Family, ifindex int32, dst netip.Addr) (netip.Addr, error) {
	iface, err := net.InterfaceByIndex(int(ifindex))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: index %d", ErrNoInterface, ifindex)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("interface %d addrs: %w", ifindex, err)
	}

	var fallback netip.Addr
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if af, err := FamilyOf(addr); err != nil || af != family {
			continue
		}
		ones, _ := ipnet.Mask.Size()
		if prefix, err := addr.Prefix(ones); err == nil && prefix.Contains(dst.Unmap()) {
			return addr, nil
		}
		if addr.IsLinkLocalUnicast() && !dst.IsLinkLocalUnicast() {
			continue
		}
		if !fallback.IsValid() {
			fallback = addr
		}
	}
	if fallback.IsValid() {
		return fallback, nil
	}
	return netip.Addr{}, ErrNoSource
}

// SubscribeRouteChanges joins the family's rtnetlink route group and runs fn
// for every change message batch.
func (*systemRouter) SubscribeRouteChanges(family Family, fn func()) (func() error, error) {
	var groups uint32
	switch family {
	case FamilyIPv4:
		groups = unix.RTMGRP_IPV4_ROUTE
	case FamilyIPv6:
		groups = unix.RTMGRP_IPV6_ROUTE
	default:
		return nil, ErrUnknownFamily
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: groups}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netlink bind: %w", err)
	}
	// Bounded receive timeout so cancellation is observed without a
	// cancellation pipe.
	timeout := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &timeout); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netlink rcvtimeo: %w", err)
	}

	var closed atomic.Bool
	go func() {
		buf := make([]byte, 4096)
		for {
			n, _, err := unix.Recvfrom(fd, buf, 0)
			if closed.Load() {
				return
			}
			if err != nil {
				if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
					continue
				}
				return
			}
			if n > 0 {
				fn()
			}
		}
	}()

	return func() error {
		if closed.Swap(true) {
			return nil
		}
		return unix.Close(fd)
	}, nil
}

// nativeEndian32 decodes a 4-byte rtnetlink attribute in host order.
func nativeEndian32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return *(*uint32)(unsafe.Pointer(&b[0]))
}
