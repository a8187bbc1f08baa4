// Command routequery prints the forwarding-table candidates for a
// destination address and the egress interface plus source address the
// transport's resolver would pick. Useful when a peer resolves to an
// unexpected interface.
package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"
	"sort"

	"github.com/jroosing/wgtunnel/internal/routing"
)

func main() {
	var (
		dest      = flag.String("dest", "", "Destination IP address (required)")
		excludeIf = flag.Int("exclude-if", 0, "Interface index to exclude (the tunnel's own)")
		all       = flag.Bool("all", false, "Print every candidate route, not just the winner")
	)
	flag.Parse()

	if *dest == "" {
		fmt.Fprintln(os.Stderr, "routequery: -dest is required")
		os.Exit(2)
	}
	addr, err := netip.ParseAddr(*dest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "routequery: bad destination: %v\n", err)
		os.Exit(2)
	}
	family, err := routing.FamilyOf(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "routequery: %v\n", err)
		os.Exit(2)
	}

	router := routing.System()
	routes, err := router.Routes(family)
	if err != nil {
		fmt.Fprintf(os.Stderr, "routequery: %v\n", err)
		os.Exit(1)
	}

	type candidate struct {
		route  routing.Route
		metric uint32
		order  int
	}
	var candidates []candidate
	for i, route := range routes {
		if route.IfIndex == int32(*excludeIf) && *excludeIf != 0 {
			continue
		}
		if !route.Dst.Contains(addr.Unmap()) {
			continue
		}
		entry, err := router.InterfaceEntry(family, route.IfIndex)
		if err != nil || !entry.Up {
			continue
		}
		candidates = append(candidates, candidate{route: route, metric: route.Metric + entry.Metric, order: i})
	}
	if len(candidates) == 0 {
		fmt.Fprintf(os.Stderr, "routequery: no route to %s\n", addr)
		os.Exit(1)
	}

	// Longest prefix first, then lowest total metric, then the later table
	// entry; matches the resolver's winner selection.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].route.Dst.Bits() != candidates[j].route.Dst.Bits() {
			return candidates[i].route.Dst.Bits() > candidates[j].route.Dst.Bits()
		}
		if candidates[i].metric != candidates[j].metric {
			return candidates[i].metric < candidates[j].metric
		}
		return candidates[i].order > candidates[j].order
	})

	if *all {
		for _, c := range candidates {
			fmt.Printf("%-20s if=%-4d metric=%d\n", c.route.Dst, c.route.IfIndex, c.metric)
		}
	}

	winner := candidates[0]
	src, err := router.BestSource(family, winner.route.IfIndex, addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "routequery: route via if=%d but no source: %v\n",
			winner.route.IfIndex, err)
		os.Exit(1)
	}
	fmt.Printf("dest=%s route=%s if=%d metric=%d src=%s\n",
		addr, winner.route.Dst, winner.route.IfIndex, winner.metric, src)
}
