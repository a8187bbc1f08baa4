// Package transport implements the UDP datagram transport layer of the
// tunnel device: the two listening sockets, per-peer source-address
// resolution with routing-change invalidation, the asynchronous outbound
// send paths, and inbound datagram dispatch into the tunnel engine.
package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jroosing/wgtunnel/internal/pool"
	"github.com/jroosing/wgtunnel/internal/routing"
)

// sendCtxPoolSize caps the send-context lookaside.
const sendCtxPoolSize = 1024

// Transport is the process-wide transport state: family availability,
// routing-change subscriptions with their generation counters, and the
// send-context pool. Devices receive their Transport handle at
// construction.
type Transport struct {
	logger *slog.Logger
	router routing.Router
	listen listenFunc

	hasV4 bool
	hasV6 bool

	// genV4/genV6 start at 1 and step by 2 on every routing change, so a
	// cleared endpoint (generation 0) can never satisfy the resolver's
	// fast path.
	genV4 atomic.Uint32
	genV6 atomic.Uint32

	cancelV4 func() error
	cancelV6 func() error

	ctxPool *pool.Bounded[*sendCtx]

	// requeryMin is the resolver debounce window in nanoseconds; 0
	// disables it.
	requeryMin atomic.Int64
}

var (
	initMu     sync.Mutex
	initDone   bool
	initResult *Transport
	initErr    error
)

// Init initializes the process-wide transport. It is idempotent: the first
// outcome, success or failure, is cached and returned to every subsequent
// caller.
func Init() (*Transport, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if initDone {
		return initResult, initErr
	}
	initResult, initErr = newTransport(routing.System(), osListen, slog.Default())
	initDone = true
	return initResult, initErr
}

// Unload tears the process-wide transport down. It only acts when Init
// previously succeeded.
func Unload() {
	initMu.Lock()
	defer initMu.Unlock()
	if !initDone || initErr != nil {
		return
	}
	initResult.close()
}

// newTransport builds a transport over an injected router and socket
// factory. Any failure rolls back already-acquired resources in reverse
// order.
func newTransport(router routing.Router, listen listenFunc, logger *slog.Logger) (*Transport, error) {
	t := &Transport{
		logger: logger,
		router: router,
		listen: listen,
	}
	t.genV4.Store(1)
	t.genV6.Store(1)

	t.probeTransports()
	t.ctxPool = pool.NewBounded(sendCtxPoolSize, newSendCtx)

	cancelV4, err := router.SubscribeRouteChanges(routing.FamilyIPv4, func() {
		t.genV4.Add(2)
	})
	if err != nil {
		t.ctxPool.Drain()
		return nil, err
	}
	t.cancelV4 = cancelV4

	cancelV6, err := router.SubscribeRouteChanges(routing.FamilyIPv6, func() {
		t.genV6.Add(2)
	})
	if err != nil {
		_ = t.cancelV4()
		t.ctxPool.Drain()
		return nil, err
	}
	t.cancelV6 = cancelV6

	logger.Info("transport initialized",
		"ipv4", t.hasV4, "ipv6", t.hasV6)
	return t, nil
}

// probeTransports discovers which UDP families the host supports by
// binding a throwaway ephemeral socket per family.
func (t *Transport) probeTransports() {
	if conn, err := t.listen(routing.FamilyIPv4, 0); err == nil {
		_ = conn.Close()
		t.hasV4 = true
	}
	if conn, err := t.listen(routing.FamilyIPv6, 0); err == nil {
		_ = conn.Close()
		t.hasV6 = true
	}
}

// close releases notifiers and the context pool, in reverse acquisition
// order.
func (t *Transport) close() {
	if t.cancelV6 != nil {
		_ = t.cancelV6()
		t.cancelV6 = nil
	}
	if t.cancelV4 != nil {
		_ = t.cancelV4()
		t.cancelV4 = nil
	}
	t.ctxPool.Drain()
}

// HasIPv4Transport reports whether the host can carry UDP over IPv4.
func (t *Transport) HasIPv4Transport() bool { return t.hasV4 }

// HasIPv6Transport reports whether the host can carry UDP over IPv6.
func (t *Transport) HasIPv6Transport() bool { return t.hasV6 }

// generation returns the routing generation counter for a family.
func (t *Transport) generation(family routing.Family) *atomic.Uint32 {
	if family == routing.FamilyIPv4 {
		return &t.genV4
	}
	return &t.genV6
}

// RoutingGeneration returns the current routing generation for a family.
func (t *Transport) RoutingGeneration(family routing.Family) uint32 {
	return t.generation(family).Load()
}

// SetRequeryMinInterval sets the resolver debounce window: within the
// window a peer's previously resolved source is reused even after a
// routing-generation bump. Zero (the default) disables debouncing; every
// generation change forces a fresh forwarding-table scan.
func (t *Transport) SetRequeryMinInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.requeryMin.Store(int64(d))
}

// requeryMinInterval reads the debounce window.
func (t *Transport) requeryMinInterval() time.Duration {
	return time.Duration(t.requeryMin.Load())
}
