package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jroosing/wgtunnel/internal/api"
	"github.com/jroosing/wgtunnel/internal/api/handlers"
	"github.com/jroosing/wgtunnel/internal/api/models"
	"github.com/jroosing/wgtunnel/internal/config"
	"github.com/jroosing/wgtunnel/internal/database"
	"github.com/jroosing/wgtunnel/internal/logging"
	"github.com/jroosing/wgtunnel/internal/routing"
	"github.com/jroosing/wgtunnel/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	dbPath     string
	port       int
	jsonLogs   bool
	debug      bool
	apiEnabled bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&f.dbPath, "db", "", "Override path to the SQLite peer store")
	flag.IntVar(&f.port, "port", -1, "Override UDP listen port (0 = ephemeral)")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&f.apiEnabled, "api", false, "Enable the management API")
	flag.Parse()
	return f
}

// applyCLIOverrides applies command-line overrides to the config.
func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.dbPath != "" {
		cfg.Database.Path = f.dbPath
	}
	if f.port >= 0 {
		cfg.Server.Port = f.port
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
	if f.apiEnabled {
		cfg.API.Enabled = true
	}
}

// peerSet is the daemon's registry of live peers, keyed by public key.
type peerSet struct {
	mu    sync.RWMutex
	peers map[string]*transport.Peer
}

func (ps *peerSet) add(key string, p *transport.Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.peers[key] = p
}

func (ps *peerSet) snapshot(tr *transport.Transport) []models.PeerResponse {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]models.PeerResponse, 0, len(ps.peers))
	for key, p := range ps.peers {
		ep := p.Endpoint()
		resp := models.PeerResponse{
			PublicKey:         key,
			TxBytes:           p.TxBytes.Load(),
			RoutingGeneration: ep.RoutingGeneration,
		}
		if ep.Addr.IsValid() {
			resp.Endpoint = ep.Addr.String()
			if family, err := routing.FamilyOf(ep.Addr.Addr()); err == nil {
				resp.SourceStale = ep.RoutingGeneration != tr.RoutingGeneration(family) ||
					ep.SrcIfIndex == 0
			}
		}
		if ep.Src.IsValid() {
			resp.SourceAddress = ep.Src.String()
			resp.SourceIfIndex = ep.SrcIfIndex
		}
		out = append(out, resp)
	}
	return out
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open peer store: %w", err)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Reuse the stored identity and port across restarts; CLI/config wins
	// when it names an explicit port.
	stored, err := db.Device(ctx)
	switch {
	case err == nil:
		cfg.Device.InstanceID = stored.InstanceID
		if flags.port < 0 && cfg.Server.Port == 0 && stored.ListenPort > 0 {
			cfg.Server.Port = stored.ListenPort
		}
	case errors.Is(err, database.ErrNotFound):
	default:
		return fmt.Errorf("failed to load device row: %w", err)
	}

	logger.Info("wgtunnel starting",
		"instance", cfg.Device.InstanceID,
		"port", cfg.Server.Port,
		"db", cfg.Database.Path,
	)

	tr, err := transport.Init()
	if err != nil {
		return fmt.Errorf("transport init: %w", err)
	}
	defer transport.Unload()
	tr.SetRequeryMinInterval(cfg.RequeryMinInterval())

	dev := transport.NewDevice(tr, transport.DeviceOptions{
		Logger:         logging.Component(logger, "transport"),
		InterfaceIndex: int32(cfg.Device.InterfaceIndex),
		PacketReceive:  releaseBatch, // decryption pipeline hooks in here
		SendWorkers:    cfg.Server.SendWorkers,
		SendQueueSize:  cfg.Server.SendQueueSize,
	})
	defer dev.Close()

	peers := &peerSet{peers: make(map[string]*transport.Peer)}
	rows, err := db.Peers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load peers: %w", err)
	}
	for _, row := range rows {
		p := transport.NewPeer(dev)
		if row.Endpoint != "" {
			if addr, err := netip.ParseAddrPort(row.Endpoint); err == nil {
				transport.SetPeerEndpoint(p, &transport.Endpoint{Addr: addr})
			} else {
				logger.Warn("ignoring malformed stored endpoint",
					"peer", row.PublicKey, "endpoint", row.Endpoint)
			}
		}
		peers.add(row.PublicKey, p)
	}
	logger.Info("peers loaded", "count", len(rows))

	if err := tr.SocketInit(dev, cfg.ListenPort()); err != nil {
		return fmt.Errorf("socket init: %w", err)
	}
	dev.SetUp(true)
	logger.Info("listening", "port", dev.IncomingPort(),
		"ipv4", tr.HasIPv4Transport(), "ipv6", tr.HasIPv6Transport())

	if err := db.SetDevice(ctx, database.DeviceRow{
		InstanceID: cfg.Device.InstanceID,
		ListenPort: int(dev.IncomingPort()),
	}); err != nil {
		return fmt.Errorf("failed to persist device row: %w", err)
	}

	var apiSrv *api.Server
	if cfg.API.Enabled {
		h := handlers.New(logging.Component(logger, "api"), handlers.Deps{
			TransportInfo: func() models.TransportResponse {
				return models.TransportResponse{
					IPv4Available:       tr.HasIPv4Transport(),
					IPv6Available:       tr.HasIPv6Transport(),
					RoutingGenerationV4: tr.RoutingGeneration(routing.FamilyIPv4),
					RoutingGenerationV6: tr.RoutingGeneration(routing.FamilyIPv6),
					IncomingPort:        dev.IncomingPort(),
					AdministrativelyUp:  dev.Up(),
				}
			},
			DeviceCounters: func() models.DeviceCounters {
				snap := dev.Stats.Snapshot()
				return models.DeviceCounters{
					InOctets:   snap.InOctets,
					InPackets:  snap.InPackets,
					InDiscards: snap.InDiscards,
					OutOctets:  snap.OutOctets,
					OutPackets: snap.OutPackets,
					OutErrors:  snap.OutErrors,
				}
			},
			Peers: func() []models.PeerResponse { return peers.snapshot(tr) },
		})
		apiSrv = api.New(cfg, logging.Component(logger, "api"), h)
		logger.Info("management API starting", "addr", apiSrv.Addr())
		go func() {
			serveErr := apiSrv.ListenAndServe()
			if serveErr == nil || errors.Is(serveErr, http.ErrServerClosed) {
				return
			}
			logger.Error("API server error", "err", serveErr)
			cancel()
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if apiSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	dev.SetUp(false)
	return nil
}

// releaseBatch returns every datagram of a batch to the transport.
func releaseBatch(first *transport.Datagram) {
	for d := first; d != nil; {
		next := d.Next()
		d.Release()
		d = next
	}
}
