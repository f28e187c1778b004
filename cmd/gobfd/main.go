// gobfd daemon -- BFD protocol implementation (RFC 5880/5881).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gobfd/internal/bfd"
	"github.com/dantte-lp/gobfd/internal/config"
	"github.com/dantte-lp/gobfd/internal/eventsink"
	bfdmetrics "github.com/dantte-lp/gobfd/internal/metrics"
	"github.com/dantte-lp/gobfd/internal/netio"
	appversion "github.com/dantte-lp/gobfd/internal/version"
)

// drainTimeout is the time to wait after setting every session to
// AdminDown before proceeding with shutdown, so the final AdminDown
// packets reach peers (RFC 5880 Section 6.8.16).
const drainTimeout = 2 * time.Second

// shutdownTimeout bounds how long the metrics HTTP server gets to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// eventChannelCapacity bounds the ChannelSink every daemon instance
// exposes to an external consumer. Small and bounded: a slow or absent
// consumer must never stall the engine's event loop, it only costs
// dropped-event counter increments (see internal/eventsink.ChannelSink).
const eventChannelCapacity = 32

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var logLevelFlag string
	var metricsAddrFlag string

	root := &cobra.Command{
		Use:     "gobfd",
		Short:   "BFD subordinate daemon (RFC 5880/5881)",
		Version: appversion.Full("gobfd"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, logLevelFlag, metricsAddrFlag)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file")
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override daemon.log_level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&metricsAddrFlag, "metrics-addr", "", "override daemon.metrics_addr")

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

func runDaemon(configPath, logLevelFlag, metricsAddrFlag string) error {
	logLevel := new(slog.LevelVar)
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(configPath, bootstrapLogger)
	if err != nil {
		bootstrapLogger.Error("failed to load configuration", slog.String("error", err.Error()))
		return err
	}
	if logLevelFlag != "" {
		cfg.Daemon.LogLevel = logLevelFlag
	}
	if metricsAddrFlag != "" {
		cfg.Daemon.MetricsAddr = metricsAddrFlag
	}
	logLevel.Set(config.ParseLogLevel(cfg.Daemon.LogLevel))
	logger := newLogger(cfg.Daemon, logLevel)

	logger.Info("gobfd starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Daemon.MetricsAddr),
		slog.Int("instances", len(cfg.Instances)),
	)

	reg := prometheus.NewRegistry()
	collector := bfdmetrics.NewCollector(reg)
	channelSink := eventsink.NewChannelSinkWithDropHook(eventChannelCapacity, collector.RecordEventDropped)
	sink := eventsink.NewMultiSink(eventsink.NewLogSink(logger), channelSink)

	d := &daemon{
		logger:   logger,
		logLevel: logLevel,
		ports:    netio.NewSourcePortAllocator(),
	}

	registry, listeners, err := d.buildRegistry(cfg)
	if err != nil {
		closeListeners(listeners, logger)
		return fmt.Errorf("build session registry: %w", err)
	}
	d.listeners = listeners

	engine := bfd.NewEngine(registry, sink, collector, logger)
	now := time.Now()
	for _, s := range registry.All() {
		engine.ArmSession(s, now)
	}
	d.engine = engine
	d.configPath = configPath

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	inbound := make(chan bfd.Inbound, 64)
	if len(listeners) > 0 {
		netioInbound := make(chan netio.Inbound, 64)
		recv := netio.NewReceiver(netioInbound, logger)
		g.Go(func() error {
			return recv.Run(gCtx, listeners...)
		})
		g.Go(func() error {
			return bridgeInbound(gCtx, netioInbound, inbound)
		})
	}

	g.Go(func() error {
		err := engine.Run(gCtx, inbound)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		drainEventSink(gCtx, channelSink, logger)
		return nil
	})

	metricsSrv := newMetricsServer(cfg.Daemon, reg)
	g.Go(func() error {
		return listenAndServe(gCtx, metricsSrv, cfg.Daemon.MetricsAddr)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		d.handleSIGHUP(gCtx, sigHUP)
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})

	waitErr := g.Wait()

	// engine.Run has already drained every session to AdminDown (on its
	// own goroutine, avoiding a race with a separate shutdown goroutine)
	// by the time g.Wait returns; give the final AdminDown packets time
	// to reach peers before tearing down sockets.
	time.Sleep(drainTimeout)
	if err := engine.Close(); err != nil {
		logger.Warn("error closing session sockets", slog.String("error", err.Error()))
	}
	d.mu.Lock()
	closeListeners(d.listeners, logger)
	d.mu.Unlock()

	if waitErr != nil {
		logger.Error("gobfd exited with error", slog.String("error", waitErr.Error()))
		return waitErr
	}
	logger.Info("gobfd stopped")
	return nil
}

// daemon bundles the long-lived state runDaemon's goroutines share:
// the engine, its current listener set, and the logging/metrics
// plumbing SIGHUP reload needs to rebuild all three together.
type daemon struct {
	mu         sync.Mutex
	logger     *slog.Logger
	logLevel   *slog.LevelVar
	engine     *bfd.Engine
	listeners  []*netio.Listener
	configPath string
	ports      *netio.SourcePortAllocator
}

// bridgeInbound translates netio.Inbound (full transport metadata) into
// bfd.Inbound (just the fields the engine's single-threaded loop needs),
// the channel-boundary translation the netio/bfd package split requires
// (see DESIGN.md).
func bridgeInbound(ctx context.Context, in <-chan netio.Inbound, out chan<- bfd.Inbound) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case out <- bfd.Inbound{Pkt: item.Pkt, Src: item.Meta.SrcAddr}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// drainEventSink is the daemon's built-in consumer of the state-change
// ChannelSink exposed alongside the log sink. A future external
// consumer (a BGP or routing-table bridge) would take this goroutine's
// place; until then this keeps the channel from filling with nothing
// ever reading it, and logs each transition at debug level.
func drainEventSink(ctx context.Context, sink *eventsink.ChannelSink, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sink.Events():
			if !ok {
				return
			}
			logger.Debug("event sink delivery",
				slog.String("instance", ev.Instance),
				slog.String("state", ev.State.String()),
			)
		}
	}
}

// buildRegistry constructs a fresh Registry and opens a listener per
// unique local bind address plus one UDPSender per enabled instance.
func (d *daemon) buildRegistry(cfg *config.Config) (*bfd.Registry, []*netio.Listener, error) {
	registry := bfd.NewRegistry()
	seenListeners := make(map[string]struct{})
	var listeners []*netio.Listener

	for _, inst := range cfg.Instances {
		discr, err := registry.NewLocalDiscriminator()
		if err != nil {
			return nil, listeners, fmt.Errorf("instance %q: allocate discriminator: %w", inst.Name, err)
		}

		s := bfd.NewSession(inst.Name, discr, d.logger)
		s.Neighbor = inst.Neighbor
		s.Source = inst.Source
		s.RequiredMinRx = inst.RequiredMinRx
		s.DesiredMinTx = inst.DesiredMinTx
		s.IdleTx = inst.IdleTx
		s.DetectMult = inst.DetectMult
		s.Disabled = inst.Disabled

		if !inst.Disabled {
			sock, err := d.openSocket(s)
			if err != nil {
				d.logger.Error("failed to open session socket, disabling",
					slog.String("name", s.Name), slog.String("error", err.Error()))
				s.Disabled = true
			} else {
				s.OutSocket = sock
			}
		}

		if err := registry.Add(s); err != nil {
			d.logger.Warn("duplicate neighbor address, disabling session",
				slog.String("name", s.Name), slog.String("error", err.Error()))
			s.Disabled = true
		}

		if s.Source.IsValid() {
			key := s.Source.String()
			if _, ok := seenListeners[key]; !ok {
				ln, err := netio.NewListener(netio.ListenerConfig{Addr: s.Source})
				if err != nil {
					return registry, listeners, fmt.Errorf("listen on %s: %w", s.Source, err)
				}
				seenListeners[key] = struct{}{}
				listeners = append(listeners, ln)
			}
		}
	}

	return registry, listeners, nil
}

// openSocket allocates an ephemeral source port and opens a UDPSender
// bound to s's neighbor, passed to bfd.NewEngine/Engine.Reload as the
// socket-open callback.
func (d *daemon) openSocket(s *bfd.Session) (bfd.OutputSocket, error) {
	local := s.Source
	if !local.IsValid() {
		local = unspecifiedFor(s.Neighbor.Addr())
	}
	port, err := d.ports.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate source port: %w", err)
	}
	sender, err := netio.NewUDPSender(local, port, s.Neighbor.Addr(), d.logger)
	if err != nil {
		d.ports.Release(port)
		return nil, fmt.Errorf("create sender: %w", err)
	}
	return sender, nil
}

// sourcePorted is implemented by output sockets (netio.UDPSender) that
// hold a port allocated through d.ports, so closeSocket can release it.
type sourcePorted interface {
	SrcPort() uint16
}

// closeSocket is openSocket's counterpart, passed to Engine.Reload so a
// retired session's port is freed back to d.ports at the same point its
// socket is closed, instead of only on openSocket's own error path.
func (d *daemon) closeSocket(s *bfd.Session, sock bfd.OutputSocket) {
	if sp, ok := sock.(sourcePorted); ok {
		defer d.ports.Release(sp.SrcPort())
	}
	if err := sock.Close(); err != nil {
		d.logger.Warn("close output socket on reload",
			slog.String("instance", s.Name), slog.String("error", err.Error()))
	}
}

// unspecifiedFor returns the wildcard bind address matching neighbor's
// address family, used when an instance configures no explicit source_ip.
func unspecifiedFor(neighbor netip.Addr) netip.Addr {
	if neighbor.Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

// handleSIGHUP blocks, reloading configuration on every SIGHUP until ctx
// is cancelled.
func (d *daemon) handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			d.logger.Info("received SIGHUP, reloading configuration")
			d.reload(ctx)
		}
	}
}

// reload loads a fresh configuration and hands the new Registry to the
// engine's own goroutine via RequestReload (spec.md Section 4.8). A
// parse/build failure leaves the current configuration running
// untouched.
func (d *daemon) reload(ctx context.Context) {
	newCfg, err := loadConfig(d.configPath, d.logger)
	if err != nil {
		d.logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()))
		return
	}

	d.logLevel.Set(config.ParseLogLevel(newCfg.Daemon.LogLevel))

	newRegistry, newListeners, err := d.buildRegistry(newCfg)
	if err != nil {
		d.logger.Error("failed to build reloaded session set, keeping current configuration",
			slog.String("error", err.Error()))
		closeListeners(newListeners, d.logger)
		return
	}

	if _, err := d.engine.RequestReload(ctx, newRegistry, d.openSocket, d.closeSocket); err != nil {
		d.logger.Error("reload request failed", slog.String("error", err.Error()))
		closeListeners(newListeners, d.logger)
		return
	}

	d.mu.Lock()
	oldListeners := d.listeners
	d.listeners = newListeners
	d.mu.Unlock()
	closeListeners(oldListeners, d.logger)

	d.logger.Info("configuration reloaded", slog.Int("instances", len(newCfg.Instances)))
}

func closeListeners(listeners []*netio.Listener, logger *slog.Logger) {
	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			logger.Warn("failed to close listener", slog.String("error", err.Error()))
		}
	}
}

func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	if path == "" {
		return &config.Config{Daemon: config.DefaultDaemon()}, nil
	}
	return config.Load(path, logger)
}

func newLogger(d config.Daemon, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch d.LogFormat {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func newMetricsServer(d config.Daemon, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              d.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}
