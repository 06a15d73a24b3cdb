package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"snapsync/broker/internal/auth"
	"snapsync/broker/internal/compression"
	"snapsync/broker/internal/config"
	"snapsync/broker/internal/delta"
	diagnostics "snapsync/broker/internal/grpc"
	"snapsync/broker/internal/httpapi"
	"snapsync/broker/internal/logging"
	"snapsync/broker/internal/pipeline"
	"snapsync/broker/internal/replay"
	"snapsync/broker/internal/simulation"
	"snapsync/broker/internal/transport"
	"snapsync/broker/internal/transport/ws"
)

const (
	websocketPath       = "/ws"
	shutdownTimeout     = 5 * time.Second
	replaySweepInterval = 10 * time.Minute
	replayDumpWindow    = time.Minute
	replayDumpLimit     = 3
	demoWorldSeed       = 1
)

// Broker owns every long-lived component of the snapshot server.
type Broker struct {
	cfg      *config.Config
	log      *logging.Logger
	registry *prometheus.Registry

	pipe     *pipeline.Pipeline
	hub      *ws.Hub
	sender   *transport.Sender
	monitor  *simulation.TickMonitor
	producer *simulation.Producer
	loop     *simulation.Loop
	recorder *replay.Recorder
	cleaner  *replay.Cleaner

	diagnostics *diagnostics.Service
	grpcServer  *grpc.Server
	handlers    *httpapi.HandlerSet

	started    time.Time
	mu         sync.Mutex
	startupErr error
}

// NewBroker builds the component graph described by cfg without opening any listener.
func NewBroker(cfg *config.Config, logger *logging.Logger) (*Broker, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if logger == nil {
		logger = logging.L()
	}
	b := &Broker{cfg: cfg, log: logger, registry: prometheus.NewRegistry(), started: time.Now()}
	b.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	//1.- Snapshot pipeline with the configured compressor and static-size table.
	compressor, err := compression.New(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("SNAPSYNC_COMPRESSION: %w", err)
	}
	defaultVariant, err := delta.ParseVariant(cfg.DefaultVariant)
	if err != nil {
		return nil, fmt.Errorf("SNAPSYNC_VARIANT: %w", err)
	}
	b.pipe = pipeline.New(pipeline.Options{
		MaxClients:      cfg.MaxClients,
		TickRate:        cfg.TickRate,
		Retention:       cfg.Retention,
		MaxPacketSize:   cfg.MaxPacketSize,
		TagRingCapacity: cfg.TagRingCapacity,
		Compressor:      compressor,
		Logger:          logger,
		Metrics:         pipeline.NewMetrics(b.registry),
	})
	sizes, err := config.LoadStaticSizes(cfg.StaticSizesPath)
	if err != nil {
		return nil, err
	}
	var recorded []replay.StaticSize
	for _, size := range sizes {
		variant, err := delta.ParseVariant(size.Variant)
		if err != nil {
			return nil, fmt.Errorf("static sizes: %w", err)
		}
		if err := b.pipe.SetStaticSize(variant, size.Type, size.Words); err != nil {
			return nil, fmt.Errorf("static sizes: %w", err)
		}
		if variant == defaultVariant {
			recorded = append(recorded, replay.StaticSize{Type: size.Type, Words: size.Words})
		}
	}

	//2.- Websocket transport and the sender draining the pipeline into it.
	var authenticator auth.RequestAuthenticator = auth.AllowAll{}
	if cfg.WSAuthSecret != "" {
		tokens, err := auth.NewTokenAuthenticator(cfg.WSAuthSecret)
		if err != nil {
			return nil, fmt.Errorf("SNAPSYNC_WS_AUTH_SECRET: %w", err)
		}
		authenticator = tokens
	}
	b.hub = ws.New(ws.Options{
		MaxClients:      cfg.MaxClients,
		PingInterval:    cfg.PingInterval,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
		DefaultVariant:  defaultVariant,
		Authenticator:   authenticator,
		Resetter:        b.pipe,
		Logger:          logger,
	})
	b.sender = transport.NewSender(b.pipe, b.hub, logger)

	//3.- Optional replay recording with retention.
	if cfg.ReplayDir != "" {
		b.recorder, err = replay.NewRecorder(cfg.ReplayDir, "snapsync", replay.WriterOptions{
			Variant:     defaultVariant,
			TickRate:    cfg.TickRate,
			StaticSizes: recorded,
		}, logger)
		if err != nil {
			return nil, err
		}
		b.cleaner = replay.NewCleaner(cfg.ReplayDir, replay.RetentionPolicy{
			MaxRecordings: cfg.ReplayMaxRecordings,
			MaxAge:        cfg.ReplayMaxAge,
		}, logger)
	}

	//4.- Demo world driven by the fixed-step loop.
	b.monitor = simulation.NewTickMonitor(time.Second / time.Duration(cfg.TickRate))
	var tickRecorder simulation.Recorder
	if b.recorder != nil {
		tickRecorder = b.recorder
	}
	b.producer = simulation.NewProducer(simulation.NewWorld(cfg.DemoEntities, demoWorldSeed), b.pipe, b.hub.Clients, tickRecorder, logger)
	b.loop = simulation.NewLoop(float64(cfg.TickRate), b.producer.Step, b.monitor)

	//5.- Diagnostics surfaces.
	b.diagnostics = diagnostics.NewService(b.pipe, diagnostics.WithClientCounter(b.hub.Connected))
	if b.grpcServer, err = diagnostics.NewServer(cfg, b.diagnostics, logger); err != nil {
		return nil, err
	}
	opts := httpapi.Options{
		Logger:      logger,
		Readiness:   b,
		Gatherer:    b.registry,
		TagTimes:    b.pipe,
		Clients:     b.hub.Clients,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewWindowLimiter(replayDumpWindow, replayDumpLimit, nil),
	}
	if b.recorder != nil {
		opts.Replay = b.recorder
		opts.ReplayStats = b.recorder.Stats
		opts.StorageStats = b.cleaner.Stats
	}
	b.handlers = httpapi.NewHandlerSet(opts)
	b.registerMetrics()
	return b, nil
}

func (b *Broker) registerMetrics() {
	gauge := func(name, help string, value func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, value)
	}
	counter := func(name, help string, value func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, value)
	}
	b.registry.MustRegister(
		gauge("snapsync_ws_clients", "Connected websocket subscribers",
			func() float64 { return float64(b.hub.Connected()) }),
		gauge("snapsync_pipeline_pending", "Tasks queued for the pipeline worker",
			func() float64 { return float64(b.pipe.Pending()) }),
		counter("snapsync_sender_packets_total", "Packets handed to the websocket transport",
			func() float64 { return float64(b.sender.Stats().Packets) }),
		counter("snapsync_sender_failures_total", "Results dropped because a packet could not be sent",
			func() float64 { return float64(b.sender.Stats().Failed) }),
		gauge("snapsync_tick_duration_seconds", "Duration of the last simulation step",
			func() float64 { return b.monitor.Snapshot().Last.Seconds() }),
		counter("snapsync_tick_overruns_total", "Simulation steps that exceeded the tick budget",
			func() float64 { return float64(b.monitor.Snapshot().Overruns) }),
		counter("snapsync_tick_skipped_total", "Simulation steps dropped after a stall",
			func() float64 { return float64(b.monitor.Snapshot().Skipped) }),
	)
	if b.recorder == nil {
		return
	}
	b.registry.MustRegister(
		gauge("snapsync_replay_frames", "Frames in the active recording",
			func() float64 { return float64(b.recorder.Stats().Frames) }),
		gauge("snapsync_replay_bytes", "Packed bytes in the active recording",
			func() float64 { return float64(b.recorder.Stats().Bytes) }),
		counter("snapsync_replay_rolls_total", "Recordings finalised on request",
			func() float64 { return float64(b.recorder.Stats().Rolls) }),
		gauge("snapsync_replay_stored_bytes", "Disk usage of kept recordings",
			func() float64 { return float64(b.cleaner.Stats().Bytes) }),
	)
}

// ClientCounts implements httpapi.ReadinessProvider.
func (b *Broker) ClientCounts() (connected, capacity int) {
	return b.hub.Connected(), b.pipe.MaxClients()
}

// StartupError implements httpapi.ReadinessProvider.
func (b *Broker) StartupError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startupErr
}

// Uptime implements httpapi.ReadinessProvider.
func (b *Broker) Uptime() time.Duration { return time.Since(b.started) }

func (b *Broker) setStartupError(err error) {
	b.mu.Lock()
	if b.startupErr == nil {
		b.startupErr = err
	}
	b.mu.Unlock()
}

// Listeners carries the sockets Serve runs on.
type Listeners struct {
	Websocket   net.Listener
	Diagnostics net.Listener
	GRPC        net.Listener
}

// Listen opens the three configured addresses.
func (b *Broker) Listen() (Listeners, error) {
	var (
		ls  Listeners
		err error
	)
	closeAll := func() {
		for _, l := range []net.Listener{ls.Websocket, ls.Diagnostics, ls.GRPC} {
			if l != nil {
				_ = l.Close()
			}
		}
	}
	if ls.Websocket, err = net.Listen("tcp", b.cfg.Address); err != nil {
		return Listeners{}, fmt.Errorf("listen websocket: %w", err)
	}
	if ls.Diagnostics, err = net.Listen("tcp", b.cfg.HTTPAddress); err != nil {
		closeAll()
		return Listeners{}, fmt.Errorf("listen http: %w", err)
	}
	if ls.GRPC, err = net.Listen("tcp", b.cfg.GRPCAddress); err != nil {
		closeAll()
		return Listeners{}, fmt.Errorf("listen grpc: %w", err)
	}
	return ls, nil
}

// Serve runs every component until ctx is cancelled or a server fails, then
// shuts everything down in dependency order.
func (b *Broker) Serve(ctx context.Context, ls Listeners) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wsRouter := chi.NewRouter()
	wsRouter.Handle(websocketPath, b.hub)
	wsServer := &http.Server{Handler: wsRouter, ReadHeaderTimeout: 10 * time.Second}
	httpServer := &http.Server{Handler: b.handlers.Router(), ReadHeaderTimeout: 10 * time.Second}

	//1.- Producers first so the first subscriber finds a running pipeline.
	b.pipe.Start(ctx)
	b.loop.Start(ctx)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		b.sender.Run(gctx, transport.DefaultPollInterval)
		return nil
	})
	if b.cleaner != nil {
		group.Go(func() error {
			b.cleaner.Run(gctx, replaySweepInterval)
			return nil
		})
	}
	group.Go(func() error {
		var err error
		if b.cfg.TLSCertPath != "" {
			err = wsServer.ServeTLS(ls.Websocket, b.cfg.TLSCertPath, b.cfg.TLSKeyPath)
		} else {
			err = wsServer.Serve(ls.Websocket)
		}
		return serveError("websocket", err)
	})
	group.Go(func() error {
		return serveError("http", httpServer.Serve(ls.Diagnostics))
	})
	group.Go(func() error {
		return serveError("grpc", b.grpcServer.Serve(ls.GRPC))
	})

	b.log.Info("broker started",
		logging.String("websocket", websocketURL(ls.Websocket.Addr().String(), b.cfg.TLSCertPath != "")),
		logging.String("http", httpURL(ls.Diagnostics.Addr().String())),
		logging.String("grpc", ls.GRPC.Addr().String()),
		logging.Int("max_clients", b.cfg.MaxClients),
		logging.Int("tick_rate", b.cfg.TickRate),
		logging.String("compression", b.cfg.Compression),
	)

	//2.- Wait for cancellation or the first server failure.
	<-gctx.Done()
	if err := context.Cause(gctx); err != nil && !errors.Is(err, context.Canceled) {
		b.setStartupError(err)
	}
	b.loop.Stop()
	b.hub.Close()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	_ = wsServer.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)
	b.grpcServer.GracefulStop()
	cancel()
	err := group.Wait()
	b.pipe.Stop()
	if cerr := b.recorder.Close(); cerr != nil {
		b.log.Warn("close replay recorder failed", logging.Error(cerr))
	}
	b.log.Info("broker stopped")
	return err
}

func serveError(name string, err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return fmt.Errorf("%s server: %w", name, err)
}
