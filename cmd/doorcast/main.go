package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/doorcast/relay/internal/certs"
	"github.com/doorcast/relay/internal/config"
	"github.com/doorcast/relay/internal/directory"
	"github.com/doorcast/relay/internal/distribution"
	"github.com/doorcast/relay/internal/health"
	"github.com/doorcast/relay/internal/ingest"
	"github.com/doorcast/relay/internal/metrics"
	"github.com/doorcast/relay/internal/reorder"
	"github.com/doorcast/relay/internal/stream"
	"github.com/doorcast/relay/internal/transcode"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		os.Exit(hashKey(os.Args[2:]))
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := cfg.Logger()
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

// hashKey prints the stored form of a device key for provisioning.
func hashKey(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: doorcast hash-key <device-key>")
		return 2
	}
	h, err := directory.HashKey(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash-key: %v\n", err)
		return 1
	}
	fmt.Println(h)
	return 0
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	transport, err := transcode.ParseTransport(cfg.TranscodeTransport)
	if err != nil {
		return err
	}

	dir, closeDir, err := openDirectory(cfg, log)
	if err != nil {
		return err
	}
	defer closeDir()

	m := metrics.New()
	tracker := health.NewTracker(cfg.StaleThreshold, m, log)
	profile := transcode.Profile{
		VideoBitrateKbps: cfg.VideoBitrateKbps,
		AudioBitrateKbps: cfg.AudioBitrateKbps,
		GOPSize:          cfg.GOPSize,
	}

	mgr := stream.NewManager(stream.Config{
		WorkRoot:    cfg.WorkDir,
		ReplayDepth: cfg.ReplayDepth,
		NewTranscoder: func(deviceID, workDir string, sink transcode.SegmentSink) transcode.Transcoder {
			return transcode.NewEngine(transcode.Config{
				FFmpegPath: cfg.FFmpegPath,
				Transport:  transport,
				WorkDir:    workDir,
				Profile:    profile,
				Logger:     log.With("device", deviceID),
			}, sink)
		},
		Observers: []stream.Observer{tracker},
		Frames:    tracker,
		Metrics:   m,
		Logger:    log,
	})
	sweeper := health.NewSweeper(cfg.WorkDir, mgr.WorkDirs, m, log)
	// Nothing is listening yet, so every entry is a crash leftover.
	if _, err := sweeper.Sweep(0); err != nil {
		log.Warn("startup sweep incomplete", "error", err)
	}
	registry := ingest.NewRegistry()

	wsIngest := ingest.NewWSGateway(ingest.WSConfig{
		Devices:   dir,
		Pipelines: mgr,
		Registry:  registry,
		Sequence: reorder.SequenceConfig{
			MaxReorderDelay: cfg.MaxReorderDelay,
			MaxSequenceGap:  uint32(cfg.MaxSequenceGap),
			MaxSize:         cfg.ReorderMaxSize,
		},
		Metrics: m,
		Logger:  log,
	})
	udpIngest := ingest.NewUDPGateway(ingest.UDPConfig{
		Devices:   dir,
		Pipelines: mgr,
		Registry:  registry,
		Jitter: reorder.JitterConfig{
			MaxWait:    cfg.JitterMaxWait,
			MaxDriftMs: cfg.JitterMaxDrift.Milliseconds(),
			MaxSize:    cfg.JitterMaxSize,
		},
		IdleTimeout: cfg.UDPIdleTimeout,
		Metrics:     m,
		Logger:      log,
	})
	relay := distribution.NewRelay(distribution.RelayConfig{
		Auth:        dir,
		Pipelines:   mgr,
		WaitTimeout: cfg.ViewerWaitTimeout,
		Metrics:     m,
		Logger:      log,
	})

	a := &app{mgr: mgr, tracker: tracker, registry: registry}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.routes(wsIngest, relay, m),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	pc, err := net.ListenPacket("udp", cfg.UDPAddr)
	if err != nil {
		return fmt.Errorf("udp listen %s: %w", cfg.UDPAddr, err)
	}
	dtlsLn, err := listenDTLS(cfg, log)
	if err != nil {
		_ = pc.Close()
		return err
	}

	log.Info("doorcast starting",
		"version", version,
		"http", cfg.HTTPAddr,
		"udp", cfg.UDPAddr,
		"dtls", cfg.DTLSAddr,
		"transport", string(transport),
		"work_dir", cfg.WorkDir,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return udpIngest.Serve(gctx, pc)
	})

	if dtlsLn != nil {
		g.Go(func() error {
			return udpIngest.ServeDTLS(gctx, dtlsLn)
		})
	}

	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return tracker.Run(gctx, cfg.HealthInterval)
	})

	g.Go(func() error {
		return sweeper.Run(gctx, cfg.SweepInterval, cfg.SweepGrace)
	})

	err = g.Wait()

	log.Info("stopping pipelines")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if stopErr := mgr.StopAll(stopCtx); stopErr != nil {
		log.Warn("pipeline shutdown incomplete", "error", stopErr)
	}
	return err
}

// listenDTLS opens the DTLS listener when DTLS_ADDR is set. Without a
// configured key pair a fresh self-signed certificate is generated, so
// devices pinning a fingerprint need DTLS_CERT_FILE and DTLS_KEY_FILE.
func listenDTLS(cfg config.Config, log *slog.Logger) (net.Listener, error) {
	if cfg.DTLSAddr == "" {
		return nil, nil
	}
	cert, err := certs.LoadOrGenerate(cfg.DTLSCertFile, cfg.DTLSKeyFile, "doorcast")
	if err != nil {
		return nil, fmt.Errorf("dtls certificate: %w", err)
	}
	log.Info("dtls certificate ready",
		"fingerprint", cert.FingerprintHex(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return ingest.ListenDTLS(cfg.DTLSAddr, cert.TLSCert)
}

// openDirectory selects the Redis directory when REDIS_ADDR is set and the
// JSON devices file otherwise.
func openDirectory(cfg config.Config, log *slog.Logger) (directory.Directory, func(), error) {
	if cfg.RedisAddr == "" {
		d, err := directory.LoadFile(cfg.DevicesFile)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using static directory", "file", cfg.DevicesFile)
		return d, func() {}, nil
	}

	client := directory.NewRedisClient(cfg.RedisAddr, cfg.RedisDB)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	log.Info("using redis directory", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	return directory.NewRedis(client), func() { closeRedis(client, log) }, nil
}

func closeRedis(c *redis.Client, log *slog.Logger) {
	if err := c.Close(); err != nil {
		log.Warn("redis close", "error", err)
	}
}

type app struct {
	mgr      *stream.Manager
	tracker  *health.Tracker
	registry *ingest.Registry
}

func (a *app) routes(wsIngest, relay http.Handler, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.RequestMiddleware(m))

	r.Get("/ingest/{deviceID}", wsIngest.ServeHTTP)
	r.Get("/watch/{deviceID}", relay.ServeHTTP)
	r.Handle("/metrics", m.Handler())
	r.Get("/healthz", a.handleHealth)
	r.Get("/api/pipelines", a.handlePipelines)
	r.Get("/api/ingest", a.handleIngest)
	return r
}

type healthResponse struct {
	Status    string          `json:"status"`
	Pipelines []health.Status `json:"pipelines"`
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Pipelines: a.tracker.Snapshot()}
	for _, s := range resp.Pipelines {
		if !s.Healthy {
			resp.Status = "degraded"
			break
		}
	}
	writeJSON(w, resp)
}

func (a *app) handlePipelines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.mgr.List())
}

func (a *app) handleIngest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.registry.List())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write json response", "error", err)
	}
}
