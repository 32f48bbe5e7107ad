package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/opnfleet/controller/pkg/broker"
	"github.com/opnfleet/controller/pkg/config"
	"github.com/opnfleet/controller/pkg/store"
	"github.com/opnfleet/controller/pkg/telemetry"
	"github.com/opnfleet/controller/pkg/tunnel"
)

var (
	configPath = flag.String("config", "/etc/opnfleet/controller.yaml", "Config file path")
	listenFlag = flag.String("listen", "", "Listen address (overrides config)")
	dbFlag     = flag.String("db", "", "Database path (overrides config)")
	Version    = "dev"
)

// Server wires the brokers and the tunnel layer into the HTTP surface.
type Server struct {
	db       *gorm.DB
	cfg      *config.ControllerConfig
	log      zerolog.Logger
	hasher   FingerprintHasher
	limiter  *RateLimiter
	commands *broker.CommandBroker
	requests *broker.RequestBroker
	tunnels  *tunnel.SessionManager
	monitor  *tunnel.HealthMonitor

	adminToken string
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	if *listenFlag != "" {
		cfg.Server.Listen = *listenFlag
	}
	if *dbFlag != "" {
		cfg.Server.DBPath = *dbFlag
	}

	logger := configureLogger(cfg.Logging)
	logger.Info().Str("version", Version).Msg("fleet controller starting")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    "opnfleet-controller",
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		LogSpans:       cfg.Tracing.LogSpans,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer provider.Shutdown(context.Background())

	db, err := store.Open(cfg.Server.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}

	srv := newServer(db, cfg, logger)

	go srv.runQueueMaintenance(ctx)
	go srv.monitor.Start(ctx, time.Duration(cfg.Tunnel.MonitorInterval)*time.Second)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(withRequestContext(logger))

	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy", "version": Version})
	})
	srv.registerAgentRoutes(r)
	srv.registerCommandRoutes(r)
	srv.registerRequestRoutes(r)
	srv.registerTunnelRoutes(r)

	logger.Info().Str("listen", cfg.Server.Listen).Msg("listening")
	if err := r.Run(cfg.Server.Listen); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func newServer(db *gorm.DB, cfg *config.ControllerConfig, logger zerolog.Logger) *Server {
	commands := broker.NewCommandBroker(db, logger)
	requests := broker.NewRequestBroker(db, logger)

	sup := tunnel.NewExecSupervisor(logger)
	registrar := tunnel.NewFileRegistrar(
		cfg.Tunnel.ProxyDir, cfg.Tunnel.ProxyCertFile, cfg.Tunnel.ProxyKeyFile,
		cfg.Tunnel.ProxyReloadCmd, sup, logger)
	keys := tunnel.NewKeyStore(cfg.Tunnel.KeyDir)
	alloc := tunnel.NewPortAllocator(db, cfg.Tunnel.PortRangeStart, cfg.Tunnel.PortRangeEnd)
	manager := tunnel.NewSessionManager(db, alloc, sup, registrar, keys, commands, logger, tunnel.Config{
		SessionTTL:    time.Duration(cfg.Tunnel.SessionTTL) * time.Second,
		IdleTimeout:   time.Duration(cfg.Tunnel.IdleTimeout) * time.Second,
		SSHUser:       cfg.Tunnel.SSHUser,
		SSHPort:       cfg.Tunnel.SSHPort,
		ProbeTimeout:  time.Duration(cfg.Tunnel.ProbeTimeout) * time.Second,
		VerifyTimeout: time.Duration(cfg.Tunnel.VerifyTimeout) * time.Second,
	})
	prober := tunnel.NewHTTPProber(time.Duration(cfg.Tunnel.ProbeTimeout) * time.Second)
	monitor := tunnel.NewHealthMonitor(db, manager, prober, cfg.Tunnel.LockFile, logger)

	return &Server{
		db:         db,
		cfg:        cfg,
		log:        logger,
		hasher:     NewFingerprintHasher([]byte(cfg.Server.FingerprintKey)),
		limiter:    NewRateLimiter(),
		commands:   commands,
		requests:   requests,
		tunnels:    manager,
		monitor:    monitor,
		adminToken: cfg.Server.AdminToken,
	}
}

// runQueueMaintenance drives the reconciliation sweeps, the offline marker,
// and the retention purges on their intervals. All of it is idempotent; a
// store-level failure only skips the current pass.
func (s *Server) runQueueMaintenance(ctx context.Context) {
	sweep := time.NewTicker(time.Duration(s.cfg.Queue.SweepInterval) * time.Second)
	purge := time.NewTicker(time.Duration(s.cfg.Queue.PurgeInterval) * time.Second)
	defer sweep.Stop()
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.markStaleAgentsOffline()
			if _, err := s.commands.Sweep(); err != nil {
				s.log.Error().Err(err).Msg("command sweep failed")
			}
			if _, err := s.requests.Sweep(); err != nil {
				s.log.Error().Err(err).Msg("request sweep failed")
			}
		case <-purge.C:
			if _, err := s.commands.Purge(); err != nil {
				s.log.Error().Err(err).Msg("command purge failed")
			}
			if _, err := s.requests.Purge(); err != nil {
				s.log.Error().Err(err).Msg("request purge failed")
			}
		}
	}
}

func (s *Server) markStaleAgentsOffline() {
	cutoff := time.Now().UTC().Add(-time.Duration(s.cfg.Agents.OfflineAfter) * time.Second)
	res := s.db.Model(&store.Agent{}).
		Where("status = ? AND last_checkin < ?", store.AgentOnline, cutoff).
		Update("status", store.AgentOffline)
	if res.Error != nil {
		s.log.Error().Err(res.Error).Msg("offline marking failed")
		return
	}
	if res.RowsAffected > 0 {
		s.log.Info().Int64("agents", res.RowsAffected).Msg("agents marked offline")
	}
}

func configureLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}

	var logger zerolog.Logger
	if cfg.JSON || !cfg.HumanReadable {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
