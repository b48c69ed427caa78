package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whispernet/whisper/internal/v1/bootstrap"
	"github.com/whispernet/whisper/internal/v1/chat"
	"github.com/whispernet/whisper/internal/v1/config"
	"github.com/whispernet/whisper/internal/v1/health"
	"github.com/whispernet/whisper/internal/v1/logging"
	"github.com/whispernet/whisper/internal/v1/ratelimit"
	"github.com/whispernet/whisper/internal/v1/tracing"
)

func main() {
	// Load .env for local development; in deployment everything arrives via
	// real environment variables.
	for _, path := range []string{".env", "../../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "whisper", cfg.OtelCollectorAddr, cfg.DevelopmentMode)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	if cfg.IsBootstrap {
		runBootstrap(ctx, cfg)
		return
	}
	runChat(ctx, cfg)
}

// runBootstrap serves the relay mode: the overlay alone, with a persistent
// identity and the ops surface.
func runBootstrap(ctx context.Context, cfg *config.Config) {
	relay, err := bootstrap.New(bootstrap.Config{
		Port:           cfg.P2PPort,
		KeyPath:        cfg.BootstrapKey,
		BootstrapNodes: cfg.BootstrapNodes,
		AdvertiseAddr:  cfg.AdvertiseAddr,
		MaxConnections: cfg.MaxConnections,
	})
	if err != nil {
		logging.Fatal(ctx, "Failed to create bootstrap node", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(ctx) })
	startOpsServer(ctx, g, cfg, relay.Overlay())

	if err := g.Wait(); err != nil {
		logging.Error(context.Background(), "Bootstrap node exited with error", zap.Error(err))
		os.Exit(1)
	}
}

// runChat serves the chat core: the process-wide overlay node, the shared
// directory, and the dispatcher the transport collaborator hangs sessions
// off, plus the ops surface.
func runChat(ctx context.Context, cfg *config.Config) {
	core, err := chat.NewCore(ctx, cfg)
	if err != nil {
		logging.Fatal(ctx, "Failed to start chat core", zap.Error(err))
	}

	logging.Info(ctx, "Chat core ready",
		zap.String("peer", core.Overlay().ID()),
		zap.String("default_room", cfg.DefaultRoom),
		zap.Int("p2p_port", cfg.P2PPort),
		zap.Int("ssh_port", cfg.SSHPort))

	g, ctx := errgroup.WithContext(ctx)
	startOpsServer(ctx, g, cfg, core.Overlay())
	g.Go(func() error {
		<-ctx.Done()
		return core.Close()
	})

	if err := g.Wait(); err != nil {
		logging.Error(context.Background(), "Chat core exited with error", zap.Error(err))
		os.Exit(1)
	}
}

// startOpsServer mounts metrics, health, and middleware on the ops port and
// registers its serve/shutdown pair on the group.
func startOpsServer(ctx context.Context, g *errgroup.Group, cfg *config.Config, node health.OverlayChecker) {
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if cfg.AllowedOrigins != "" {
		corsCfg.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	} else {
		corsCfg.AllowOrigins = []string{"http://localhost:3000"}
	}
	r.Use(cors.New(corsCfg))

	limiter, err := ratelimit.NewOpsLimiter(cfg.OpsRateLimit)
	if err != nil {
		logging.Fatal(ctx, "Invalid OPS_RATE_LIMIT", zap.Error(err))
	}
	r.Use(limiter.Middleware())

	if cfg.OtelCollectorAddr != "" {
		r.Use(otelgin.Middleware("whisper"))
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := health.NewHandler(node, len(cfg.BootstrapNodes) > 0)
	r.GET("/health/live", h.Liveness)
	r.GET("/health/ready", h.Readiness)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.OpsPort),
		Handler: r,
	}

	g.Go(func() error {
		logging.Info(ctx, "Ops server starting", zap.Int("port", cfg.OpsPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ops server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
