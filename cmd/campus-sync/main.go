package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/campus-sync/internal/auth"
	"github.com/alexjbarnes/campus-sync/internal/config"
	"github.com/alexjbarnes/campus-sync/internal/devices"
	"github.com/alexjbarnes/campus-sync/internal/logging"
	"github.com/alexjbarnes/campus-sync/internal/mcpserver"
	"github.com/alexjbarnes/campus-sync/internal/messaging"
	"github.com/alexjbarnes/campus-sync/internal/notify"
	"github.com/alexjbarnes/campus-sync/internal/offline"
	"github.com/alexjbarnes/campus-sync/internal/realtime"
	"github.com/alexjbarnes/campus-sync/internal/server"
	"github.com/alexjbarnes/campus-sync/internal/state"
	"github.com/alexjbarnes/campus-sync/internal/syncengine"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		if err := hashKey(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashKey prints a new API key for the client and the keyring entry that
// accepts it. Optional arguments fill in userId, tenantId and role.
func hashKey(args []string) error {
	fields := []string{"<user-id>", "<tenant-id>", "<role>"}
	copy(fields, args)

	key, err := auth.GenerateKey()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "API key (give this to the client, it is not stored):\n%s\n\n", key.Token)
	fmt.Fprintln(os.Stderr, "Keyring entry:")
	fmt.Printf("  - id: %s\n    hash: %q\n    userId: %q\n    tenantId: %q\n    role: %s\n",
		key.ID, key.Hash, fields[0], fields[1], fields[2])

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("campus-sync starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer st.Close()

	keyring, err := auth.LoadKeyring(cfg.PrincipalsFile, logger.With(slog.String("service", "auth")))
	if err != nil {
		return fmt.Errorf("loading keyring: %w", err)
	}

	logger.Info("keyring loaded",
		slog.String("path", cfg.PrincipalsFile),
		slog.Int("keys", keyring.Len()),
	)

	devs := devices.New(st, logger.With(slog.String("service", "devices")))

	registry := realtime.New(realtime.Config{
		SendTimeout:      cfg.SendTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SweepInterval:    cfg.SweepInterval,
	}, logger.With(slog.String("service", "realtime")), realtime.WithPresence(devs))
	broadcaster := realtime.NewBroadcaster(registry, logger.With(slog.String("service", "realtime")))

	syncLogger := logger.With(slog.String("service", "sync"))
	engine := syncengine.New(st, syncengine.NewRouter(syncengine.NewStoreApplier(st)), devs, broadcaster, syncLogger,
		syncengine.WithRetryPolicy(syncengine.RetryPolicy{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay}),
	)

	msgs := messaging.New(st, broadcaster, logger.With(slog.String("service", "messaging")))

	notifyLogger := logger.With(slog.String("service", "notify"))
	notifications := notify.New(st, devs, notify.NewLogSink(notifyLogger), broadcaster, notifyLogger)

	cache := offline.New(st, cfg.OfflineCacheTTL, logger.With(slog.String("service", "offline")))

	var mcpHandler http.Handler
	if cfg.EnableMCP {
		deps := mcpserver.Deps{
			Engine:      engine,
			Registry:    registry,
			Broadcaster: broadcaster,
			StuckAfter:  cfg.StuckProcessingAfter,
			Logger:      logger.With(slog.String("service", "mcp")),
		}

		// Each request gets a server bound to the admin who sent it.
		mcpHandler = mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
			p, ok := auth.RequestPrincipal(r.Context())
			if !ok {
				return nil
			}

			return mcpserver.NewServer(deps, p, Version)
		}, &mcp.StreamableHTTPOptions{Stateless: true})
	}

	mux := server.NewMux(server.MuxConfig{
		Auth:           keyring,
		Engine:         engine,
		Messaging:      msgs,
		Notifications:  notifications,
		Devices:        devs,
		Offline:        cache,
		Registry:       registry,
		Broadcaster:    broadcaster,
		MCPHandler:     mcpHandler,
		Logger:         logger.With(slog.String("service", "http")),
		AllowedOrigins: cfg.AllowedOrigins,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", slog.String("listen", cfg.ListenAddr))

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.String("error", err.Error()))
		}

		return registry.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return registry.Run(gctx)
	})

	g.Go(func() error {
		return cache.Run(gctx, cfg.OfflineSweepInterval)
	})

	g.Go(func() error {
		return notifications.Run(gctx, cfg.NotifySchedulerInterval)
	})

	g.Go(func() error {
		return msgs.Run(gctx, cfg.NotifySchedulerInterval)
	})

	g.Go(func() error {
		return keyring.Watch(gctx)
	})

	return g.Wait()
}
