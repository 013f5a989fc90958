package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/isaquesgti/sinistro-simplify/internal/auth"
	"github.com/isaquesgti/sinistro-simplify/internal/config"
	"github.com/isaquesgti/sinistro-simplify/internal/httpapi"
	"github.com/isaquesgti/sinistro-simplify/internal/idp"
	"github.com/isaquesgti/sinistro-simplify/internal/messages"
	"github.com/isaquesgti/sinistro-simplify/internal/obs"
	"github.com/isaquesgti/sinistro-simplify/internal/portal"
	"github.com/isaquesgti/sinistro-simplify/internal/realtime"
	"github.com/isaquesgti/sinistro-simplify/internal/store/pg"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the portal API",
	Long:  `Starts the HTTP API, the gRPC health endpoint and the message insert listener.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().String("http_addr", "", "HTTP listen address (env: SINISTRO_HTTP_ADDR)")
	serveCmd.Flags().String("grpc_addr", "", "gRPC health listen address (env: SINISTRO_GRPC_ADDR)")
	serveCmd.Flags().Bool("manual_roles", false, "Enable the developer role shortcut (env: SINISTRO_MANUAL_ROLES)")
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := obs.Component("serve")
	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, err := pg.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	signer, err := idp.NewSigner(cfg.AuthSecret, cfg.SessionTTL)
	if err != nil {
		return err
	}

	var authorityOpts []idp.AuthorityOption
	overrides := func(string) auth.RoleOverrides { return auth.NewMemoryOverrides() }
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		authorityOpts = append(authorityOpts, idp.WithRevocations(idp.NewRedisRevocations(rdb)))
		overrides = func(visitorID string) auth.RoleOverrides {
			return auth.NewRedisOverrides(rdb, visitorID, cfg.OverrideTTL)
		}
		log.WithField("addr", cfg.RedisAddr).Info("redis enabled for revocations and role overrides")
	}

	authority, err := idp.NewAuthority(store, signer, authorityOpts...)
	if err != nil {
		return err
	}
	registry, err := portal.NewRegistry(authority, store, portal.Config{
		Size:          cfg.VisitorCacheSize,
		TTL:           cfg.VisitorTTL,
		ManualRoles:   cfg.ManualRoles,
		LookupTimeout: cfg.LookupTimeout,
		Overrides:     overrides,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	hub := realtime.NewHub(0)
	defer hub.Close()

	probe := httpapi.ReadyProbe{DB: store}
	api, err := httpapi.New(httpapi.Options{
		Registry:       registry,
		Messages:       messages.NewService(store, store),
		Hub:            hub,
		Authority:      authority,
		LoginPath:      cfg.LoginPath,
		Ready:          probe,
		Version:        version,
		AllowedOrigins: cfg.AllowedOrigins,
		CookieSecure:   cfg.CookieSecure,
		RateBurst:      cfg.RateBurst,
		RatePerSec:     cfg.RatePerSec,
		SettleTimeout:  cfg.LookupTimeout,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 3)

	listener := realtime.NewListener(cfg.DatabaseURL, cfg.NotifyChannel, store, hub)
	go func() {
		if err := listener.Run(ctx); err != nil {
			errCh <- fmt.Errorf("message listener: %w", err)
		}
	}()

	health := httpapi.NewHealthService(probe)
	go health.Run(ctx, 10*time.Second)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	grpcSrv := httpapi.NewGRPCServer(health)
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	log.WithFields(logrus.Fields{
		"version":      version,
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"manual_roles": cfg.ManualRoles,
	}).Info("sinistro started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.WithError(runErr).Error("component failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
		_ = srv.Close()
	}
	grpcSrv.GracefulStop()
	log.Info("stopped")
	return runErr
}
