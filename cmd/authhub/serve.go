package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"authhub.org/internal/auth"
	"authhub.org/internal/httpapi"
	"authhub.org/internal/obs"
	"authhub.org/internal/sso"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the gRPC health endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	ctx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("close backend", zap.Error(err))
		}
	}()

	codec, err := auth.NewTokenCodec(cfg.JWTSecret, cfg.JWTIssuer, nil)
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}
	sessions := auth.NewSessionManager(b.store, codec,
		auth.WithSessionTTL(cfg.SessionTTL),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshRotation(cfg.RotateRefreshTokens),
		auth.WithLoginLimiter(b.limiter("login", cfg.LoginLimit, cfg.LoginWindow)),
		auth.WithAccountLimiter(b.limiter("account", cfg.AccountLoginLimit, cfg.LoginWindow)),
		auth.WithSessionLogger(logger.Named("session")),
	)
	resolver := auth.NewResolver(b.store,
		auth.WithPermissionCache(b.permissionCache(cfg, logger.Named("permcache"))),
		auth.WithCacheTTL(cfg.PermCacheTTL),
		auth.WithResolverLogger(logger.Named("rbac")),
	)
	chain := auth.NewChain(b.store, sessions,
		auth.WithAPIKeyLimiter(b.limiter("apikey", cfg.APIKeyLimit, time.Minute)),
		auth.WithChainLogger(logger.Named("authn")),
	)
	broker := sso.NewBroker(b.store, sessions, resolver,
		sso.WithCodeTTL(cfg.AuthCodeTTL),
		sso.WithLoginURL(cfg.LoginURL),
		sso.WithLogger(logger.Named("sso")),
	)

	for _, p := range cfg.Projects {
		if _, err := resolver.SetupProject(ctx, p); err != nil {
			return fmt.Errorf("setup project %s: %w", p.Code, err)
		}
		logger.Info("project registered", zap.String("project", p.Code), zap.String("base_url", p.BaseURL))
	}

	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		return err
	}

	checker := httpapi.ReadyCheck{DB: b.db, Redis: b.redis}
	api := httpapi.New(httpapi.Deps{
		Sessions:  sessions,
		Chain:     chain,
		Resolver:  resolver,
		Broker:    broker,
		Ready:     checker,
		IPLimiter: b.limiter("ip", cfg.IPLimit, time.Minute),
	},
		httpapi.WithVersion(version),
		httpapi.WithCookie(httpapi.CookieConfig{
			Name:     cfg.CookieName,
			Domain:   cfg.CookieDomain,
			Secure:   cfg.CookieSecure,
			SameSite: sameSite(cfg.CookieSameSite),
		}),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
		httpapi.WithTrustedProxies(proxies),
		httpapi.WithLogger(logger.Named("http")),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	health := httpapi.NewGRPCHealth(checker, logger.Named("grpc"))
	health.Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		health.Run(ctx, 10*time.Second)
	}()
	go func() {
		defer wg.Done()
		sweep(ctx, resolver, cfg.SweepInterval, logger)
	}()

	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	cancelWorkers()
	wg.Wait()
	logger.Info("stopped")
	return runErr
}

// sweep deactivates expired role assignments on every tick.
func sweep(ctx context.Context, resolver *auth.Resolver, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := resolver.SweepExpired(ctx)
			if err != nil {
				logger.Warn("assignment sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("expired assignments swept", zap.Int("principals", n))
			}
		}
	}
}

func sameSite(mode string) http.SameSite {
	switch strings.ToLower(mode) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
