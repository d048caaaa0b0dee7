// Command emubridge serves MCP sessions on HTTP and relays their tool calls
// to emulator containers.
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

	"github.com/ggoodman/emubridge"
	"github.com/ggoodman/emubridge/auth"
	"github.com/ggoodman/emubridge/emulation"
	"github.com/ggoodman/emubridge/eventlog"
	"github.com/ggoodman/emubridge/eventlog/memory"
	"github.com/ggoodman/emubridge/eventlog/redislog"
	"github.com/ggoodman/emubridge/internal/engine"
	"github.com/ggoodman/emubridge/mcp"
	"github.com/ggoodman/emubridge/sessions"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "emubridge:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg, os.Stderr)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := newEventLog(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	resolver, err := newResolver(ctx, cfg)
	if err != nil {
		return err
	}

	emuOpts := []emulation.Option{emulation.WithLogger(log)}
	if cfg.EmulatorTimeout > 0 {
		emuOpts = append(emuOpts, emulation.WithHTTPClient(&http.Client{Timeout: cfg.EmulatorTimeout}))
	}
	eng := engine.New(emulation.NewClient(emuOpts...),
		engine.WithLogger(log),
		engine.WithServerInfo(mcp.ImplementationInfo{Name: "emubridge", Version: version}),
	)

	registry := sessions.NewRegistry(sessions.WithRegistryLogger(log))
	h, err := emubridge.New(registry, eng, store, resolver,
		emubridge.WithLogger(log),
		emubridge.WithMCPPath(cfg.MCPPath),
		emubridge.WithLegacyPaths(cfg.SSEPath, cfg.MessagesPath),
		emubridge.WithIdleTimeout(cfg.IdleTimeout),
		emubridge.WithKeepAlive(cfg.KeepAlive),
		emubridge.WithRealm(cfg.Realm),
	)
	if err != nil {
		return err
	}

	srv := newServer(cfg.Addr, h, registry, log)

	errc := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.Addr), slog.String("eventlog", cfg.EventLog), slog.String("auth", cfg.AuthMode))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("server.shutdown.start")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server.shutdown.ok")
	return nil
}

// newServer wraps h. Shutdown stops accepting before it runs hooks; open
// streams never finish on their own, so closing every session ends them
// and lets the drain complete.
func newServer(addr string, h http.Handler, registry *sessions.Registry, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		if err := registry.Close(); err != nil {
			log.Error("session.registry.close.fail", slog.String("err", err.Error()))
		}
	})
	return srv
}

func newEventLog(ctx context.Context, cfg Config) (eventlog.Store, func(), error) {
	if cfg.EventLog == eventLogRedis {
		store, err := redislog.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("event log: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}
	return memory.New(memory.WithMaxEvents(cfg.MaxReplayEvents)), func() {}, nil
}

func newResolver(ctx context.Context, cfg Config) (sessions.TestResolver, error) {
	if cfg.AuthMode == authJWT {
		r, err := auth.NewJWT(ctx, auth.JWTConfig{
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			JWKSURL:    cfg.JWKSURL,
			HMACSecret: []byte(cfg.JWTHMACSecret),
		})
		if err != nil {
			return nil, fmt.Errorf("jwt resolver: %w", err)
		}
		return r, nil
	}

	if cfg.ContainerURI == "" {
		return auth.NewStatic(nil), nil
	}
	return auth.NewStatic(&sessions.Test{
		ID:           cfg.TestID,
		ContainerURI: cfg.ContainerURI,
		Token:        cfg.ContainerToken,
	}), nil
}
