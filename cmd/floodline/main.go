package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/floodline/floodline/internal/channel"
	"github.com/floodline/floodline/internal/config"
	"github.com/floodline/floodline/internal/dedup"
	"github.com/floodline/floodline/internal/discovery"
	"github.com/floodline/floodline/internal/limiter"
	"github.com/floodline/floodline/internal/mesh"
	"github.com/floodline/floodline/internal/server"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*configPath, log); err != nil {
		log.Fatal("exiting", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(configPath string, log *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, err := dedup.New(dedup.DefaultCapacity)
	if err != nil {
		return err
	}
	channels := channel.NewRegistry(log)
	mgr := mesh.NewManager(mesh.Config{Secret: cfg.Node.Secret}, log)
	router := mesh.NewRouter(cache, mgr, channels, log)
	channels.Bind(router)

	ipr, err := server.NewIPResolver(cfg.Node.TrustedProxies)
	if err != nil {
		return err
	}
	var auth limiter.Authenticator
	if len(cfg.Auth.Tokens) > 0 {
		auth = server.NewTokenAuthenticator(cfg.Auth.Tokens)
	}
	lim, err := limiter.New(limiter.Config{
		ExemptIPs:     cfg.Limits.Exempt,
		Authenticator: auth,
		ResolveIP:     ipr.Origin,
		Logger:        log,
	})
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Secret:           cfg.Node.Secret,
		ConnectLimit:     cfg.Limits.Connect,
		ConnectAuthLimit: cfg.Limits.ConnectAuth,
		RequireAuth:      cfg.Limits.RequireAuth,
	}, mgr, router, channels, lim, log)

	mgr.Start(ctx, router, cfg.Node.Peers)

	if cfg.Discovery.MDNS {
		name := cfg.Discovery.Name
		if name == "" {
			name, _ = os.Hostname()
		}
		port, err := listenPort(cfg.Node.Listen)
		if err != nil {
			return err
		}
		disc, err := discovery.New(name, port, mgr.EnsurePeer, log)
		if err != nil {
			return err
		}
		defer disc.Close()
	}

	httpSrv := &http.Server{
		Addr:    cfg.Node.Listen,
		Handler: srv.Handler(),
		// hand every connection the run context so cancellation reaches
		// the websocket pumps and unblocks their reads
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Node.Listen))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", addr, err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", addr, err)
	}
	return port, nil
}
