package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/agentworkforce/relaymd/internal/config"
	"github.com/agentworkforce/relaymd/internal/docstore"
	"github.com/agentworkforce/relaymd/internal/hostapi"
	"github.com/agentworkforce/relaymd/internal/imagestore"
)

func main() {
	config.LoadDotEnv()
	cfg, err := config.LoadHost(os.Args[1:])
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatalf("relaymd: %v", err)
	}
}

// host bundles what run needs to serve and later tear down.
type host struct {
	server  *hostapi.Server
	handler http.Handler
	docs    docstore.Backend
	mirror  *hostapi.Mirror
}

func newHost(ctx context.Context, cfg config.HostConfig) (*host, error) {
	docs, err := docstore.BuildBackendFromDSN(cfg.DocumentStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("document store: %w", err)
	}
	images, err := imagestore.BuildStoreFromDSN(cfg.ImageStoreDSN)
	if err != nil {
		_ = docs.Close()
		return nil, fmt.Errorf("image store: %w", err)
	}
	server := hostapi.NewServerWithConfig(docs, images, hostapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		OriginPatterns:  cfg.OriginPatterns,
		Logger:          log.Default(),
	})
	h := &host{
		server: server,
		// Cleartext HTTP/2 for clients behind a proxy that speaks h2c.
		handler: h2c.NewHandler(server, &http2.Server{}),
		docs:    docs,
	}
	if cfg.MirrorDir != "" {
		mirror, err := hostapi.NewMirror(cfg.MirrorDir, log.Default())
		if err != nil {
			_ = docs.Close()
			return nil, fmt.Errorf("mirror: %w", err)
		}
		if err := server.AttachMirror(ctx, mirror); err != nil {
			_ = docs.Close()
			return nil, fmt.Errorf("mirror: %w", err)
		}
		h.mirror = mirror
	}
	return h, nil
}

func run(ctx context.Context, cfg config.HostConfig) error {
	h, err := newHost(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.docs.Close()

	if h.mirror != nil {
		go func() {
			if err := h.mirror.Run(ctx); err != nil {
				log.Printf("mirror stopped: %v", err)
			}
		}()
		log.Printf("mirroring documents to %s", h.mirror.Dir())
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: h.handler}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("relaymd listening on %s", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.Printf("relaymd stopping: %v", ctx.Err())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
