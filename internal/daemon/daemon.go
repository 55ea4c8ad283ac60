// Package daemon wires together the session manager, allocator and
// dispatcher into the long-lived allocator daemon, and owns its
// lifecycle: startup health check, signal-driven shutdown, socket
// cleanup and session teardown (spec.md §4.2, §9).
package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cilium/consul-ipam/internal/allocator"
	"github.com/cilium/consul-ipam/internal/dispatcher"
	"github.com/cilium/consul-ipam/internal/ipamlog"
	"github.com/cilium/consul-ipam/internal/metrics"
	"github.com/cilium/consul-ipam/internal/session"
	"github.com/cilium/consul-ipam/internal/store"
	"github.com/cilium/consul-ipam/internal/wire"
)

// Config carries every daemon-tunable value named by spec.md §4.2 and §6,
// plus the metrics listener address and response-prefix mode added by
// SPEC_FULL.md.
type Config struct {
	SocketPath     string
	SessionTTL     time.Duration
	RenewInterval  time.Duration
	MetricsAddress string
	ResponsePrefix wire.ResponsePrefixMode
}

// Run opens a coordination-store session, starts the renewal loop, the
// metrics server and the request dispatcher, and blocks until a
// termination signal arrives or ctx is canceled. On return, the session
// has been destroyed and the socket file removed — every exit path
// (signal, error, normal shutdown) goes through the same teardown, per
// SPEC_FULL.md §9.
func Run(ctx context.Context, st store.Store, logger *slog.Logger, cfg Config) error {
	if err := st.Ping(ctx); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionMgr := session.New(st, logger, cfg.SessionTTL, cfg.RenewInterval)
	sessionID, err := sessionMgr.Open(ctx)
	if err != nil {
		return err
	}
	metrics.SessionAlive.Set(1)
	defer func() {
		metrics.SessionAlive.Set(0)
		teardownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sessionMgr.Close(teardownCtx)
		if err := os.RemoveAll(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("error removing socket file", ipamlog.FieldSocketPath, cfg.SocketPath, ipamlog.FieldError, err)
		}
	}()

	logger.Info("session established", ipamlog.FieldSessionID, sessionID)

	alloc := allocator.New(st, sessionMgr, logger)
	disp := dispatcher.New(alloc, logger, cfg.SocketPath, cfg.ResponsePrefix)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return sessionMgr.Run(groupCtx)
	})
	group.Go(func() error {
		return disp.Serve(groupCtx)
	})
	group.Go(func() error {
		return serveMetrics(groupCtx, cfg.MetricsAddress, logger)
	})

	err = group.Wait()
	if ctx.Err() != nil {
		// Shutdown was requested via signal; any goroutine errors are
		// just the expected consequence of groupCtx being canceled.
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", ipamlog.FieldError, err)
			return err
		}
		return nil
	}
}
