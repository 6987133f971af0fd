package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/trickstertwo/xlog"
	"golang.org/x/sync/errgroup"

	"github.com/trickstertwo/xrelay"
	"github.com/trickstertwo/xrelay/adapter/memory"
	"github.com/trickstertwo/xrelay/adapter/mqtt"
	"github.com/trickstertwo/xrelay/adapter/redisstream"
	"github.com/trickstertwo/xrelay/internal/config"
	"github.com/trickstertwo/xrelay/workers/auth"
)

const healthInterval = 30 * time.Second

// runner is a long-lived loop fed into the errgroup next to the relay.
type runner interface {
	Run(ctx context.Context) error
}

func serve(ctx context.Context, cfg config.Config, logger *xlog.Logger) error {
	relay, err := buildRelay(cfg, logger)
	if err != nil {
		return fmt.Errorf("build relay: %w", err)
	}

	ingress := ingressFor(relay, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	if ingress != nil {
		g.Go(func() error { return ingress.Run(gctx) })
	}
	g.Go(func() error {
		reportHealth(gctx, relay, logger)
		return nil
	})

	logger.Info().
		Str("transport", cfg.Transport).
		Str("codec", cfg.Codec).
		Str("mailboxes", strconv.Itoa(cfg.Relay.Mailboxes)).
		Msg("xrelayd: serving")

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
	defer cancel()
	if err := relay.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("xrelayd: unclean shutdown")
	}
	logger.Info().Msg("xrelayd: shutdown complete")
	return runErr
}

func buildRelay(cfg config.Config, logger *xlog.Logger) (*xrelay.Relay, error) {
	reg := xrelay.NewRegistry()
	if cfg.Auth.Enabled {
		svc := auth.NewService(
			auth.NewStaticAuthenticator(cfg.Auth.Users),
			auth.WithTicketTTL(cfg.Auth.TicketTTL.Std()),
		)
		if err := svc.Register(reg); err != nil {
			return nil, err
		}
	}

	return xrelay.NewRelayBuilder().
		WithLogger(logger).
		WithTransport(cfg.Transport, cfg.TransportConfig()).
		WithCodec(cfg.Codec).
		WithRegistry(reg).
		WithMailboxes(cfg.Relay.Mailboxes).
		WithExpiry(cfg.Relay.Expiry.Std()).
		WithTickInterval(cfg.Relay.TickInterval.Std()).
		WithLockTimeout(cfg.Relay.LockTimeout.Std()).
		WithIdleInterval(cfg.Relay.IdleInterval.Std()).
		WithObserverPool(cfg.Relay.ObserverWorkers, cfg.Relay.ObserverBuffer).
		WithMiddleware(xrelay.TimeoutMiddleware(10 * time.Second)).
		Build()
}

// ingressFor returns the request reader matching the relay's transport. The
// memory transport has none: requests are submitted in process.
func ingressFor(relay *xrelay.Relay, logger *xlog.Logger) runner {
	switch t := relay.Transport().(type) {
	case *redisstream.Transport:
		return redisstream.NewIngress(t, relay, logger)
	case *mqtt.Transport:
		return mqtt.NewIngress(t, relay, logger)
	case *memory.Transport:
		logger.Info().Msg("xrelayd: memory transport accepts in-process requests only")
	}
	return nil
}

func reportHealth(ctx context.Context, relay *xrelay.Relay, logger *xlog.Logger) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := relay.Health(ctx)
			m := relay.Metrics()
			ev := logger.Info()
			if h.Status != "healthy" {
				ev = logger.Warn()
			}
			ev.Str("status", h.Status).
				Str("message", h.Message).
				Str("processed", strconv.FormatUint(m.Processed, 10)).
				Str("failed", strconv.FormatUint(m.Failed, 10)).
				Msg("xrelayd: health")
		}
	}
}
