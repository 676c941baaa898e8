// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

// Command server runs a PearStream node daemon: it opens the store and
// swarm, reopens every subscribed channel, and serves until signalled to
// stop. A suture supervisor runs the subscription reopen and the optional
// metrics endpoint; replication, acknowledger loops, and mirror sync are
// run by the node itself, outside the supervisor.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/pearstream/pearstream/internal/config"
	"github.com/pearstream/pearstream/internal/logging"
	"github.com/pearstream/pearstream/internal/node"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("configuration load failed")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	n, err := node.Open(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("node open failed")
	}
	defer func() {
		if err := n.Close(); err != nil {
			logging.Error().Err(err).Msg("node close failed")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Supervisor events log through sutureslog, bridged to zerolog via the
	// slog adapter. The correct API is (&Handler{Logger: logger}).MustHook().
	handler := &sutureslog.Handler{Logger: logging.NewSlogLogger()}
	tree := suture.New("pearstream", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
	})

	tree.Add(&subscriptionsService{node: n})
	if cfg.Metrics.Addr != "" {
		tree.Add(&metricsService{addr: cfg.Metrics.Addr})
	}

	logging.Info().Msg("pearstream node running")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor exited")
	}
	logging.Info().Msg("shutting down")
}

// subscriptionsService reopens every subscribed key so the node
// replicates and serves them without user interaction. Keys go through
// OpenByKey: legacy single-writer subscriptions resolve to drives, and a
// key that turns out to be a multi-writer log is re-dispatched and its
// marker persisted. Supervised: a failure backs off and retries.
type subscriptionsService struct {
	node *node.Node
}

func (s *subscriptionsService) Serve(ctx context.Context) error {
	keys, err := s.node.Meta().Subscriptions()
	if err != nil {
		return err
	}
	for _, key := range keys {
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		resolved, err := s.node.OpenByKey(openCtx, key)
		cancel()
		if err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("subscribed key open failed")
			continue
		}
		logging.Info().Str("key", key).Str("kind", string(resolved.Kind)).Msg("subscription open")
	}

	<-ctx.Done()
	return ctx.Err()
}

func (s *subscriptionsService) String() string { return "subscriptions" }

// metricsService serves the Prometheus scrape endpoint.
type metricsService struct {
	addr string
}

func (s *metricsService) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: s.addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:errcheck // shutting down anyway
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func (s *metricsService) String() string { return "metrics" }
