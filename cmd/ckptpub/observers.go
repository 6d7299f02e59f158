package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cordum/ckptpub/core/infra/bus"
	"github.com/cordum/ckptpub/core/infra/ledger"
	"github.com/cordum/ckptpub/core/infra/logging"
	"github.com/cordum/ckptpub/core/infra/metrics"
	"github.com/cordum/ckptpub/core/publish"
)

const metricsNamespace = "ckptpub"

// promMetrics registers the collectors on first use; the default registry
// rejects a second registration.
var promMetrics = sync.OnceValue(func() *metrics.Prom {
	return metrics.NewProm(metricsNamespace)
})

func receiptToRecord(r publish.Receipt) ledger.Record {
	return ledger.Record{
		Job:         r.Job,
		Event:       r.Event.Kind.String(),
		EpochIndex:  r.Event.EpochIndex,
		TotalEpochs: r.Event.TotalEpochs,
		Filename:    r.Filename,
		RemotePath:  r.RemotePath,
		Message:     r.Message,
		SizeBytes:   r.SizeBytes,
		SHA256:      r.SHA256,
		Attempts:    r.Attempts,
		Deleted:     r.Deleted,
		CommittedAt: r.CommittedAt.UTC(),
	}
}

func receiptToCheckpoint(r publish.Receipt) bus.Checkpoint {
	return bus.Checkpoint{
		Job:         r.Job,
		Event:       r.Event.Kind.String(),
		EpochIndex:  r.Event.EpochIndex,
		TotalEpochs: r.Event.TotalEpochs,
		Filename:    r.Filename,
		RemotePath:  r.RemotePath,
		SizeBytes:   r.SizeBytes,
		SHA256:      r.SHA256,
		Attempts:    r.Attempts,
		CommittedAt: r.CommittedAt.UTC(),
	}
}

func ledgerObserver(store ledger.Store) publish.Observer {
	return publish.ObserverFunc(func(ctx context.Context, r publish.Receipt) error {
		_, err := store.Append(ctx, receiptToRecord(r))
		return err
	})
}

type checkpointPublisher interface {
	PublishCheckpoint(bus.Checkpoint) error
}

func busObserver(b checkpointPublisher) publish.Observer {
	return publish.ObserverFunc(func(_ context.Context, r publish.Receipt) error {
		return b.PublishCheckpoint(receiptToCheckpoint(r))
	})
}

// wiring holds the optional collaborators built from config.
type wiring struct {
	opts    []publish.Option
	closers []func()
}

func (w *wiring) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

// wire connects the ledger, bus and metrics endpoint that cfg enables.
// Unreachable backends are logged and skipped; publishing never depends on them.
func wire(redisURL, natsURL, metricsAddr string) *wiring {
	w := &wiring{}
	if redisURL != "" {
		store, err := ledger.NewRedisStore(redisURL)
		if err != nil {
			logging.Warn("cli", "ledger disabled", "err", err)
		} else {
			w.opts = append(w.opts, publish.WithObserver(ledgerObserver(store)))
			w.closers = append(w.closers, func() { _ = store.Close() })
		}
	}
	if natsURL != "" {
		b, err := bus.NewNatsBus(natsURL)
		if err != nil {
			logging.Warn("cli", "bus disabled", "err", err)
		} else {
			logging.Info("cli", "bus connected", "status", b.Status())
			w.opts = append(w.opts, publish.WithObserver(busObserver(b)))
			w.closers = append(w.closers, b.Close)
		}
	}
	if metricsAddr != "" {
		w.opts = append(w.opts, publish.WithMetrics(promMetrics()))
		srv := startMetricsServer(metricsAddr)
		w.closers = append(w.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}
	return w
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info("cli", "metrics listening", "addr", addr, "path", "/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("cli", "metrics server error", "err", err)
		}
	}()
	return srv
}
