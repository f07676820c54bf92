// Package app wires the sync core together: backend client, ingest queue,
// reconciler, mutation queue, realtime subscriber, optional journal and
// the scheduled resync.
package app

import (
	"context"
	"errors"
	"fmt"

	"lingodesk/internal/resync"
	"lingodesk/pkg/api"
	"lingodesk/pkg/backend"
	"lingodesk/pkg/config"
	"lingodesk/pkg/ingest"
	"lingodesk/pkg/journal"
	"lingodesk/pkg/logger"
	"lingodesk/pkg/metrics"
	"lingodesk/pkg/mutate"
	"lingodesk/pkg/notify"
	"lingodesk/pkg/realtime"
	"lingodesk/pkg/reconcile"
)

type App struct {
	Cfg       *config.Config
	Engine    *reconcile.Engine
	Queue     *ingest.Queue
	Mutations *mutate.Queue
	Feed      *notify.Feed
	Backend   *backend.Client
	Journal   *journal.Journal

	sub          *realtime.Subscriber
	stop         chan struct{}
	cancelResync context.CancelFunc
}

// New builds the object graph. It does not touch the network.
func New(cfg *config.Config) (*App, error) {
	if cfg.Backend.BaseURL == "" {
		return nil, errors.New("backend base_url is required")
	}
	cl := backend.New(cfg.Backend.BaseURL,
		backend.StaticToken(cfg.Backend.Token),
		backend.WithRate(cfg.Backend.RPS, cfg.Backend.Burst),
	)
	eng := reconcile.New(reconcile.WithDedupeWindow(cfg.DedupeWindowNS()))
	feed := notify.NewFeed()
	a := &App{
		Cfg:       cfg,
		Engine:    eng,
		Queue:     ingest.NewQueue(cfg.QueueCap()),
		Mutations: mutate.NewQueue(eng, cl, feed),
		Feed:      feed,
		Backend:   cl,
		stop:      make(chan struct{}),
	}
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		a.Journal = j
	}
	return a, nil
}

// Start seeds the record set from REST, starts the reconciler worker and
// connects the realtime channel. A failed initial seed is logged and the
// session continues on realtime events alone; the scheduled resync will
// fill the gap.
func (a *App) Start(ctx context.Context) error {
	if err := resync.RunOnce(ctx, a.Backend, a.Engine); err != nil {
		logger.Warn("initial_seed_failed", "err", err)
	}

	go a.Queue.RunWorker(a.stop, func(ev *ingest.Event) error {
		if err := a.Journal.Append(ev); err != nil {
			logger.Warn("journal_append_failed", "err", err)
		}
		err := a.Engine.Apply(ev)
		metrics.QueueDepth.Set(float64(a.Queue.Len()))
		return err
	})

	if a.Cfg.Backend.WSURL != "" {
		sub, err := realtime.Dial(ctx, a.Cfg.Backend.WSURL, a.Cfg.Backend.Token, a.Cfg.Backend.Room)
		if err != nil {
			return fmt.Errorf("realtime: %w", err)
		}
		a.sub = sub
		for _, name := range []string{
			string(ingest.TypeSubmissionCreated),
			string(ingest.TypeMessageCreated),
			string(ingest.TypeReplyCreated),
			string(ingest.TypeStatusUpdated),
			string(ingest.TypeRecordDeleted),
		} {
			sub.On(name, a.handleEvent)
		}
		go sub.Run()
	}

	cancel, err := resync.Start(ctx, a.Cfg.Sync.ResyncCron, a.Backend, a.Engine)
	if err != nil {
		return err
	}
	a.cancelResync = cancel
	return nil
}

// handleEvent normalizes one realtime payload and enqueues it. Ingestion
// failures drop the event; they never reach the view.
func (a *App) handleEvent(name string, data []byte) {
	ev, err := ingest.Normalize(name, data)
	if err != nil {
		logger.Warn("event_dropped", "event", name, "err", err)
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		return
	}
	if err := a.Queue.TryEnqueue(ev); err != nil {
		logger.Warn("event_dropped", "event", name, "err", err)
		metrics.EventsDropped.WithLabelValues("queue_full").Inc()
		return
	}
	metrics.EventsIngested.WithLabelValues(name).Inc()
	metrics.QueueDepth.Set(float64(a.Queue.Len()))
}

// APIServer returns the admin HTTP surface bound to this app.
func (a *App) APIServer() *api.Server {
	return api.NewServer(a.Engine, a.Mutations, a.Feed)
}

// Stop tears the session down: unsubscribe, stop accepting mutations,
// drain the queue and close the engine so late results are discarded
// rather than applied to a disposed view.
func (a *App) Stop() {
	if a.sub != nil {
		a.sub.Close()
	}
	if a.cancelResync != nil {
		a.cancelResync()
	}
	a.Mutations.Close()
	close(a.stop)
	a.Queue.CloseAndDrain()
	a.Engine.Close()
	if err := a.Journal.Close(); err != nil {
		logger.Warn("journal_close_failed", "err", err)
	}
}
