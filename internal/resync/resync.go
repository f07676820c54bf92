// Package resync periodically re-seeds the record set from the backend
// REST API. Because the reconciler's merges are idempotent, a refetch over
// already-seen rows is a no-op; resync only fills gaps left by missed
// realtime events.
package resync

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"lingodesk/pkg/backend"
	"lingodesk/pkg/logger"
	"lingodesk/pkg/reconcile"
)

// RunOnce performs a single full refetch-and-merge.
func RunOnce(ctx context.Context, api *backend.Client, eng *reconcile.Engine) error {
	contacts, err := api.ListContacts(ctx)
	if err != nil {
		return fmt.Errorf("resync contacts: %w", err)
	}
	msgs, err := api.ListMessages(ctx)
	if err != nil {
		return fmt.Errorf("resync messages: %w", err)
	}
	eng.SeedSubmissions(contacts)
	eng.SeedMessages(msgs)
	logger.Info("resync_done", "contacts", len(contacts), "messages", len(msgs), "records", eng.Len())
	return nil
}

// Start launches the cron-driven resync loop if cronExpr is non-empty.
// Returns a cancel func; an invalid expression is an error.
func Start(ctx context.Context, cronExpr string, api *backend.Client, eng *reconcile.Engine) (context.CancelFunc, error) {
	if cronExpr == "" {
		logger.Info("resync_disabled")
		return func() {}, nil
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid resync cron expression: %s", cronExpr)
	}
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cronExpr, api, eng)
	logger.Info("resync_scheduler_started", "cron", cronExpr)
	return cancel, nil
}

// runScheduler computes the next tick with gronx and sleeps until then.
func runScheduler(ctx context.Context, cronExpr string, api *backend.Client, eng *reconcile.Engine) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("resync_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("resync_nexttick_failed", "cron", cronExpr, "err", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			if err := RunOnce(ctx, api, eng); err != nil {
				logger.Error("resync_run_error", "err", err)
			}
		case <-ctx.Done():
			logger.Info("resync_scheduler_stopping")
			return
		}
	}
}
