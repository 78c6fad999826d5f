package send

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/store"
)

// Worker drains the send queue on a fixed cadence. Claiming uses
// row-level locks, so multiple workers can run against the same
// database without double-sending.
type Worker struct {
	store    *store.Store
	pipeline *Pipeline
	cfg      config.SendConfig
	running  bool
	mu       sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(st *store.Store, pipeline *Pipeline, cfg config.SendConfig) *Worker {
	return &Worker{
		store:    st,
		pipeline: pipeline,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the drain loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("send worker already running")
	}
	w.running = true
	w.mu.Unlock()

	logger.Info("send worker starting",
		"batch_size", w.cfg.QueueBatchSize, "interval", w.cfg.QueueInterval().String())

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop shuts the worker down and waits for the in-flight batch.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	logger.Info("send worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.QueueInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.DrainOnce(ctx); err != nil {
				logger.Error("send worker drain failed", "error", err.Error())
			}
		}
	}
}

// DrainOnce claims and processes one batch. Exposed so callers can
// trigger an immediate drain without waiting for the ticker.
func (w *Worker) DrainOnce(ctx context.Context) error {
	items, err := w.store.DequeueSends(ctx, w.cfg.QueueBatchSize)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	logger.Debug("send worker claimed batch", "count", len(items))

	for _, item := range items {
		w.processItem(ctx, item)
	}
	return nil
}

func (w *Worker) processItem(ctx context.Context, item *store.QueueItem) {
	_, err := w.pipeline.Send(ctx, &Request{
		AccountID:  item.AccountID,
		Recipient:  item.Recipient,
		Subject:    item.Subject,
		BodyHTML:   item.BodyHTML,
		CampaignID: item.CampaignID,
		ContactID:  item.ContactID,
		// Retries of the same queue item reuse one tracking identity.
		TrackingID: item.ID.String(),
	})
	if err == nil {
		if err := w.store.MarkQueueItemSent(ctx, item.ID); err != nil {
			logger.Error("send worker: failed to mark item sent",
				"item_id", item.ID.String(), "error", err.Error())
		}
		return
	}

	retryDelay := w.retryDelay(item.Attempts)
	if isTerminal(err) {
		// Quota exhaustion clears on its own; push the retry past the
		// next reset window instead of burning attempts.
		switch {
		case errors.Is(err, ErrDailyQuotaExceeded):
			retryDelay = time.Until(nextUTCDay())
		case errors.Is(err, ErrMonthlyQuotaExceeded):
			retryDelay = time.Until(nextUTCDay())
		}
	}

	logger.Warn("send worker: item failed",
		"item_id", item.ID.String(),
		"attempts", item.Attempts,
		"error", err.Error())

	if err := w.store.MarkQueueItemFailed(ctx, item.ID, err.Error(), w.cfg.MaxAttempts, retryDelay); err != nil {
		logger.Error("send worker: failed to record item failure",
			"item_id", item.ID.String(), "error", err.Error())
	}
}

// retryDelay backs off exponentially from 30s per prior attempt.
func (w *Worker) retryDelay(attempts int) time.Duration {
	delay := 30 * time.Second
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > 30*time.Minute {
			return 30 * time.Minute
		}
	}
	return delay
}

func isTerminal(err error) bool {
	return errors.Is(err, ErrDailyQuotaExceeded) || errors.Is(err, ErrMonthlyQuotaExceeded)
}

func nextUTCDay() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 5, 0, 0, time.UTC)
}
