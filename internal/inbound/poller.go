package inbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/vault"
)

// Poller sweeps every pollable account on an interval. Accounts are
// swept in parallel under a concurrency bound; within one account,
// messages run sequentially so thread upserts and counter bumps stay
// ordered.
type Poller struct {
	store    *store.Store
	vault    *vault.Vault
	registry *provider.Registry
	pipeline *Pipeline
	cfg      config.PollerConfig
	running  bool
	mu       sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewPoller(st *store.Store, v *vault.Vault, registry *provider.Registry, pipeline *Pipeline, cfg config.PollerConfig) *Poller {
	return &Poller{
		store:    st,
		vault:    v,
		registry: registry,
		pipeline: pipeline,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.mu.Unlock()

	logger.Info("inbox poller starting",
		"interval", p.cfg.Interval().String(), "concurrency", p.cfg.Concurrency)

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Stop shuts the poller down and waits for the in-flight sweep.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	logger.Info("inbox poller stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.SweepAll(ctx)
		}
	}
}

// SweepAll polls every active and warming-up account once. One
// account's failure never aborts the others.
func (p *Poller) SweepAll(ctx context.Context) {
	accounts, err := p.store.ListPollableAccounts(ctx)
	if err != nil {
		logger.Error("poller: listing accounts failed", "error", err.Error())
		return
	}
	if len(accounts) == 0 {
		return
	}

	concurrency := p.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, account := range accounts {
		wg.Add(1)
		sem <- struct{}{}
		go func(a *store.Account) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.SweepAccount(ctx, a); err != nil {
				logger.Warn("poller: account sweep failed",
					"account_id", a.ID.String(),
					"provider", a.Provider,
					"error", err.Error())
			}
		}(account)
	}
	wg.Wait()
}

// SweepAccount fetches and processes everything received since the
// account's watermark. The watermark only advances after a fully
// successful sweep, so a failure replays the same window next cycle;
// downstream insertion is duplicate-tolerant.
func (p *Poller) SweepAccount(ctx context.Context, account *store.Account) error {
	adapter, err := p.registry.ForProvider(account.Provider)
	if err != nil {
		return err
	}

	sweepStart := time.Now()
	since := sweepStart.Add(-p.cfg.Lookback())
	if account.LastSyncedAt != nil && account.LastSyncedAt.After(since) {
		since = *account.LastSyncedAt
	}

	accessToken, err := p.vault.EnsureFreshToken(ctx, account)
	if err != nil {
		return err
	}

	messages, err := adapter.ListRecentMessages(ctx, accessToken, since, p.cfg.PageSize)
	if provider.IsAuthError(err) {
		// Mid-sweep 401: exactly one refresh-and-retry. A second auth
		// failure parks the account until reconnect.
		accessToken, err = p.vault.ForceRefresh(ctx, account)
		if err != nil {
			return err
		}
		messages, err = adapter.ListRecentMessages(ctx, accessToken, since, p.cfg.PageSize)
		if provider.IsAuthError(err) {
			reason := fmt.Sprintf("provider rejected refreshed token: %v", err)
			if markErr := p.store.MarkAccountError(ctx, account.ID, reason); markErr != nil {
				logger.Error("poller: failed to mark account errored",
					"account_id", account.ID.String(), "error", markErr.Error())
			}
			return err
		}
	}
	if errors.Is(err, provider.ErrInboxUnsupported) {
		// Send-only relay accounts have nothing to poll.
		return p.store.AdvanceWatermark(ctx, account.ID, sweepStart)
	}
	if err != nil {
		return err
	}

	for _, raw := range messages {
		if err := p.pipeline.Process(ctx, account, raw); err != nil {
			// Abort without advancing; this window replays next cycle.
			return fmt.Errorf("processing message %s: %w", raw.MessageID, err)
		}
	}

	if len(messages) > 0 {
		logger.Info("poller: sweep complete",
			"account_id", account.ID.String(),
			"provider", account.Provider,
			"messages", len(messages))
	}
	return p.store.AdvanceWatermark(ctx, account.ID, sweepStart)
}
