// Package crmsync pushes qualified leads to the configured CRM webhook.
// Sync is fire-and-forget from the inbound pipeline's point of view:
// tasks go onto a bounded queue, a small worker pool drains it, and
// failures surface on a channel instead of blocking message processing.
package crmsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/pkg/httpretry"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/store"
)

// syncIntents are the verdict intents that qualify a message for CRM
// sync on their own. requires_human_attention qualifies regardless of
// intent.
var syncIntents = map[string]bool{
	"interested": true,
	"question":   true,
	"objection":  true,
}

// ShouldSync reports whether a verdict qualifies its message for CRM
// sync.
func ShouldSync(v *store.Verdict) bool {
	if v == nil {
		return false
	}
	return syncIntents[v.Intent] || v.RequiresAttention
}

// Task is one pending contact sync.
type Task struct {
	OrganizationID uuid.UUID
	MessageID      uuid.UUID
	ContactID      *uuid.UUID // nil when the sender has no contact yet
	Email          string
	FirstName      string
	LastName       string
	Company        string
	Phone          string
	Verdict        *store.Verdict
}

// Failure is one sync that gave up, published on the failure channel.
// There is no automatic retry; consumers decide what to do with these.
type Failure struct {
	Task *Task
	Err  error
	At   time.Time
}

// webhookPayload is what the CRM endpoint receives.
type webhookPayload struct {
	OrganizationID    string   `json:"organization_id"`
	ContactID         string   `json:"contact_id"`
	MessageID         string   `json:"message_id"`
	Email             string   `json:"email"`
	FirstName         string   `json:"first_name,omitempty"`
	LastName          string   `json:"last_name,omitempty"`
	Company           string   `json:"company,omitempty"`
	Phone             string   `json:"phone,omitempty"`
	Intent            string   `json:"intent"`
	Sentiment         string   `json:"sentiment"`
	Priority          string   `json:"priority"`
	Tags              []string `json:"tags"`
	RequiresAttention bool     `json:"requires_attention"`
	NextAction        string   `json:"next_action,omitempty"`
}

// Syncer owns the queue, the worker pool, and the dedupe state.
type Syncer struct {
	store    *store.Store
	redis    *redis.Client
	http     httpretry.HTTPDoer
	cfg      config.CRMConfig
	tasks    chan *Task
	failures chan Failure
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewSyncer(st *store.Store, redisClient *redis.Client, cfg config.CRMConfig) *Syncer {
	return &Syncer{
		store:    st,
		redis:    redisClient,
		http:     httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout()}, 3),
		cfg:      cfg,
		tasks:    make(chan *Task, cfg.QueueSize),
		failures: make(chan Failure, cfg.QueueSize),
	}
}

// Failures exposes the failure channel. Failures are dropped when this
// channel backs up; they are also always logged.
func (s *Syncer) Failures() <-chan Failure { return s.failures }

// Start launches the worker pool.
func (s *Syncer) Start(ctx context.Context) {
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	logger.Info("crm syncer starting", "workers", workers, "queue_size", s.cfg.QueueSize)
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

// Stop closes the queue and waits for in-flight syncs.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.tasks) })
	s.wg.Wait()
	logger.Info("crm syncer stopped")
}

// Enqueue submits a task without ever blocking the caller. A full
// queue drops the task and reports it as a failure.
func (s *Syncer) Enqueue(task *Task) bool {
	select {
	case s.tasks <- task:
		return true
	default:
		s.fail(task, fmt.Errorf("crmsync: queue full, task dropped"))
		return false
	}
}

func (s *Syncer) worker(ctx context.Context) {
	defer s.wg.Done()
	for task := range s.tasks {
		if err := s.process(ctx, task); err != nil {
			s.fail(task, err)
		}
	}
}

func (s *Syncer) process(ctx context.Context, task *Task) error {
	// Resolve the contact first: the dedupe key needs a stable ID.
	if task.ContactID == nil {
		id, err := s.store.UpsertContact(ctx, &store.Contact{
			OrganizationID: task.OrganizationID,
			Email:          task.Email,
			FirstName:      task.FirstName,
			LastName:       task.LastName,
			Company:        task.Company,
			Phone:          task.Phone,
		})
		if err != nil {
			return fmt.Errorf("crmsync: upserting contact: %w", err)
		}
		task.ContactID = &id

		// Messages from this sender stored before the contact existed
		// get stamped retroactively. Best-effort.
		if n, err := s.store.BackfillMessageContact(ctx, task.OrganizationID, task.Email, id); err != nil {
			logger.Warn("crmsync: contact backfill failed",
				"contact_id", id.String(), "error", err.Error())
		} else if n > 0 {
			logger.Debug("crmsync: backfilled contact onto earlier messages",
				"contact_id", id.String(), "count", n)
		}
	}

	fresh, err := s.claimDedupe(ctx, *task.ContactID, task.MessageID)
	if err != nil {
		logger.Warn("crmsync: dedupe check failed, syncing anyway", "error", err.Error())
	} else if !fresh {
		logger.Debug("crmsync: duplicate sync suppressed",
			"contact_id", task.ContactID.String(), "message_id", task.MessageID.String())
		return nil
	}

	if err := s.postWebhook(ctx, task); err != nil {
		// Clear the claim so a future pass can retry this pair.
		s.releaseDedupe(ctx, *task.ContactID, task.MessageID)
		return err
	}

	logger.Info("crmsync: contact synced",
		"contact_id", task.ContactID.String(),
		"message_id", task.MessageID.String(),
		"intent", task.Verdict.Intent)
	return nil
}

// claimDedupe takes the idempotency claim for one (contact, message)
// pair. Without Redis, sync proceeds unconditionally; the CRM side is
// expected to upsert.
func (s *Syncer) claimDedupe(ctx context.Context, contactID, messageID uuid.UUID) (bool, error) {
	if s.redis == nil {
		return true, nil
	}
	key := dedupeKey(contactID, messageID)
	return s.redis.SetNX(ctx, key, time.Now().Format(time.RFC3339), s.cfg.DedupeTTL()).Result()
}

func (s *Syncer) releaseDedupe(ctx context.Context, contactID, messageID uuid.UUID) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, dedupeKey(contactID, messageID)).Err(); err != nil {
		logger.Warn("crmsync: failed to release dedupe claim", "error", err.Error())
	}
}

func dedupeKey(contactID, messageID uuid.UUID) string {
	return fmt.Sprintf("crmsync:%s:%s", contactID, messageID)
}

func (s *Syncer) postWebhook(ctx context.Context, task *Task) error {
	payload := webhookPayload{
		OrganizationID:    task.OrganizationID.String(),
		ContactID:         task.ContactID.String(),
		MessageID:         task.MessageID.String(),
		Email:             task.Email,
		FirstName:         task.FirstName,
		LastName:          task.LastName,
		Company:           task.Company,
		Phone:             task.Phone,
		Intent:            task.Verdict.Intent,
		Sentiment:         task.Verdict.Sentiment,
		Priority:          task.Verdict.Priority,
		Tags:              task.Verdict.Tags,
		RequiresAttention: task.Verdict.RequiresAttention,
		NextAction:        task.Verdict.NextAction,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("crmsync: webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("crmsync: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// fail logs and publishes a failure without ever blocking.
func (s *Syncer) fail(task *Task, err error) {
	logger.Error("crmsync: sync failed",
		"message_id", task.MessageID.String(),
		"email", task.Email,
		"error", err.Error())
	select {
	case s.failures <- Failure{Task: task, Err: err, At: time.Now()}:
	default:
	}
}
