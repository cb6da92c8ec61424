package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/vaultbank/backend/internal/config"
	"github.com/vaultbank/backend/internal/models"
)

// AlertFunc is invoked exactly once for every event that exhausts its
// retries. The transport behind it (pager, chat, email) is the
// operator's concern.
type AlertFunc func(eventID, endpoint, lastError string)

// WebhookWorker runs two background loops against the outbox: a
// sweeper that periodically moves due PENDING events (and stranded
// PROCESSING ones) onto the delivery queue, and a delivery loop that
// signs and POSTs each payload with bounded retries. A crash between
// enqueue and status update can double-deliver; receivers are expected
// to deduplicate.
type WebhookWorker struct {
	db     *sql.DB
	redis  *redis.Client
	signer *WebhookService
	client *http.Client

	queueKey      string
	sweepInterval time.Duration
	batchSize     int
	maxAttempts   int
	backoffBase   time.Duration
	reclaimAfter  time.Duration

	alert AlertFunc
	log   *zap.Logger
}

func NewWebhookWorker(db *sql.DB, redisClient *redis.Client, signer *WebhookService, cfg config.Webhook, alert AlertFunc, log *zap.Logger) *WebhookWorker {
	if alert == nil {
		alert = func(eventID, endpoint, lastError string) {
			log.Error("webhook dead-lettered, operator attention required",
				zap.String("event_id", eventID),
				zap.String("endpoint", endpoint),
				zap.String("last_error", lastError))
		}
	}
	return &WebhookWorker{
		db:            db,
		redis:         redisClient,
		signer:        signer,
		client:        &http.Client{Timeout: cfg.Timeout},
		queueKey:      cfg.QueueKey,
		sweepInterval: cfg.SweepInterval,
		batchSize:     cfg.BatchSize,
		maxAttempts:   cfg.MaxAttempts,
		backoffBase:   cfg.BackoffBase,
		reclaimAfter:  cfg.ReclaimAfter,
		alert:         alert,
		log:           log,
	}
}

// Run starts the sweeper and delivery loops. Both stop when ctx is
// cancelled. Without a queue client neither loop can do anything, so
// the worker stays idle and events accumulate in the outbox until the
// process is restarted with the queue reachable.
func (w *WebhookWorker) Run(ctx context.Context) {
	if w.redis == nil {
		w.log.Warn("webhook queue unavailable, delivery worker idle")
		return
	}
	go w.sweepLoop(ctx)
	go w.deliverLoop(ctx)
}

func (w *WebhookWorker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.SweepOnce(ctx); err != nil {
				w.log.Error("webhook sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce selects the oldest batch of due events, enqueues them for
// delivery, then marks the batch PROCESSING with a reclaim deadline.
// Due means PENDING with no scheduled attempt time or one that has
// passed, plus PROCESSING rows past their deadline: those were
// stranded by a crash between enqueue and delivery and get re-enqueued
// like fresh events.
func (w *WebhookWorker) SweepOnce(ctx context.Context) error {
	if w.redis == nil {
		return nil
	}
	rows, err := w.db.Query(`
		SELECT id, endpoint, payload
		FROM webhook_events
		WHERE (status = $1 AND (next_attempt_at IS NULL OR next_attempt_at <= NOW()))
		   OR (status = $2 AND next_attempt_at <= NOW())
		ORDER BY created_at ASC
		LIMIT $3`, models.WebhookStatusPending, models.WebhookStatusProcessing, w.batchSize)
	if err != nil {
		return err
	}
	defer rows.Close()

	var ids []string
	var jobs []any
	for rows.Next() {
		var job webhookJob
		if err := rows.Scan(&job.EventID, &job.Endpoint, &job.Payload); err != nil {
			return err
		}
		raw, err := json.Marshal(job)
		if err != nil {
			return err
		}
		ids = append(ids, job.EventID)
		jobs = append(jobs, raw)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	if err := w.redis.RPush(ctx, w.queueKey, jobs...).Err(); err != nil {
		return err
	}

	_, err = w.db.Exec(`
		UPDATE webhook_events SET status = $1, next_attempt_at = $2 WHERE id = ANY($3)`,
		models.WebhookStatusProcessing, time.Now().Add(w.reclaimAfter), pq.Array(ids))
	return err
}

func (w *WebhookWorker) deliverLoop(ctx context.Context) {
	for {
		res, err := w.redis.BLPop(ctx, 5*time.Second, w.queueKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("webhook queue pop failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		// BLPop returns [key, value].
		w.HandleJob(ctx, []byte(res[1]))
	}
}

// HandleJob delivers one queued event and updates the outbox row with
// the outcome.
func (w *WebhookWorker) HandleJob(ctx context.Context, raw []byte) {
	var job webhookJob
	if err := json.Unmarshal(raw, &job); err != nil {
		w.log.Error("malformed webhook job discarded", zap.Error(err))
		return
	}

	if err := w.deliver(ctx, job); err != nil {
		w.recordFailure(job, err)
		return
	}

	if _, err := w.db.Exec(`
		UPDATE webhook_events SET status = $1, last_error = NULL WHERE id = $2`,
		models.WebhookStatusCompleted, job.EventID); err != nil {
		w.log.Error("failed to mark webhook completed",
			zap.String("event_id", job.EventID), zap.Error(err))
		return
	}
	w.log.Info("webhook delivered",
		zap.String("event_id", job.EventID), zap.String("event", job.Payload.Event))
}

func (w *WebhookWorker) deliver(ctx context.Context, job webhookJob) error {
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", w.signer.Sign(body))

	// A hung receiver fails the attempt via the client timeout; that
	// counts as a delivery failure like any other.
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("receiver returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *WebhookWorker) recordFailure(job webhookJob, cause error) {
	var attempts int
	err := w.db.QueryRow(`
		UPDATE webhook_events
		SET last_error = $1, attempts = attempts + 1
		WHERE id = $2 AND status NOT IN ($3, $4)
		RETURNING attempts`,
		cause.Error(), job.EventID,
		models.WebhookStatusCompleted, models.WebhookStatusFailed).Scan(&attempts)
	if err == sql.ErrNoRows {
		// Duplicate delivery of an event already in a terminal state.
		return
	}
	if err != nil {
		w.log.Error("failed to record webhook failure",
			zap.String("event_id", job.EventID), zap.Error(err))
		return
	}

	if attempts >= w.maxAttempts {
		res, err := w.db.Exec(`
			UPDATE webhook_events SET status = $1 WHERE id = $2 AND status <> $1`,
			models.WebhookStatusFailed, job.EventID)
		if err != nil {
			w.log.Error("failed to dead-letter webhook",
				zap.String("event_id", job.EventID), zap.Error(err))
			return
		}
		// Only the delivery that performs the transition raises the
		// alert, so racing duplicates cannot page twice.
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			w.alert(job.EventID, job.Endpoint, cause.Error())
		}
		return
	}

	delay := w.backoffBase << (attempts - 1)
	// The in-process timer is the prompt retry path; the persisted
	// attempt time lets the sweeper pick the retry up after a restart.
	if _, err := w.db.Exec(`
		UPDATE webhook_events SET status = $1, next_attempt_at = $2 WHERE id = $3`,
		models.WebhookStatusPending, time.Now().Add(delay), job.EventID); err != nil {
		w.log.Error("failed to schedule webhook retry",
			zap.String("event_id", job.EventID), zap.Error(err))
	}
	w.log.Warn("webhook delivery failed, scheduling retry",
		zap.String("event_id", job.EventID),
		zap.Int("attempt", attempts),
		zap.Duration("retry_in", delay),
		zap.Error(cause))

	raw, _ := json.Marshal(job)
	time.AfterFunc(delay, func() {
		if err := w.redis.RPush(context.Background(), w.queueKey, raw).Err(); err != nil {
			w.log.Error("failed to requeue webhook",
				zap.String("event_id", job.EventID), zap.Error(err))
		}
	})
}
