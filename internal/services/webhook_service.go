package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaultbank/backend/internal/models"
)

// webhookJob is the unit of work handed from the sweeper (or a direct
// send) to the delivery worker over the Redis queue.
type webhookJob struct {
	EventID  string                `json:"eventId"`
	Endpoint string                `json:"endpoint"`
	Payload  models.WebhookPayload `json:"payload"`
}

// WebhookService is the producer side of the outbox: it records events
// in the same database transaction as the business mutation that
// triggered them, and signs payloads for delivery.
type WebhookService struct {
	db       *sql.DB
	redis    *redis.Client
	queueKey string
	secret   string
	log      *zap.Logger
}

func NewWebhookService(db *sql.DB, redisClient *redis.Client, queueKey, secret string, log *zap.Logger) *WebhookService {
	return &WebhookService{
		db:       db,
		redis:    redisClient,
		queueKey: queueKey,
		secret:   secret,
		log:      log,
	}
}

// CreateEventTx inserts a PENDING outbox row inside the caller's
// transaction, so the event and the state change it describes commit or
// roll back together.
func (s *WebhookService) CreateEventTx(tx *sql.Tx, endpoint string, payload models.WebhookPayload) (string, error) {
	id := uuid.NewString()
	_, err := tx.Exec(`
		INSERT INTO webhook_events (id, endpoint, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)`,
		id, endpoint, payload, models.WebhookStatusPending, time.Now())
	return id, err
}

// SendWebhook records an event outside any business transaction and
// enqueues it immediately, skipping the sweep interval. Used by callers
// that want fire-and-forget delivery right after their own commit. If
// the enqueue fails the row stays PENDING and the sweeper picks it up
// on its next pass.
func (s *WebhookService) SendWebhook(ctx context.Context, endpoint string, payload models.WebhookPayload) error {
	id := uuid.NewString()
	_, err := s.db.Exec(`
		INSERT INTO webhook_events (id, endpoint, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)`,
		id, endpoint, payload, models.WebhookStatusPending, time.Now())
	if err != nil {
		return err
	}

	if s.redis == nil {
		s.log.Warn("webhook queue unavailable, event left in outbox",
			zap.String("event_id", id))
		return nil
	}
	job, err := json.Marshal(webhookJob{EventID: id, Endpoint: endpoint, Payload: payload})
	if err != nil {
		return err
	}
	if err := s.redis.RPush(ctx, s.queueKey, job).Err(); err != nil {
		s.log.Warn("direct webhook enqueue failed, sweeper will retry",
			zap.String("event_id", id), zap.Error(err))
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature delivered alongside a
// payload.
func (s *WebhookService) Sign(body []byte) string {
	h := hmac.New(sha256.New, []byte(s.secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
