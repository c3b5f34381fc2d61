package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ecommerce/services/order/internal/db"
	"github.com/ecommerce/services/order/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxRepository stores outbound envelopes next to the state change that
// produced them. Rows are appended inside the caller's transaction: a rolled
// back transition publishes nothing, a committed one publishes at least once.
type OutboxRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository(database *db.DB, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{
		db:  database,
		log: logger,
	}
}

// Append serializes the envelope and stores it as PENDING inside tx.
func (r *OutboxRepository) Append(ctx context.Context, tx *gorm.DB, topic string, env events.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox envelope: %w", err)
	}

	record := &db.OutboxRecord{
		Topic:        topic,
		PartitionKey: env.PartitionKey,
		MessageID:    env.MessageID,
		Payload:      payload,
		Status:       db.OutboxStatusPending,
	}

	if err := tx.WithContext(ctx).Create(record).Error; err != nil {
		r.log.Error("Failed to append outbox record",
			zap.String("topic", topic),
			zap.String("message_id", env.MessageID),
			zap.Error(err),
		)
		return err
	}

	return nil
}

// FetchPending returns PENDING records ordered by sequence, which yields
// creation order per partition key (global ordering is not required).
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]*db.OutboxRecord, error) {
	var records []*db.OutboxRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", db.OutboxStatusPending).
		Order("seq ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		r.log.Error("Failed to fetch pending outbox records", zap.Error(err))
		return nil, err
	}

	return records, nil
}

// MarkSent flags a record as dispatched. Crashing between publish and this
// update only causes a duplicate send, absorbed by consumer-side inboxes.
func (r *OutboxRepository) MarkSent(ctx context.Context, seq int64) error {
	result := r.db.WithContext(ctx).Model(&db.OutboxRecord{}).
		Where("seq = ?", seq).
		Update("status", db.OutboxStatusSent)
	if result.Error != nil {
		r.log.Error("Failed to mark outbox record sent", zap.Int64("seq", seq), zap.Error(result.Error))
		return result.Error
	}

	return nil
}
