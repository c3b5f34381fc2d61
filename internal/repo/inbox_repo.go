package repo

import (
	"context"
	"errors"
	"time"

	"github.com/ecommerce/services/order/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// InboxRepository deduplicates inbound messages per consumer. Recording
// happens in the same transaction as the resulting state change, so either
// both the effect and the inbox row commit or neither does.
type InboxRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewInboxRepository creates a new inbox repository
func NewInboxRepository(database *db.DB, logger *zap.Logger) *InboxRepository {
	return &InboxRepository{
		db:  database,
		log: logger,
	}
}

// Seen reports whether the (consumer, messageID) pair was already processed.
func (r *InboxRepository) Seen(ctx context.Context, tx *gorm.DB, consumer, messageID string) (bool, error) {
	var record db.InboxRecord
	err := tx.WithContext(ctx).
		Where("consumer = ? AND message_id = ?", consumer, messageID).
		First(&record).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}

	r.log.Error("Failed to check inbox", zap.String("message_id", messageID), zap.Error(err))
	return false, err
}

// Record marks the message as processed inside tx.
func (r *InboxRepository) Record(ctx context.Context, tx *gorm.DB, consumer, messageID string) error {
	record := &db.InboxRecord{
		Consumer:    consumer,
		MessageID:   messageID,
		ProcessedAt: time.Now(),
	}

	if err := tx.WithContext(ctx).Create(record).Error; err != nil {
		r.log.Error("Failed to record inbox entry",
			zap.String("consumer", consumer),
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		return err
	}

	return nil
}

// Prune drops records older than the retention window. The window must exceed
// the maximum expected redelivery delay.
func (r *InboxRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("processed_at < ?", olderThan).
		Delete(&db.InboxRecord{})
	if result.Error != nil {
		r.log.Error("Failed to prune inbox", zap.Error(result.Error))
		return 0, result.Error
	}

	if result.RowsAffected > 0 {
		r.log.Info("Pruned inbox records", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
