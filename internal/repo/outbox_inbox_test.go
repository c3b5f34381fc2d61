package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ecommerce/services/order/internal/db"
	"github.com/ecommerce/services/order/internal/events"
	"github.com/ecommerce/services/order/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestOutboxAppendCommits(t *testing.T) {
	database := setupTestDB(t)
	log := logger.NewLogger("test", "error")
	outbox := NewOutboxRepository(database, log)

	ctx := context.Background()

	env, err := events.NewEnvelope(events.TopicOrderConfirmed, "ord-1", events.OrderConfirmed{OrderID: "ord-1"})
	require.NoError(t, err)

	err = database.Transaction(func(tx *gorm.DB) error {
		return outbox.Append(ctx, tx, events.TopicOrderConfirmed, env)
	})
	require.NoError(t, err)

	pending, err := outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, events.TopicOrderConfirmed, pending[0].Topic)
	assert.Equal(t, "ord-1", pending[0].PartitionKey)
	assert.Equal(t, env.MessageID, pending[0].MessageID)
}

func TestOutboxAppendRollsBackWithStateChange(t *testing.T) {
	database := setupTestDB(t)
	log := logger.NewLogger("test", "error")
	outbox := NewOutboxRepository(database, log)

	ctx := context.Background()

	env, err := events.NewEnvelope(events.TopicOrderConfirmed, "ord-2", events.OrderConfirmed{OrderID: "ord-2"})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = database.Transaction(func(tx *gorm.DB) error {
		if err := outbox.Append(ctx, tx, events.TopicOrderConfirmed, env); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Rolled back state change publishes nothing.
	pending, err := outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutboxFetchPendingOrderAndMarkSent(t *testing.T) {
	database := setupTestDB(t)
	log := logger.NewLogger("test", "error")
	outbox := NewOutboxRepository(database, log)

	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		env, err := events.NewEnvelope(events.TopicOrderCancelled, "ord-3", events.OrderCancelled{OrderID: id})
		require.NoError(t, err)
		require.NoError(t, database.Transaction(func(tx *gorm.DB) error {
			return outbox.Append(ctx, tx, events.TopicOrderCancelled, env)
		}))
	}

	pending, err := outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Less(t, pending[0].Seq, pending[1].Seq)
	assert.Less(t, pending[1].Seq, pending[2].Seq)

	require.NoError(t, outbox.MarkSent(ctx, pending[0].Seq))

	remaining, err := outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, pending[1].Seq, remaining[0].Seq)
}

func TestInboxDeduplicates(t *testing.T) {
	database := setupTestDB(t)
	log := logger.NewLogger("test", "error")
	inbox := NewInboxRepository(database, log)

	ctx := context.Background()

	seen, err := inbox.Seen(ctx, database.DB, "order-saga", "msg-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, database.Transaction(func(tx *gorm.DB) error {
		return inbox.Record(ctx, tx, "order-saga", "msg-1")
	}))

	seen, err = inbox.Seen(ctx, database.DB, "order-saga", "msg-1")
	require.NoError(t, err)
	assert.True(t, seen)

	// Another consumer keeps its own dedup window.
	seen, err = inbox.Seen(ctx, database.DB, "inventory-worker", "msg-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestInboxPrune(t *testing.T) {
	database := setupTestDB(t)
	log := logger.NewLogger("test", "error")
	inbox := NewInboxRepository(database, log)

	ctx := context.Background()

	old := &db.InboxRecord{Consumer: "order-saga", MessageID: "old", ProcessedAt: time.Now().Add(-48 * time.Hour)}
	recent := &db.InboxRecord{Consumer: "order-saga", MessageID: "recent", ProcessedAt: time.Now()}
	require.NoError(t, database.Create(old).Error)
	require.NoError(t, database.Create(recent).Error)

	pruned, err := inbox.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	seen, err := inbox.Seen(ctx, database.DB, "order-saga", "recent")
	require.NoError(t, err)
	assert.True(t, seen)
}
