package database

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4/pgxpool"
	"vpn-service/internal/dbtx"
)

// Notification type tags, matching the reminder windows in spec §W2.
const (
	NotificationExpires3Days = "expires_3d"
	NotificationExpires1Day  = "expires_1d"
	NotificationExpires1Hour = "expires_1h"
)

type SubscriptionNotification struct {
	ID               int64
	SubscriptionID   int64
	NotificationType string
	TelegramUserID   int64
	ExpiresAt        time.Time
	SentAt           time.Time
}

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func (r *NotificationRepository) q(q dbtx.Querier) dbtx.Querier {
	if q != nil {
		return q
	}
	return r.pool
}

// TryMarkSent attempts to claim a notification slot for this
// (subscription, type) and this (user, type, expiry) pair. It returns
// (true, nil) if the row was inserted — meaning the caller should actually
// send the message — or (false, nil) if either unique constraint already
// has a matching row, meaning the reminder already went out.
func (r *NotificationRepository) TryMarkSent(ctx context.Context, q dbtx.Querier, n *SubscriptionNotification) (bool, error) {
	builder := sq.Insert("subscription_notifications").
		Columns("subscription_id", "notification_type", "telegram_user_id", "expires_at").
		Values(n.SubscriptionID, n.NotificationType, n.TelegramUserID, n.ExpiresAt).
		Suffix("ON CONFLICT DO NOTHING").
		PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert: %w", err)
	}

	tag, err := r.q(q).Exec(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
