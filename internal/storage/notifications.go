package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/sla-tracker/internal/model"
)

// ClaimNotification implements Store.ClaimNotification
func (s *SQLiteStore) ClaimNotification(ctx context.Context, instanceID string, level int, channel model.NotificationChannel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sla_notifications (id, instance_id, level, channel, sent_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), instanceID, level, channel, time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to claim %s level %d for %s: %w", channel, level, instanceID, model.ErrDuplicateNotification)
		}
		return transient("claim notification", err)
	}
	return nil
}

// ReleaseNotification implements Store.ReleaseNotification
func (s *SQLiteStore) ReleaseNotification(ctx context.Context, instanceID string, level int, channel model.NotificationChannel) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM sla_notifications WHERE instance_id = ? AND level = ? AND channel = ?",
		instanceID, level, channel)
	if err != nil {
		return transient("release notification", err)
	}
	return nil
}

// HasNotification implements Store.HasNotification
func (s *SQLiteStore) HasNotification(ctx context.Context, instanceID string, level int, channel model.NotificationChannel) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sla_notifications WHERE instance_id = ? AND level = ? AND channel = ?",
		instanceID, level, channel).Scan(&count)
	if err != nil {
		return false, transient("check notification", err)
	}
	return count > 0, nil
}

// ListNotifications implements Store.ListNotifications
func (s *SQLiteStore) ListNotifications(ctx context.Context, instanceID string) ([]*model.NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, level, channel, sent_at
		FROM sla_notifications
		WHERE instance_id = ?
		ORDER BY level, channel`, instanceID)
	if err != nil {
		return nil, transient("list notifications", err)
	}
	defer rows.Close()

	var records []*model.NotificationRecord
	for rows.Next() {
		rec := &model.NotificationRecord{}
		if err := rows.Scan(&rec.ID, &rec.InstanceID, &rec.Level, &rec.Channel, &rec.SentAt); err != nil {
			return nil, transient("list notifications", err)
		}
		rec.SentAt = rec.SentAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list notifications", err)
	}
	return records, nil
}
