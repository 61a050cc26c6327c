package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/sla-tracker/internal/model"
)

// SaveActivity implements Store.SaveActivity
func (s *SQLiteStore) SaveActivity(ctx context.Context, a *model.Activity) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (
			id, org_id, type, category, priority, owner_id, pod_id, entity_type, entity_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			org_id = excluded.org_id,
			type = excluded.type,
			category = excluded.category,
			priority = excluded.priority,
			owner_id = excluded.owner_id,
			pod_id = excluded.pod_id,
			entity_type = excluded.entity_type,
			entity_id = excluded.entity_id`,
		a.ID, a.OrgID, a.Type, a.Category, a.Priority, a.OwnerID, a.PodID, a.EntityType, a.EntityID, createdAt.UTC(),
	)
	if err != nil {
		return transient("save activity", err)
	}
	return nil
}

// GetActivity implements Store.GetActivity
func (s *SQLiteStore) GetActivity(ctx context.Context, id string) (*model.Activity, error) {
	var a model.Activity
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, type, category, priority, owner_id, pod_id, entity_type, entity_id, created_at
		FROM activities WHERE id = ?`, id).Scan(
		&a.ID,
		&a.OrgID,
		&a.Type,
		&a.Category,
		&a.Priority,
		&a.OwnerID,
		&a.PodID,
		&a.EntityType,
		&a.EntityID,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &model.NotFoundError{Kind: "activity", ID: id}
		}
		return nil, transient("get activity", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// AppendActivityLog implements Store.AppendActivityLog
func (s *SQLiteStore) AppendActivityLog(ctx context.Context, entry *model.ActivityLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, org_id, entity_type, entity_id, action, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OrgID, entry.EntityType, entry.EntityID, entry.Action, entry.Summary, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return transient("append activity log", err)
	}
	return nil
}

// ListActivityLog implements Store.ListActivityLog
func (s *SQLiteStore) ListActivityLog(ctx context.Context, entityType, entityID string) ([]*model.ActivityLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, entity_type, entity_id, action, summary, created_at
		FROM activity_log
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at, id`, entityType, entityID)
	if err != nil {
		return nil, transient("list activity log", err)
	}
	defer rows.Close()

	var entries []*model.ActivityLogEntry
	for rows.Next() {
		e := &model.ActivityLogEntry{}
		if err := rows.Scan(&e.ID, &e.OrgID, &e.EntityType, &e.EntityID, &e.Action, &e.Summary, &e.CreatedAt); err != nil {
			return nil, transient("list activity log", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list activity log", err)
	}
	return entries, nil
}
