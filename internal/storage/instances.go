package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/sla-tracker/internal/model"
)

const instanceColumns = `
	id, org_id, definition_id, activity_id,
	start_time, target_time, warning_time, critical_time,
	status, current_level, is_breached, breached_at, breach_duration,
	completed_at, paused_at, escalation_sent, escalation_sent_at,
	created_at, updated_at`

// CreateInstance implements Store.CreateInstance
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *model.Instance) error {
	now := time.Now().UTC()
	if inst.Status == "" {
		inst.Status = model.StatusActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sla_instances (
			id, org_id, definition_id, activity_id,
			start_time, target_time, warning_time, critical_time,
			status, current_level, is_breached, escalation_sent,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.OrgID, inst.DefinitionID, inst.ActivityID,
		inst.StartTime.UTC(), inst.TargetTime.UTC(), nullTime(inst.WarningTime), nullTime(inst.CriticalTime),
		inst.Status, inst.CurrentLevel, inst.IsBreached, inst.EscalationSent,
		now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create instance for activity %s: %w", inst.ActivityID, model.ErrDuplicateInstance)
		}
		return transient("create instance", err)
	}
	inst.CreatedAt = now
	inst.UpdatedAt = now
	return nil
}

// GetInstance implements Store.GetInstance
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	return s.getInstance(ctx, s.db, "id", id)
}

// GetInstanceByActivity implements Store.GetInstanceByActivity
func (s *SQLiteStore) GetInstanceByActivity(ctx context.Context, activityID string) (*model.Instance, error) {
	return s.getInstance(ctx, s.db, "activity_id", activityID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getInstance(ctx context.Context, q queryer, column, value string) (*model.Instance, error) {
	row := q.QueryRowContext(ctx, "SELECT "+instanceColumns+" FROM sla_instances WHERE "+column+" = ?", value)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &model.NotFoundError{Kind: "instance", ID: value}
		}
		return nil, transient("get instance", err)
	}
	return inst, nil
}

// GetActiveInstances implements Store.GetActiveInstances
func (s *SQLiteStore) GetActiveInstances(ctx context.Context, orgID string) ([]*model.Instance, error) {
	return s.listInstances(ctx, "get active instances", `
		WHERE org_id = ? AND status IN (?, ?, ?)
		ORDER BY target_time, id`,
		orgID, model.StatusActive, model.StatusWarning, model.StatusCritical)
}

// ListUnnotifiedInstances implements Store.ListUnnotifiedInstances
func (s *SQLiteStore) ListUnnotifiedInstances(ctx context.Context, orgID string) ([]*model.Instance, error) {
	return s.listInstances(ctx, "list unnotified instances", `
		WHERE org_id = ? AND escalation_sent = 0 AND current_level > 0
			AND completed_at IS NULL AND status IN (?, ?, ?)
		ORDER BY target_time, id`,
		orgID, model.StatusWarning, model.StatusCritical, model.StatusBreached)
}

// ListOrganizationsWithActiveInstances implements Store.ListOrganizationsWithActiveInstances
func (s *SQLiteStore) ListOrganizationsWithActiveInstances(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT org_id FROM sla_instances
		WHERE status IN (?, ?, ?)
			OR (escalation_sent = 0 AND current_level > 0 AND completed_at IS NULL AND status = ?)
		ORDER BY org_id`,
		model.StatusActive, model.StatusWarning, model.StatusCritical, model.StatusBreached)
	if err != nil {
		return nil, transient("list organizations", err)
	}
	defer rows.Close()

	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, transient("list organizations", err)
		}
		orgs = append(orgs, org)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list organizations", err)
	}
	return orgs, nil
}

func (s *SQLiteStore) listInstances(ctx context.Context, op, where string, args ...any) ([]*model.Instance, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+instanceColumns+" FROM sla_instances "+where, args...)
	if err != nil {
		return nil, transient(op, err)
	}
	defer rows.Close()

	var instances []*model.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, transient(op, err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, transient(op, err)
	}
	return instances, nil
}

// UpdateInstanceStatus implements Store.UpdateInstanceStatus. The update ratchets: escalating
// statuses never move down, the level never decreases, breach and completion stamps are written once.
func (s *SQLiteStore) UpdateInstanceStatus(ctx context.Context, id string, status model.Status, patch model.InstancePatch) (*model.Instance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, transient("begin transaction", err)
	}
	defer tx.Rollback()

	cur, err := s.getInstance(ctx, tx, "id", id)
	if err != nil {
		return nil, err
	}

	next, err := nextStatus(cur.Status, status)
	if err != nil {
		return nil, fmt.Errorf("failed to move instance %s from %s to %s: %w", id, cur.Status, status, err)
	}

	now := time.Now().UTC()
	upd := *cur
	upd.Status = next
	upd.UpdatedAt = now

	if patch.CurrentLevel != nil && *patch.CurrentLevel > upd.CurrentLevel {
		upd.CurrentLevel = *patch.CurrentLevel
	}
	if next == model.StatusBreached {
		upd.IsBreached = true
		if upd.BreachedAt == nil {
			at := now
			if patch.BreachedAt != nil {
				at = patch.BreachedAt.UTC()
			}
			upd.BreachedAt = &at
		}
		if upd.BreachDuration == nil && patch.BreachDuration != nil {
			d := *patch.BreachDuration
			upd.BreachDuration = &d
		}
	}
	if upd.CompletedAt == nil && patch.CompletedAt != nil {
		at := patch.CompletedAt.UTC()
		upd.CompletedAt = &at
	}
	if patch.ClearPausedAt {
		upd.PausedAt = nil
	} else if patch.PausedAt != nil {
		at := patch.PausedAt.UTC()
		upd.PausedAt = &at
	}
	if patch.EscalationSent != nil {
		upd.EscalationSent = *patch.EscalationSent
	}
	if patch.EscalationSentAt != nil {
		at := patch.EscalationSentAt.UTC()
		upd.EscalationSentAt = &at
	}

	var breachDuration sql.NullInt64
	if upd.BreachDuration != nil {
		breachDuration = sql.NullInt64{Int64: *upd.BreachDuration, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sla_instances SET
			status = ?, current_level = ?, is_breached = ?, breached_at = ?, breach_duration = ?,
			completed_at = ?, paused_at = ?, escalation_sent = ?, escalation_sent_at = ?, updated_at = ?
		WHERE id = ?`,
		upd.Status, upd.CurrentLevel, upd.IsBreached, nullTime(upd.BreachedAt), breachDuration,
		nullTime(upd.CompletedAt), nullTime(upd.PausedAt), upd.EscalationSent, nullTime(upd.EscalationSentAt), now,
		id,
	)
	if err != nil {
		return nil, transient("update instance status", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, transient("commit instance status", err)
	}

	if cur.Status != upd.Status {
		s.logger.Debug("Instance status changed",
			zap.String("instance_id", id),
			zap.String("from", string(cur.Status)),
			zap.String("to", string(upd.Status)))
	}
	return &upd, nil
}

// nextStatus decides the stored status for a requested transition
func nextStatus(cur, requested model.Status) (model.Status, error) {
	if requested == "" {
		return cur, nil
	}
	switch cur {
	case model.StatusMet:
		if requested == model.StatusMet {
			return cur, nil
		}
		return "", model.ErrInvalidTransition
	case model.StatusBreached:
		if requested == model.StatusBreached {
			return cur, nil
		}
		return "", model.ErrInvalidTransition
	}

	if cur.IsActive() && requested.IsActive() && requested.Rank() < cur.Rank() {
		return cur, nil
	}
	return requested, nil
}

func scanInstance(row rowScanner) (*model.Instance, error) {
	var inst model.Instance
	var warning, critical, breachedAt, completedAt, pausedAt, sentAt sql.NullTime
	var breachDuration sql.NullInt64

	err := row.Scan(
		&inst.ID,
		&inst.OrgID,
		&inst.DefinitionID,
		&inst.ActivityID,
		&inst.StartTime,
		&inst.TargetTime,
		&warning,
		&critical,
		&inst.Status,
		&inst.CurrentLevel,
		&inst.IsBreached,
		&breachedAt,
		&breachDuration,
		&completedAt,
		&pausedAt,
		&inst.EscalationSent,
		&sentAt,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.StartTime = inst.StartTime.UTC()
	inst.TargetTime = inst.TargetTime.UTC()
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	inst.WarningTime = timePtr(warning)
	inst.CriticalTime = timePtr(critical)
	inst.BreachedAt = timePtr(breachedAt)
	inst.CompletedAt = timePtr(completedAt)
	inst.PausedAt = timePtr(pausedAt)
	inst.EscalationSentAt = timePtr(sentAt)
	if breachDuration.Valid {
		d := breachDuration.Int64
		inst.BreachDuration = &d
	}
	return &inst, nil
}
