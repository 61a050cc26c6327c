package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/sla-tracker/internal/model"
)

// SaveRun implements Store.SaveRun
func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.RunAudit) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal run errors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sla_runs (id, ran_at, rules_checked, instances_updated, notifications_sent, errors, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RanAt.UTC(), run.RulesChecked, run.InstancesUpdated, run.NotificationsSent, string(errs), run.DurationMs,
	)
	if err != nil {
		return transient("save run", err)
	}
	return nil
}

// ListRuns implements Store.ListRuns
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*model.RunAudit, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ran_at, rules_checked, instances_updated, notifications_sent, errors, duration_ms
		FROM sla_runs
		ORDER BY ran_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, transient("list runs", err)
	}
	defer rows.Close()

	var runs []*model.RunAudit
	for rows.Next() {
		run := &model.RunAudit{}
		var errs sql.NullString
		err := rows.Scan(
			&run.ID,
			&run.RanAt,
			&run.RulesChecked,
			&run.InstancesUpdated,
			&run.NotificationsSent,
			&errs,
			&run.DurationMs,
		)
		if err != nil {
			return nil, transient("list runs", err)
		}
		if errs.Valid && errs.String != "" {
			if err := json.Unmarshal([]byte(errs.String), &run.Errors); err != nil {
				return nil, fmt.Errorf("failed to decode errors of run %s: %w", run.ID, err)
			}
		}
		run.RanAt = run.RanAt.UTC()
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list runs", err)
	}
	return runs, nil
}

// DeleteRunsBefore implements Store.DeleteRunsBefore
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sla_runs WHERE ran_at < ?", before.UTC())
	if err != nil {
		return 0, transient("delete runs", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, transient("delete runs", err)
	}

	s.logger.Info("Deleted old run audits",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}
