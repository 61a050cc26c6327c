package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/sla-tracker/internal/escalation"
	"github.com/t77yq/sla-tracker/internal/model"
)

const definitionColumns = `
	id, org_id, name, code, entity_type, activity_type, category, priority,
	target_hours, warning_hours, critical_hours,
	use_business_hours, business_hours_start, business_hours_end, holidays, escalation_levels,
	is_active, created_at, updated_at`

// CreateDefinition implements Store.CreateDefinition
func (s *SQLiteStore) CreateDefinition(ctx context.Context, def *model.Definition) error {
	if def.EntityType == "" {
		def.EntityType = model.EntityTypeActivity
	}
	if err := escalation.ValidateDefinition(def); err != nil {
		return err
	}

	holidays, levels, err := encodeDefinitionJSON(def)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sla_definitions (
			org_id, name, code, entity_type, activity_type, category, priority,
			target_hours, warning_hours, critical_hours,
			use_business_hours, business_hours_start, business_hours_end, holidays, escalation_levels,
			is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.OrgID, def.Name, def.Code, def.EntityType, def.ActivityType, def.Category, def.Priority,
		def.TargetHours, nullFloat(def.WarningHours), nullFloat(def.CriticalHours),
		def.UseBusinessHours, def.BusinessHoursStart, def.BusinessHoursEnd, holidays, levels,
		def.IsActive, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create definition %s: %w", def.Code, model.ErrDuplicateDefinition)
		}
		return transient("create definition", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return transient("create definition", err)
	}
	def.ID = id
	def.CreatedAt = now
	def.UpdatedAt = now

	s.logger.Info("Created SLA definition",
		zap.Int64("definition_id", id),
		zap.String("org_id", def.OrgID),
		zap.String("code", def.Code))
	return nil
}

// UpdateDefinition implements Store.UpdateDefinition. Existing instances keep their frozen deadlines.
func (s *SQLiteStore) UpdateDefinition(ctx context.Context, def *model.Definition) error {
	if def.EntityType == "" {
		def.EntityType = model.EntityTypeActivity
	}
	if err := escalation.ValidateDefinition(def); err != nil {
		return err
	}

	holidays, levels, err := encodeDefinitionJSON(def)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sla_definitions SET
			name = ?, code = ?, entity_type = ?, activity_type = ?, category = ?, priority = ?,
			target_hours = ?, warning_hours = ?, critical_hours = ?,
			use_business_hours = ?, business_hours_start = ?, business_hours_end = ?,
			holidays = ?, escalation_levels = ?, is_active = ?, updated_at = ?
		WHERE id = ? AND org_id = ?`,
		def.Name, def.Code, def.EntityType, def.ActivityType, def.Category, def.Priority,
		def.TargetHours, nullFloat(def.WarningHours), nullFloat(def.CriticalHours),
		def.UseBusinessHours, def.BusinessHoursStart, def.BusinessHoursEnd,
		holidays, levels, def.IsActive, now,
		def.ID, def.OrgID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to update definition %d: %w", def.ID, model.ErrDuplicateDefinition)
		}
		return transient("update definition", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return transient("update definition", err)
	} else if n == 0 {
		return &model.NotFoundError{Kind: "definition", ID: strconv.FormatInt(def.ID, 10)}
	}
	def.UpdatedAt = now
	return nil
}

// DeactivateDefinition implements Store.DeactivateDefinition
func (s *SQLiteStore) DeactivateDefinition(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sla_definitions SET is_active = 0, updated_at = ? WHERE id = ?", time.Now().UTC(), id)
	if err != nil {
		return transient("deactivate definition", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return transient("deactivate definition", err)
	} else if n == 0 {
		return &model.NotFoundError{Kind: "definition", ID: strconv.FormatInt(id, 10)}
	}
	return nil
}

// GetDefinition implements Store.GetDefinition
func (s *SQLiteStore) GetDefinition(ctx context.Context, id int64) (*model.Definition, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+definitionColumns+" FROM sla_definitions WHERE id = ?", id)
	def, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &model.NotFoundError{Kind: "definition", ID: strconv.FormatInt(id, 10)}
		}
		return nil, transient("get definition", err)
	}
	return def, nil
}

// ListDefinitions implements Store.ListDefinitions
func (s *SQLiteStore) ListDefinitions(ctx context.Context, orgID string, activeOnly bool) ([]*model.Definition, error) {
	query := "SELECT " + definitionColumns + " FROM sla_definitions WHERE org_id = ?"
	if activeOnly {
		query += " AND is_active = 1"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, transient("list definitions", err)
	}
	defer rows.Close()

	var defs []*model.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, transient("list definitions", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list definitions", err)
	}
	return defs, nil
}

// FindApplicableDefinition implements Store.FindApplicableDefinition. Specificity weights:
// activity type 4, priority 2, category 1; ties go to the oldest definition.
func (s *SQLiteStore) FindApplicableDefinition(ctx context.Context, orgID, activityType, category, priority string) (*model.Definition, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+definitionColumns+`
		FROM sla_definitions
		WHERE org_id = ? AND is_active = 1 AND entity_type = ?
			AND (activity_type = '' OR activity_type = ?)
			AND (category = '' OR category = ?)
			AND (priority = '' OR priority = ?)
		ORDER BY
			(CASE WHEN activity_type <> '' THEN 4 ELSE 0 END)
			+ (CASE WHEN priority <> '' THEN 2 ELSE 0 END)
			+ (CASE WHEN category <> '' THEN 1 ELSE 0 END) DESC,
			id ASC
		LIMIT 1`,
		orgID, model.EntityTypeActivity, activityType, category, priority,
	)
	def, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, transient("find applicable definition", err)
	}
	return def, nil
}

func encodeDefinitionJSON(def *model.Definition) (string, string, error) {
	holidays, err := json.Marshal(def.Holidays)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal holidays: %w", err)
	}
	levels, err := json.Marshal(def.EscalationLevels)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal escalation levels: %w", err)
	}
	return string(holidays), string(levels), nil
}

func scanDefinition(row rowScanner) (*model.Definition, error) {
	var def model.Definition
	var warning, critical sql.NullFloat64
	var holidays, levels sql.NullString

	err := row.Scan(
		&def.ID,
		&def.OrgID,
		&def.Name,
		&def.Code,
		&def.EntityType,
		&def.ActivityType,
		&def.Category,
		&def.Priority,
		&def.TargetHours,
		&warning,
		&critical,
		&def.UseBusinessHours,
		&def.BusinessHoursStart,
		&def.BusinessHoursEnd,
		&holidays,
		&levels,
		&def.IsActive,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	def.WarningHours = floatPtr(warning)
	def.CriticalHours = floatPtr(critical)
	if holidays.Valid && holidays.String != "" {
		if err := json.Unmarshal([]byte(holidays.String), &def.Holidays); err != nil {
			return nil, fmt.Errorf("failed to decode holidays of definition %d: %w", def.ID, err)
		}
	}
	if levels.Valid && levels.String != "" {
		if err := json.Unmarshal([]byte(levels.String), &def.EscalationLevels); err != nil {
			return nil, fmt.Errorf("failed to decode escalation levels of definition %d: %w", def.ID, err)
		}
	}
	def.CreatedAt = def.CreatedAt.UTC()
	def.UpdatedAt = def.UpdatedAt.UTC()
	return &def, nil
}
