package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/sla-tracker/internal/model"
)

// Store defines the persistence operations of the SLA engine
type Store interface {
	// CreateDefinition validates and inserts a definition, assigning its ID
	CreateDefinition(ctx context.Context, def *model.Definition) error

	// UpdateDefinition validates and replaces a definition
	UpdateDefinition(ctx context.Context, def *model.Definition) error

	// DeactivateDefinition stops a definition from matching new activities
	DeactivateDefinition(ctx context.Context, id int64) error

	// GetDefinition retrieves a definition by ID
	GetDefinition(ctx context.Context, id int64) (*model.Definition, error)

	// ListDefinitions lists an org's definitions ordered by ID
	ListDefinitions(ctx context.Context, orgID string, activeOnly bool) ([]*model.Definition, error)

	// FindApplicableDefinition returns the most specific active definition for an activity, or nil
	FindApplicableDefinition(ctx context.Context, orgID, activityType, category, priority string) (*model.Definition, error)

	// CreateInstance inserts an instance; a second instance for the same activity fails
	CreateInstance(ctx context.Context, inst *model.Instance) error

	// GetInstance retrieves an instance by ID
	GetInstance(ctx context.Context, id string) (*model.Instance, error)

	// GetInstanceByActivity retrieves the instance tracking an activity
	GetInstanceByActivity(ctx context.Context, activityID string) (*model.Instance, error)

	// GetActiveInstances lists an org's instances in an active status
	GetActiveInstances(ctx context.Context, orgID string) ([]*model.Instance, error)

	// ListUnnotifiedInstances lists escalated instances whose current level is not fully notified
	ListUnnotifiedInstances(ctx context.Context, orgID string) ([]*model.Instance, error)

	// ListOrganizationsWithActiveInstances lists orgs with work for a reconciliation pass
	ListOrganizationsWithActiveInstances(ctx context.Context) ([]string, error)

	// UpdateInstanceStatus applies a status change and patch in one transaction. An empty
	// status leaves the stored one unchanged.
	UpdateInstanceStatus(ctx context.Context, id string, status model.Status, patch model.InstancePatch) (*model.Instance, error)

	// SaveActivity upserts an activity snapshot
	SaveActivity(ctx context.Context, activity *model.Activity) error

	// GetActivity retrieves an activity snapshot
	GetActivity(ctx context.Context, id string) (*model.Activity, error)

	// ClaimNotification records a notification; ErrDuplicateNotification if already claimed
	ClaimNotification(ctx context.Context, instanceID string, level int, channel model.NotificationChannel) error

	// ReleaseNotification removes a claim after a failed send
	ReleaseNotification(ctx context.Context, instanceID string, level int, channel model.NotificationChannel) error

	// HasNotification reports whether a notification was recorded
	HasNotification(ctx context.Context, instanceID string, level int, channel model.NotificationChannel) (bool, error)

	// ListNotifications lists the notifications recorded for an instance
	ListNotifications(ctx context.Context, instanceID string) ([]*model.NotificationRecord, error)

	// AppendActivityLog records an audit line
	AppendActivityLog(ctx context.Context, entry *model.ActivityLogEntry) error

	// ListActivityLog lists audit lines for an entity, oldest first
	ListActivityLog(ctx context.Context, entityType, entityID string) ([]*model.ActivityLogEntry, error)

	// SaveRun persists a run audit
	SaveRun(ctx context.Context, run *model.RunAudit) error

	// ListRuns lists the latest run audits, newest first
	ListRuns(ctx context.Context, limit int) ([]*model.RunAudit, error)

	// DeleteRunsBefore deletes run audits older than before
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer; also keeps :memory: databases on one connection
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sla_definitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			code TEXT NOT NULL,
			entity_type TEXT NOT NULL DEFAULT 'activity',
			activity_type TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT '',
			target_hours REAL NOT NULL,
			warning_hours REAL,
			critical_hours REAL,
			use_business_hours INTEGER NOT NULL DEFAULT 0,
			business_hours_start TEXT NOT NULL DEFAULT '',
			business_hours_end TEXT NOT NULL DEFAULT '',
			holidays TEXT,
			escalation_levels TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (org_id, code)
		);
		CREATE INDEX IF NOT EXISTS idx_sla_definitions_org ON sla_definitions(org_id, is_active);

		CREATE TABLE IF NOT EXISTS sla_instances (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			definition_id INTEGER NOT NULL REFERENCES sla_definitions(id),
			activity_id TEXT NOT NULL UNIQUE,
			start_time DATETIME NOT NULL,
			target_time DATETIME NOT NULL,
			warning_time DATETIME,
			critical_time DATETIME,
			status TEXT NOT NULL,
			current_level INTEGER NOT NULL DEFAULT 0,
			is_breached INTEGER NOT NULL DEFAULT 0,
			breached_at DATETIME,
			breach_duration INTEGER,
			completed_at DATETIME,
			paused_at DATETIME,
			escalation_sent INTEGER NOT NULL DEFAULT 0,
			escalation_sent_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sla_instances_org_status ON sla_instances(org_id, status);

		CREATE TABLE IF NOT EXISTS sla_notifications (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			level INTEGER NOT NULL,
			channel TEXT NOT NULL,
			sent_at DATETIME NOT NULL,
			UNIQUE (instance_id, level, channel)
		);

		CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			type TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL DEFAULT '',
			pod_id TEXT NOT NULL DEFAULT '',
			entity_type TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS activity_log (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			summary TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_activity_log_entity ON activity_log(entity_type, entity_id);

		CREATE TABLE IF NOT EXISTS sla_runs (
			id TEXT PRIMARY KEY,
			ran_at DATETIME NOT NULL,
			rules_checked INTEGER NOT NULL,
			instances_updated INTEGER NOT NULL,
			notifications_sent INTEGER NOT NULL,
			errors TEXT,
			duration_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sla_runs_ran_at ON sla_runs(ran_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func transient(op string, err error) error {
	return &model.TransientStoreError{Op: op, Err: err}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}
