// Package tracker runs SLA reconciliation passes and the instance lifecycle.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/sla-tracker/internal/businesstime"
	"github.com/t77yq/sla-tracker/internal/directory"
	"github.com/t77yq/sla-tracker/internal/model"
	"github.com/t77yq/sla-tracker/internal/monitor"
	"github.com/t77yq/sla-tracker/internal/storage"
)

// Notifier delivers the notice for an escalation level
type Notifier interface {
	Notify(ctx context.Context, inst *model.Instance, def *model.Definition, level model.EscalationLevel, percent float64) (int, error)
}

// RunLock serializes reconciliation of one organization across runs
type RunLock interface {
	// TryLock acquires key without waiting. The returned release func is non-nil when acquired.
	TryLock(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// Config holds the tracker's tunables
type Config struct {
	// InstanceTimeout bounds the store calls and sends of one instance
	InstanceTimeout time.Duration
	// MaxAttempts bounds retries of transient store failures
	MaxAttempts int
	Backoff     RetryStrategy
	// Now overrides the clock; defaults to time.Now
	Now func() time.Time
}

// Tracker owns instance creation, completion and the periodic reconciliation pass
type Tracker struct {
	logger    *zap.Logger
	store     storage.Store
	directory directory.Directory
	notifier  Notifier
	lock      RunLock
	metrics   *monitor.Metrics
	config    Config
	retry     *retrier
}

// New creates a new tracker. dir and metrics may be nil.
func New(logger *zap.Logger, store storage.Store, dir directory.Directory, notifier Notifier, lock RunLock, metrics *monitor.Metrics, config Config) *Tracker {
	if config.InstanceTimeout <= 0 {
		config.InstanceTimeout = 30 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Backoff == nil {
		config.Backoff = DefaultBackoff()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	logger = logger.Named("tracker")
	return &Tracker{
		logger:    logger,
		store:     store,
		directory: dir,
		notifier:  notifier,
		lock:      lock,
		metrics:   metrics,
		config:    config,
		retry: &retrier{
			logger:      logger,
			strategy:    config.Backoff,
			maxAttempts: config.MaxAttempts,
		},
	}
}

func (t *Tracker) now() time.Time {
	return t.config.Now().UTC()
}

// TrackActivity attaches an SLA instance to a new activity. It returns nil without error when no
// definition applies or the matching definition is misconfigured.
func (t *Tracker) TrackActivity(ctx context.Context, activity *model.Activity) (*model.Instance, error) {
	logger := t.logger.With(zap.String("activity_id", activity.ID), zap.String("org_id", activity.OrgID))

	if err := retryExec(ctx, t.retry, "save activity", func(ctx context.Context) error {
		return t.store.SaveActivity(ctx, activity)
	}); err != nil {
		return nil, fmt.Errorf("failed to save activity: %w", err)
	}

	existing, err := t.store.GetInstanceByActivity(ctx, activity.ID)
	if err == nil {
		return existing, nil
	}
	if !model.IsNotFound(err) {
		return nil, fmt.Errorf("failed to look up instance: %w", err)
	}

	def, err := withRetry(ctx, t.retry, "find applicable definition", func(ctx context.Context) (*model.Definition, error) {
		return t.store.FindApplicableDefinition(ctx, activity.OrgID, activity.Type, activity.Category, activity.Priority)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find definition: %w", err)
	}
	if def == nil {
		logger.Debug("No SLA definition applies")
		return nil, nil
	}

	start := activity.CreatedAt
	if start.IsZero() {
		start = t.now()
	}

	inst, err := t.CreateInstance(ctx, def.ID, activity.ID, start)
	if err != nil {
		if model.IsConfiguration(err) {
			logger.Warn("Skipping misconfigured SLA definition",
				zap.Int64("definition_id", def.ID),
				zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	return inst, nil
}

// CreateInstance computes and freezes the deadlines of definitionID from startTime and stores the instance.
// An activity that already has an instance gets that instance back.
func (t *Tracker) CreateInstance(ctx context.Context, definitionID int64, activityID string, startTime time.Time) (*model.Instance, error) {
	def, err := withRetry(ctx, t.retry, "get definition", func(ctx context.Context) (*model.Definition, error) {
		return t.store.GetDefinition(ctx, definitionID)
	})
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, &model.ConfigurationError{Field: "is_active", Reason: fmt.Sprintf("definition %d is inactive", def.ID)}
	}

	cal, err := t.calendarFor(ctx, def)
	if err != nil {
		return nil, err
	}

	start := startTime.UTC()
	target, err := businesstime.CalculateDueDate(start, def.TargetHours, cal)
	if err != nil {
		return nil, err
	}
	inst := &model.Instance{
		ID:           uuid.NewString(),
		OrgID:        def.OrgID,
		DefinitionID: def.ID,
		ActivityID:   activityID,
		StartTime:    start,
		TargetTime:   target.UTC(),
		Status:       model.StatusActive,
	}
	if def.WarningHours != nil {
		w, err := businesstime.CalculateDueDate(start, *def.WarningHours, cal)
		if err != nil {
			return nil, err
		}
		w = w.UTC()
		inst.WarningTime = &w
	}
	if def.CriticalHours != nil {
		c, err := businesstime.CalculateDueDate(start, *def.CriticalHours, cal)
		if err != nil {
			return nil, err
		}
		c = c.UTC()
		inst.CriticalTime = &c
	}

	err = retryExec(ctx, t.retry, "create instance", func(ctx context.Context) error {
		return t.store.CreateInstance(ctx, inst)
	})
	if errors.Is(err, model.ErrDuplicateInstance) {
		return t.store.GetInstanceByActivity(ctx, activityID)
	}
	if err != nil {
		return nil, err
	}

	t.logger.Info("Created SLA instance",
		zap.String("instance_id", inst.ID),
		zap.String("activity_id", activityID),
		zap.Int64("definition_id", def.ID),
		zap.Time("target_time", inst.TargetTime))
	return inst, nil
}

// CompleteActivity stops the clock of the activity's instance. Completion after the target
// records a breach; an already breached instance stays breached.
func (t *Tracker) CompleteActivity(ctx context.Context, activityID string, completedAt time.Time) (*model.Instance, error) {
	inst, err := withRetry(ctx, t.retry, "get instance", func(ctx context.Context) (*model.Instance, error) {
		return t.store.GetInstanceByActivity(ctx, activityID)
	})
	if err != nil {
		return nil, err
	}
	if inst.CompletedAt != nil {
		return inst, nil
	}

	completedAt = completedAt.UTC()
	patch := model.InstancePatch{CompletedAt: &completedAt}
	status := model.StatusMet

	switch {
	case inst.Status == model.StatusBreached:
		status = model.StatusBreached
	case completedAt.After(inst.TargetTime):
		status = model.StatusBreached
		duration := breachMinutes(inst.TargetTime, completedAt)
		patch.BreachedAt = &completedAt
		patch.BreachDuration = &duration
	}

	updated, err := withRetry(ctx, t.retry, "complete instance", func(ctx context.Context) (*model.Instance, error) {
		return t.store.UpdateInstanceStatus(ctx, inst.ID, status, patch)
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("Completed SLA instance",
		zap.String("instance_id", inst.ID),
		zap.String("activity_id", activityID),
		zap.String("status", string(updated.Status)))
	return updated, nil
}

// PauseInstance stops evaluating an instance. Its frozen deadlines are not shifted.
func (t *Tracker) PauseInstance(ctx context.Context, instanceID string) (*model.Instance, error) {
	inst, err := t.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Status.IsActive() {
		return nil, fmt.Errorf("failed to pause instance in status %s: %w", inst.Status, model.ErrInvalidTransition)
	}

	now := t.now()
	return withRetry(ctx, t.retry, "pause instance", func(ctx context.Context) (*model.Instance, error) {
		return t.store.UpdateInstanceStatus(ctx, instanceID, model.StatusPaused, model.InstancePatch{PausedAt: &now})
	})
}

// ResumeInstance returns a paused instance to evaluation; the next pass re-derives its status
func (t *Tracker) ResumeInstance(ctx context.Context, instanceID string) (*model.Instance, error) {
	inst, err := t.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != model.StatusPaused {
		return nil, fmt.Errorf("failed to resume instance in status %s: %w", inst.Status, model.ErrInvalidTransition)
	}

	return withRetry(ctx, t.retry, "resume instance", func(ctx context.Context) (*model.Instance, error) {
		return t.store.UpdateInstanceStatus(ctx, instanceID, model.StatusActive, model.InstancePatch{ClearPausedAt: true})
	})
}

func (t *Tracker) calendarFor(ctx context.Context, def *model.Definition) (*businesstime.Calendar, error) {
	if !def.UseBusinessHours {
		return nil, nil
	}

	var org *model.BusinessHoursConfig
	if t.directory != nil {
		var err error
		org, err = t.directory.BusinessHours(ctx, def.OrgID)
		if err != nil {
			return nil, fmt.Errorf("failed to load business hours of %s: %w", def.OrgID, err)
		}
	}
	return businesstime.ForDefinition(def, org)
}

func breachMinutes(target, at time.Time) int64 {
	return int64(math.Round(at.Sub(target).Minutes()))
}

func boolPtr(b bool) *bool { return &b }
