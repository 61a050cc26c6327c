package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/sla-tracker/internal/escalation"
	"github.com/t77yq/sla-tracker/internal/model"
)

const lockKeyPrefix = "sla:reconcile:"

// pass carries the state of one reconciliation pass
type pass struct {
	now         time.Time
	audit       *model.RunAudit
	definitions map[int64]*model.Definition
}

func (p *pass) fail(format string, args ...any) {
	p.audit.Errors = append(p.audit.Errors, fmt.Sprintf(format, args...))
}

// Reconcile evaluates every active instance, persists status transitions and sends due notices.
// Per-instance failures are collected in the returned audit; the audit is persisted either way.
func (t *Tracker) Reconcile(ctx context.Context) (model.RunAudit, error) {
	started := time.Now()
	p := &pass{
		now:         t.now(),
		audit:       &model.RunAudit{ID: uuid.NewString(), Errors: []string{}},
		definitions: make(map[int64]*model.Definition),
	}
	p.audit.RanAt = p.now

	orgs, err := withRetry(ctx, t.retry, "list organizations", func(ctx context.Context) ([]string, error) {
		return t.store.ListOrganizationsWithActiveInstances(ctx)
	})
	if err != nil {
		t.logger.Error("Failed to list organizations", zap.Error(err))
		p.fail("list organizations: %v", err)
	}

	for _, orgID := range orgs {
		if ctx.Err() != nil {
			p.fail("pass interrupted: %v", ctx.Err())
			break
		}
		t.reconcileOrg(ctx, p, orgID)
	}

	elapsed := time.Since(started)
	p.audit.DurationMs = elapsed.Milliseconds()
	t.metrics.ObserveRun(elapsed)

	if err := retryExec(ctx, t.retry, "save run", func(ctx context.Context) error {
		return t.store.SaveRun(ctx, p.audit)
	}); err != nil {
		t.logger.Error("Failed to save run audit", zap.Error(err))
		return *p.audit, fmt.Errorf("failed to save run audit: %w", err)
	}

	t.logger.Info("Reconciliation pass finished",
		zap.String("run_id", p.audit.ID),
		zap.Int("orgs", len(orgs)),
		zap.Int("rules_checked", p.audit.RulesChecked),
		zap.Int("instances_updated", p.audit.InstancesUpdated),
		zap.Int("notifications_sent", p.audit.NotificationsSent),
		zap.Int("errors", len(p.audit.Errors)),
		zap.Duration("duration", elapsed))
	return *p.audit, nil
}

func (t *Tracker) reconcileOrg(ctx context.Context, p *pass, orgID string) {
	logger := t.logger.With(zap.String("org_id", orgID))

	release, acquired, err := t.lock.TryLock(ctx, lockKeyPrefix+orgID)
	if err != nil {
		logger.Error("Failed to acquire run lock", zap.Error(err))
		p.fail("org %s: lock: %v", orgID, err)
		return
	}
	if !acquired {
		logger.Info("Organization is being reconciled elsewhere, skipping")
		t.metrics.OrgLocked()
		return
	}
	defer release()

	pending, err := withRetry(ctx, t.retry, "list unnotified instances", func(ctx context.Context) ([]*model.Instance, error) {
		return t.store.ListUnnotifiedInstances(ctx, orgID)
	})
	if err != nil {
		logger.Error("Failed to list unnotified instances", zap.Error(err))
		p.fail("org %s: list unnotified instances: %v", orgID, err)
	}
	for _, inst := range pending {
		if err := t.retryNotification(ctx, p, inst); err != nil {
			t.instanceFailed(p, inst, err)
		}
	}

	active, err := withRetry(ctx, t.retry, "get active instances", func(ctx context.Context) ([]*model.Instance, error) {
		return t.store.GetActiveInstances(ctx, orgID)
	})
	if err != nil {
		logger.Error("Failed to list active instances", zap.Error(err))
		p.fail("org %s: get active instances: %v", orgID, err)
		return
	}
	t.metrics.SetActiveInstances(orgID, len(active))

	for _, inst := range active {
		if ctx.Err() != nil {
			return
		}
		p.audit.RulesChecked++
		if err := t.processInstance(ctx, p, inst); err != nil {
			t.instanceFailed(p, inst, err)
		}
	}
}

func (t *Tracker) instanceFailed(p *pass, inst *model.Instance, err error) {
	t.logger.Error("Failed to process instance",
		zap.String("instance_id", inst.ID),
		zap.String("org_id", inst.OrgID),
		zap.Error(err))
	t.metrics.InstanceError()
	p.fail("instance %s: %v", inst.ID, err)
}

// processInstance evaluates one active instance and applies at most one transition
func (t *Tracker) processInstance(ctx context.Context, p *pass, inst *model.Instance) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.InstanceTimeout)
	defer cancel()

	def, err := t.definition(ctx, p, inst.DefinitionID)
	if err != nil {
		return err
	}

	res := escalation.Check(inst, p.now)
	t.metrics.InstanceEvaluated()

	status, level, ok := t.decide(inst, def, res)
	if !ok {
		return nil
	}
	notify := level.Level > inst.CurrentLevel

	patch := model.InstancePatch{}
	if notify {
		patch.CurrentLevel = &level.Level
		patch.EscalationSent = boolPtr(false)
	}
	if status == model.StatusBreached {
		duration := breachMinutes(inst.TargetTime, p.now)
		patch.BreachedAt = &p.now
		patch.BreachDuration = &duration
	}

	updated, err := withRetry(ctx, t.retry, "update instance status", func(ctx context.Context) (*model.Instance, error) {
		return t.store.UpdateInstanceStatus(ctx, inst.ID, status, patch)
	})
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	p.audit.InstancesUpdated++
	if updated.Status != inst.Status {
		t.metrics.Transition(string(updated.Status))
	}

	t.logger.Info("Instance escalated",
		zap.String("instance_id", inst.ID),
		zap.String("from", string(inst.Status)),
		zap.String("to", string(updated.Status)),
		zap.Int("level", updated.CurrentLevel),
		zap.Float64("percent_complete", res.PercentComplete))

	if !notify {
		return nil
	}
	return t.notifyLevel(ctx, p, updated, def, level, res.PercentComplete)
}

// decide picks the status and level an instance moves to, if any. Breach always wins; ladder
// definitions escalate by percentage and the others by their warning and critical times.
func (t *Tracker) decide(inst *model.Instance, def *model.Definition, res escalation.CheckResult) (model.Status, model.EscalationLevel, bool) {
	ladder := len(def.EscalationLevels) > 0
	levels := def.EscalationLevels
	if !ladder {
		levels = escalation.ImplicitLevels(def)
	}

	if res.Breached {
		if inst.Status == model.StatusBreached {
			return "", model.EscalationLevel{}, false
		}
		level, ok := escalation.BreachLevel(levels, res.PercentComplete, inst.CurrentLevel)
		if !ok {
			level = model.EscalationLevel{Level: inst.CurrentLevel, Name: string(model.StatusBreached)}
		}
		return model.StatusBreached, level, true
	}

	if ladder {
		level, ok := escalation.ResolveLevel(levels, res.PercentComplete, inst.CurrentLevel)
		if !ok {
			return "", model.EscalationLevel{}, false
		}
		status := escalation.LevelStatus(level)
		if status == model.StatusBreached {
			// the target has not passed yet
			return "", model.EscalationLevel{}, false
		}
		if status.Rank() < inst.Status.Rank() {
			status = inst.Status
		}
		return status, level, true
	}

	switch {
	case res.CriticalTriggered && inst.Status.Rank() < model.StatusCritical.Rank():
		level, _ := escalation.LevelForStatus(levels, model.StatusCritical)
		return model.StatusCritical, level, true
	case res.WarningTriggered && inst.Status == model.StatusActive:
		level, _ := escalation.LevelForStatus(levels, model.StatusWarning)
		return model.StatusWarning, level, true
	}
	return "", model.EscalationLevel{}, false
}

// retryNotification re-sends the current level of an instance whose previous notice did not fully go out
func (t *Tracker) retryNotification(ctx context.Context, p *pass, inst *model.Instance) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.InstanceTimeout)
	defer cancel()

	def, err := t.definition(ctx, p, inst.DefinitionID)
	if err != nil {
		return err
	}

	levels := def.EscalationLevels
	if len(levels) == 0 {
		levels = escalation.ImplicitLevels(def)
	}
	for _, level := range levels {
		if level.Level == inst.CurrentLevel {
			t.logger.Debug("Retrying escalation notice",
				zap.String("instance_id", inst.ID),
				zap.Int("level", level.Level))
			return t.notifyLevel(ctx, p, inst, def, level, escalation.Check(inst, p.now).PercentComplete)
		}
	}

	// the ladder changed since the escalation; nothing left to send for this level
	return t.markNotified(ctx, p, inst)
}

func (t *Tracker) notifyLevel(ctx context.Context, p *pass, inst *model.Instance, def *model.Definition, level model.EscalationLevel, percent float64) error {
	sent, err := t.notifier.Notify(ctx, inst, def, level, percent)
	p.audit.NotificationsSent += sent
	if err != nil {
		return fmt.Errorf("failed to notify level %d: %w", level.Level, err)
	}
	return t.markNotified(ctx, p, inst)
}

func (t *Tracker) markNotified(ctx context.Context, p *pass, inst *model.Instance) error {
	now := p.now
	_, err := withRetry(ctx, t.retry, "mark notified", func(ctx context.Context) (*model.Instance, error) {
		return t.store.UpdateInstanceStatus(ctx, inst.ID, "", model.InstancePatch{
			EscalationSent:   boolPtr(true),
			EscalationSentAt: &now,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to mark instance notified: %w", err)
	}
	return nil
}

func (t *Tracker) definition(ctx context.Context, p *pass, id int64) (*model.Definition, error) {
	if def, ok := p.definitions[id]; ok {
		return def, nil
	}
	def, err := withRetry(ctx, t.retry, "get definition", func(ctx context.Context) (*model.Definition, error) {
		return t.store.GetDefinition(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	p.definitions[id] = def
	return def, nil
}
