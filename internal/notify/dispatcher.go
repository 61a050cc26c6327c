// Package notify delivers SLA escalation notices over email and chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/sla-tracker/internal/directory"
	"github.com/t77yq/sla-tracker/internal/model"
	"github.com/t77yq/sla-tracker/internal/monitor"
)

// ActionEscalation is the activity-log action recorded after an escalation notice
const ActionEscalation = "sla_escalation"

// Store is the persistence the dispatcher needs
type Store interface {
	GetActivity(ctx context.Context, id string) (*model.Activity, error)
	HasNotification(ctx context.Context, instanceID string, level int, channel model.NotificationChannel) (bool, error)
	ClaimNotification(ctx context.Context, instanceID string, level int, channel model.NotificationChannel) error
	ReleaseNotification(ctx context.Context, instanceID string, level int, channel model.NotificationChannel) error
	AppendActivityLog(ctx context.Context, entry *model.ActivityLogEntry) error
}

// Dispatcher resolves recipients and sends one notice per channel per escalation level
type Dispatcher struct {
	logger    *zap.Logger
	store     Store
	directory directory.Directory
	email     EmailSender
	chat      ChatSender
	metrics   *monitor.Metrics
}

// NewDispatcher creates a new dispatcher. metrics may be nil.
func NewDispatcher(logger *zap.Logger, store Store, dir directory.Directory, email EmailSender, chat ChatSender, metrics *monitor.Metrics) *Dispatcher {
	return &Dispatcher{
		logger:    logger.Named("notify"),
		store:     store,
		directory: dir,
		email:     email,
		chat:      chat,
		metrics:   metrics,
	}
}

type delivery struct {
	channel model.NotificationChannel
	send    func(ctx context.Context) error
}

// Notify delivers the notice for level on every configured channel that has not delivered it yet.
// It returns the number of channels sent in this call. Failed channels are released so a later
// call retries them, and are reported as joined NotificationDeliveryErrors.
func (d *Dispatcher) Notify(ctx context.Context, inst *model.Instance, def *model.Definition, level model.EscalationLevel, percent float64) (int, error) {
	activity, err := d.store.GetActivity(ctx, inst.ActivityID)
	if err != nil {
		if !model.IsNotFound(err) {
			return 0, fmt.Errorf("failed to load activity %s: %w", inst.ActivityID, err)
		}
	}

	subject, body := render(inst, def, level, percent)

	var deliveries []delivery
	if addrs := d.resolveAddresses(ctx, activity, level.Recipients); len(addrs) > 0 && d.email != nil {
		deliveries = append(deliveries, delivery{
			channel: model.ChannelEmail,
			send: func(ctx context.Context) error {
				return d.email.SendEmail(ctx, addrs, subject, body)
			},
		})
	}
	if level.ChatChannel != "" && d.chat != nil {
		deliveries = append(deliveries, delivery{
			channel: model.ChannelChat,
			send: func(ctx context.Context) error {
				return d.chat.SendChat(ctx, level.ChatChannel, subject+"\n"+body)
			},
		})
	}
	if len(deliveries) == 0 {
		d.logger.Debug("No deliverable channel for level",
			zap.String("instance_id", inst.ID),
			zap.Int("level", level.Level))
		return 0, nil
	}

	sent := 0
	var errs []error
	for _, dl := range deliveries {
		ok, err := d.deliver(ctx, inst, level, dl)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			sent++
		}
	}

	if sent > 0 {
		d.recordEscalation(ctx, inst, activity, def, level, percent)
	}
	return sent, errors.Join(errs...)
}

// deliver claims, sends and on failure releases one channel. It reports whether a notice went out.
func (d *Dispatcher) deliver(ctx context.Context, inst *model.Instance, level model.EscalationLevel, dl delivery) (bool, error) {
	logger := d.logger.With(
		zap.String("instance_id", inst.ID),
		zap.Int("level", level.Level),
		zap.String("channel", string(dl.channel)))

	done, err := d.store.HasNotification(ctx, inst.ID, level.Level, dl.channel)
	if err != nil {
		return false, &model.NotificationDeliveryError{Channel: dl.channel, Err: err}
	}
	if done {
		d.metrics.Notification(string(dl.channel), "skipped")
		return false, nil
	}

	if err := d.store.ClaimNotification(ctx, inst.ID, level.Level, dl.channel); err != nil {
		if errors.Is(err, model.ErrDuplicateNotification) {
			d.metrics.Notification(string(dl.channel), "skipped")
			return false, nil
		}
		return false, &model.NotificationDeliveryError{Channel: dl.channel, Err: err}
	}

	if err := dl.send(ctx); err != nil {
		d.metrics.Notification(string(dl.channel), "failed")
		logger.Warn("Notification delivery failed", zap.Error(err))
		if rerr := d.store.ReleaseNotification(ctx, inst.ID, level.Level, dl.channel); rerr != nil {
			logger.Error("Failed to release notification claim", zap.Error(rerr))
		}
		return false, &model.NotificationDeliveryError{Channel: dl.channel, Err: err}
	}

	d.metrics.Notification(string(dl.channel), "sent")
	logger.Info("Notification sent")
	return true, nil
}

func (d *Dispatcher) recordEscalation(ctx context.Context, inst *model.Instance, activity *model.Activity, def *model.Definition, level model.EscalationLevel, percent float64) {
	entityType, entityID := model.EntityTypeActivity, inst.ActivityID
	if activity != nil && activity.EntityType != "" && activity.EntityID != "" {
		entityType, entityID = activity.EntityType, activity.EntityID
	}

	entry := &model.ActivityLogEntry{
		OrgID:      inst.OrgID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     ActionEscalation,
		Summary:    fmt.Sprintf("SLA %q escalated to %s at %.0f%% elapsed", def.Name, level.Name, percent),
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.store.AppendActivityLog(ctx, entry); err != nil {
		d.logger.Warn("Failed to append activity log",
			zap.String("instance_id", inst.ID),
			zap.Error(err))
	}
}

func render(inst *model.Instance, def *model.Definition, level model.EscalationLevel, percent float64) (string, string) {
	subject := fmt.Sprintf("[SLA %s] %s", level.Name, def.Name)

	remaining := time.Until(inst.TargetTime).Round(time.Minute)
	due := fmt.Sprintf("due in %s", remaining)
	if remaining < 0 {
		due = fmt.Sprintf("overdue by %s", -remaining)
	}

	body := fmt.Sprintf("Activity %s has used %.0f%% of its %s window (target %s, %s).",
		inst.ActivityID,
		math.Round(percent),
		formatHours(def.TargetHours),
		inst.TargetTime.UTC().Format(time.RFC3339),
		due)
	return subject, body
}

func formatHours(h float64) string {
	if h == math.Trunc(h) {
		return fmt.Sprintf("%.0fh", h)
	}
	return fmt.Sprintf("%.1fh", h)
}
