// Package events consumes activity lifecycle events from NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/sla-tracker/internal/model"
	"github.com/t77yq/sla-tracker/internal/monitor"
)

const (
	StreamName       = "ACTIVITIES"
	SubjectCreated   = "activity.created"
	SubjectCompleted = "activity.completed"

	consumerPrefix = "sla-tracker"
	handleTimeout  = 30 * time.Second
	streamMaxAge   = 7 * 24 * time.Hour
)

// Handler applies activity events
type Handler interface {
	TrackActivity(ctx context.Context, activity *model.Activity) (*model.Instance, error)
	CompleteActivity(ctx context.Context, activityID string, completedAt time.Time) (*model.Instance, error)
}

// Listener subscribes to activity events and forwards them to the tracker
type Listener struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	handler Handler
	metrics *monitor.Metrics

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewListener creates a new listener. metrics may be nil.
func NewListener(logger *zap.Logger, js nats.JetStreamContext, handler Handler, metrics *monitor.Metrics) *Listener {
	return &Listener{
		logger:  logger.Named("events"),
		js:      js,
		handler: handler,
		metrics: metrics,
	}
}

// Start ensures the stream exists and subscribes durable consumers
func (l *Listener) Start(ctx context.Context) error {
	stream, err := l.js.StreamInfo(StreamName)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if stream == nil {
		_, err = l.js.AddStream(&nats.StreamConfig{
			Name:     StreamName,
			Subjects: []string{"activity.*"},
			Storage:  nats.FileStorage,
			MaxAge:   streamMaxAge,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		l.logger.Info("Created activity stream", zap.String("name", StreamName))
	}

	handlers := map[string]nats.MsgHandler{
		SubjectCreated:   l.handleCreated,
		SubjectCompleted: l.handleCompleted,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for subject, h := range handlers {
		sub, err := l.js.Subscribe(subject, h,
			nats.Durable(ConsumerName(subject)),
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.DeliverAll(),
		)
		if err != nil {
			l.drain()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		l.subs = append(l.subs, sub)
	}

	go func() {
		<-ctx.Done()
		l.Stop()
	}()

	l.logger.Info("Activity listener started")
	return nil
}

// Stop unsubscribes; durable consumers keep their position
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drain()
}

func (l *Listener) drain() {
	for _, sub := range l.subs {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			l.logger.Warn("Failed to drain subscription", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	l.subs = nil
}

// ConsumerName returns the durable consumer name for subject
func ConsumerName(subject string) string {
	switch subject {
	case SubjectCreated:
		return consumerPrefix + "-created"
	default:
		return consumerPrefix + "-completed"
	}
}

func (l *Listener) handleCreated(msg *nats.Msg) {
	var activity model.Activity
	if err := json.Unmarshal(msg.Data, &activity); err != nil {
		l.reject(msg, "malformed activity", err)
		return
	}
	if activity.ID == "" || activity.OrgID == "" || activity.Type == "" {
		l.reject(msg, "activity missing id, org_id or type", nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	inst, err := l.handler.TrackActivity(ctx, &activity)
	if err != nil {
		l.fail(msg, activity.ID, err)
		return
	}

	fields := []zap.Field{zap.String("activity_id", activity.ID)}
	if inst != nil {
		fields = append(fields, zap.String("instance_id", inst.ID))
	}
	l.logger.Debug("Activity tracked", fields...)
	l.ack(msg, "ok")
}

func (l *Listener) handleCompleted(msg *nats.Msg) {
	var done model.ActivityCompleted
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		l.reject(msg, "malformed completion", err)
		return
	}
	if done.ActivityID == "" {
		l.reject(msg, "completion missing activity_id", nil)
		return
	}
	if done.CompletedAt.IsZero() {
		done.CompletedAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	if _, err := l.handler.CompleteActivity(ctx, done.ActivityID, done.CompletedAt); err != nil {
		if model.IsNotFound(err) {
			l.logger.Debug("Completed activity has no SLA instance", zap.String("activity_id", done.ActivityID))
			l.ack(msg, "ignored")
			return
		}
		l.fail(msg, done.ActivityID, err)
		return
	}
	l.ack(msg, "ok")
}

func (l *Listener) ack(msg *nats.Msg, result string) {
	l.metrics.Event(msg.Subject, result)
	if err := msg.Ack(); err != nil {
		l.logger.Warn("Failed to ack message", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// reject terminates a message that can never be processed
func (l *Listener) reject(msg *nats.Msg, reason string, err error) {
	l.logger.Error("Dropping activity event",
		zap.String("subject", msg.Subject),
		zap.String("reason", reason),
		zap.Error(err))
	l.metrics.Event(msg.Subject, "rejected")
	if err := msg.Term(); err != nil {
		l.logger.Warn("Failed to terminate message", zap.Error(err))
	}
}

// fail asks for redelivery of transient failures and drops the rest
func (l *Listener) fail(msg *nats.Msg, activityID string, err error) {
	if model.IsTransient(err) {
		l.logger.Warn("Activity event failed, requesting redelivery",
			zap.String("activity_id", activityID),
			zap.Error(err))
		l.metrics.Event(msg.Subject, "retry")
		if nerr := msg.NakWithDelay(time.Second); nerr != nil {
			l.logger.Warn("Failed to nak message", zap.Error(nerr))
		}
		return
	}
	l.reject(msg, "handler error", err)
}
