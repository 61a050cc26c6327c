// Package scheduler arms the periodic reconciliation trigger and guards runs with locks.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/sla-tracker/internal/model"
)

// DefaultSpec runs a pass every ten minutes
const DefaultSpec = "@every 10m"

var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Reconciler runs one reconciliation pass
type Reconciler interface {
	Reconcile(ctx context.Context) (model.RunAudit, error)
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

type maintenanceJob struct {
	name string
	spec string
	fn   func(ctx context.Context)
}

// Handle owns the cron entry that triggers reconciliation. Start and Stop are idempotent.
type Handle struct {
	logger     *zap.Logger
	spec       string
	reconciler Reconciler
	cron       *cron.Cron

	mu          sync.Mutex
	running     bool
	entries     []cron.EntryID
	maintenance []maintenanceJob
	lastRun     *model.RunAudit
	inflight    sync.WaitGroup
}

// NewHandle creates a new handle firing on a cron expression of five or six fields, or a descriptor such as "@every 10m".
func NewHandle(logger *zap.Logger, spec string, reconciler Reconciler) (*Handle, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := specParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	logger = logger.Named("scheduler")
	cl := &cronLogger{logger: logger.Named("cron")}
	return &Handle{
		logger:     logger,
		spec:       spec,
		reconciler: reconciler,
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}, nil
}

// AddMaintenance registers an auxiliary job armed together with the reconciliation entry
func (h *Handle) AddMaintenance(name, spec string, fn func(ctx context.Context)) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.maintenance = append(h.maintenance, maintenanceJob{name: name, spec: spec, fn: fn})
	if h.running {
		return h.arm(h.maintenance[len(h.maintenance)-1])
	}
	return nil
}

// Start arms the timer
func (h *Handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return nil
	}

	id, err := h.cron.AddFunc(h.spec, func() {
		if _, err := h.RunNow(context.Background()); err != nil {
			h.logger.Error("Scheduled reconciliation failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	h.entries = append(h.entries, id)

	for _, job := range h.maintenance {
		if err := h.arm(job); err != nil {
			h.disarm()
			return err
		}
	}

	h.cron.Start()
	h.running = true

	h.logger.Info("Scheduler started",
		zap.String("spec", h.spec),
		zap.Time("next_run", h.cron.Entry(id).Next))
	return nil
}

func (h *Handle) arm(job maintenanceJob) error {
	id, err := h.cron.AddFunc(job.spec, func() {
		h.inflight.Add(1)
		defer h.inflight.Done()
		job.fn(context.Background())
	})
	if err != nil {
		return fmt.Errorf("failed to add %s job: %w", job.name, err)
	}
	h.entries = append(h.entries, id)
	return nil
}

func (h *Handle) disarm() {
	for _, id := range h.entries {
		h.cron.Remove(id)
	}
	h.entries = nil
}

// Stop disarms the timer. The returned context is done once in-flight runs have finished;
// runs are never cancelled.
func (h *Handle) Stop() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	if !h.running {
		go func() {
			h.inflight.Wait()
			cancel()
		}()
		return ctx
	}

	h.disarm()
	cronDone := h.cron.Stop()
	h.running = false

	go func() {
		<-cronDone.Done()
		h.inflight.Wait()
		cancel()
	}()

	h.logger.Info("Scheduler stopped")
	return ctx
}

// IsRunning reports whether the timer is armed
func (h *Handle) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// RunNow executes a pass immediately
func (h *Handle) RunNow(ctx context.Context) (model.RunAudit, error) {
	h.inflight.Add(1)
	defer h.inflight.Done()

	start := time.Now()
	audit, err := h.reconciler.Reconcile(ctx)
	if err != nil {
		return audit, err
	}

	h.mu.Lock()
	h.lastRun = &audit
	h.mu.Unlock()

	h.logger.Debug("Reconciliation run complete",
		zap.String("run_id", audit.ID),
		zap.Duration("took", time.Since(start)))
	return audit, nil
}

// LastRun returns the audit of the latest successful run, if any
func (h *Handle) LastRun() *model.RunAudit {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastRun == nil {
		return nil
	}
	run := *h.lastRun
	return &run
}

// Next returns the next scheduled reconciliation, or the zero time when stopped
func (h *Handle) Next() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running || len(h.entries) == 0 {
		return time.Time{}
	}
	return h.cron.Entry(h.entries[0]).Next
}
