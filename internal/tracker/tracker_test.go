package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/sla-tracker/internal/model"
	"github.com/t77yq/sla-tracker/internal/storage"
)

type notice struct {
	instanceID string
	level      int
	name       string
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notice
	failN   int
	// sent runs after a notice is recorded, outside the lock
	sent func(inst *model.Instance)
}

func (n *fakeNotifier) Notify(_ context.Context, inst *model.Instance, _ *model.Definition, level model.EscalationLevel, _ float64) (int, error) {
	n.mu.Lock()
	if n.failN > 0 {
		n.failN--
		n.mu.Unlock()
		return 0, &model.NotificationDeliveryError{Channel: model.ChannelEmail, Err: errors.New("smtp unavailable")}
	}
	n.notices = append(n.notices, notice{instanceID: inst.ID, level: level.Level, name: level.Name})
	sent := n.sent
	n.mu.Unlock()

	if sent != nil {
		sent(inst)
	}
	return 1, nil
}

func (n *fakeNotifier) levels(instanceID string) []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []int
	for _, x := range n.notices {
		if x.instanceID == instanceID {
			out = append(out, x.level)
		}
	}
	return out
}

type fakeLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLock) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}

type fakeDirectory struct {
	hours map[string]*model.BusinessHoursConfig
}

func (d *fakeDirectory) BusinessHours(_ context.Context, orgID string) (*model.BusinessHoursConfig, error) {
	return d.hours[orgID], nil
}

func (d *fakeDirectory) User(_ context.Context, id string) (*model.User, error) {
	return nil, &model.NotFoundError{Kind: "user", ID: id}
}

func (d *fakeDirectory) Pod(_ context.Context, id string) (*model.Pod, error) {
	return nil, &model.NotFoundError{Kind: "pod", ID: id}
}

// brokenDefinitionStore fails definition lookups for one ID
type brokenDefinitionStore struct {
	storage.Store
	brokenID int64
}

func (s *brokenDefinitionStore) GetDefinition(ctx context.Context, id int64) (*model.Definition, error) {
	if id == s.brokenID {
		return nil, errors.New("corrupt definition row")
	}
	return s.Store.GetDefinition(ctx, id)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type harness struct {
	store    *storage.SQLiteStore
	tracker  *Tracker
	notifier *fakeNotifier
	lock     *fakeLock
	dir      *fakeDirectory
	clock    *clock
}

var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC) // Monday

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := storage.NewSQLiteStore(logger, filepath.Join(t.TempDir(), "sla.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:    store,
		notifier: &fakeNotifier{},
		lock:     &fakeLock{},
		dir:      &fakeDirectory{hours: map[string]*model.BusinessHoursConfig{}},
		clock:    &clock{now: t0},
	}
	h.tracker = h.newTracker(t, store)
	return h
}

func (h *harness) newTracker(t *testing.T, store storage.Store) *Tracker {
	return New(zaptest.NewLogger(t), store, h.dir, h.notifier, h.lock, nil, Config{
		InstanceTimeout: 5 * time.Second,
		MaxAttempts:     2,
		Backoff:         &ExponentialBackoff{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
		Now:             h.clock.Now,
	})
}

func ptrFloat(f float64) *float64 { return &f }

func (h *harness) definition(t *testing.T, def model.Definition) *model.Definition {
	t.Helper()
	if def.OrgID == "" {
		def.OrgID = "org-1"
	}
	if def.Name == "" {
		def.Name = def.Code
	}
	def.IsActive = true
	require.NoError(t, h.store.CreateDefinition(context.Background(), &def))
	return &def
}

func (h *harness) track(t *testing.T, id, activityType string, createdAt time.Time) *model.Instance {
	t.Helper()
	inst, err := h.tracker.TrackActivity(context.Background(), &model.Activity{
		ID: id, OrgID: "org-1", Type: activityType, OwnerID: "u-1", CreatedAt: createdAt,
	})
	require.NoError(t, err)
	require.NotNil(t, inst)
	return inst
}

func (h *harness) reconcileAt(t *testing.T, at time.Time) model.RunAudit {
	t.Helper()
	h.clock.Set(at)
	audit, err := h.tracker.Reconcile(context.Background())
	require.NoError(t, err)
	return audit
}

func (h *harness) instance(t *testing.T, id string) *model.Instance {
	t.Helper()
	inst, err := h.store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func TestReconcileImplicitThresholds(t *testing.T) {
	h := newHarness(t)
	h.definition(t, model.Definition{Code: "response", TargetHours: 8, WarningHours: ptrFloat(4), CriticalHours: ptrFloat(6)})
	inst := h.track(t, "act-1", "email", t0)

	audit := h.reconcileAt(t, t0.Add(time.Hour))
	assert.Equal(t, 1, audit.RulesChecked)
	assert.Zero(t, audit.InstancesUpdated)
	assert.Equal(t, model.StatusActive, h.instance(t, inst.ID).Status)

	audit = h.reconcileAt(t, t0.Add(5*time.Hour))
	assert.Equal(t, 1, audit.InstancesUpdated)
	assert.Equal(t, 1, audit.NotificationsSent)
	got := h.instance(t, inst.ID)
	assert.Equal(t, model.StatusWarning, got.Status)
	assert.Equal(t, 1, got.CurrentLevel)
	assert.True(t, got.EscalationSent)

	audit = h.reconcileAt(t, t0.Add(7*time.Hour))
	assert.Equal(t, 1, audit.NotificationsSent)
	assert.Equal(t, model.StatusCritical, h.instance(t, inst.ID).Status)

	audit = h.reconcileAt(t, t0.Add(9*time.Hour))
	assert.Equal(t, 1, audit.NotificationsSent)
	got = h.instance(t, inst.ID)
	assert.Equal(t, model.StatusBreached, got.Status)
	assert.True(t, got.IsBreached)
	assert.Equal(t, 3, got.CurrentLevel)
	require.NotNil(t, got.BreachDuration)
	assert.Equal(t, int64(60), *got.BreachDuration)

	// breached instances leave the active set
	audit = h.reconcileAt(t, t0.Add(12*time.Hour))
	assert.Zero(t, audit.RulesChecked)

	assert.Equal(t, []int{1, 2, 3}, h.notifier.levels(inst.ID))
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.definition(t, model.Definition{Code: "response", TargetHours: 8, WarningHours: ptrFloat(4)})
	inst := h.track(t, "act-1", "email", t0)

	for i := 0; i < 5; i++ {
		h.reconcileAt(t, t0.Add(5*time.Hour))
	}
	assert.Equal(t, []int{1}, h.notifier.levels(inst.ID))

	got := h.instance(t, inst.ID)
	assert.Equal(t, model.StatusWarning, got.Status)
	assert.Equal(t, 1, got.CurrentLevel)
}

func TestReconcileLadderSkipsToHighestReachedLevel(t *testing.T) {
	h := newHarness(t)
	h.definition(t, model.Definition{
		Code:        "ladder",
		TargetHours: 10,
		EscalationLevels: []model.EscalationLevel{
			{Level: 1, Name: "warning", TriggerPercentage: 25},
			{Level: 2, Name: "critical", TriggerPercentage: 75},
			{Level: 3, Name: "breach", TriggerPercentage: 100},
		},
	})
	inst := h.track(t, "act-1", "email", t0)

	h.reconcileAt(t, t0.Add(8*time.Hour))
	got := h.instance(t, inst.ID)
	assert.Equal(t, model.StatusCritical, got.Status)
	assert.Equal(t, 2, got.CurrentLevel)

	// at exactly the target the breach level is not applied yet
	h.reconcileAt(t, t0.Add(10*time.Hour))
	assert.Equal(t, model.StatusCritical, h.instance(t, inst.ID).Status)

	h.reconcileAt(t, t0.Add(11*time.Hour))
	got = h.instance(t, inst.ID)
	assert.Equal(t, model.StatusBreached, got.Status)
	assert.Equal(t, 3, got.CurrentLevel)

	assert.Equal(t, []int{2, 3}, h.notifier.levels(inst.ID))
}

func TestReconcileBreachDoesNotJumpToLaterLevels(t *testing.T) {
	h := newHarness(t)
	h.definition(t, model.Definition{
		Code:        "ladder",
		TargetHours: 10,
		EscalationLevels: []model.EscalationLevel{
			{Level: 1, Name: "warning", TriggerPercentage: 25},
			{Level: 2, Name: "critical", TriggerPercentage: 75},
			{Level: 3, Name: "breach", TriggerPercentage: 100},
			{Level: 4, Name: "executive", TriggerPercentage: 200},
		},
	})
	inst := h.track(t, "act-1", "email", t0)

	// 101% complete on the first pass
	h.reconcileAt(t, t0.Add(10*time.Hour+6*time.Minute))
	got := h.instance(t, inst.ID)
	assert.Equal(t, model.StatusBreached, got.Status)
	assert.Equal(t, 3, got.CurrentLevel)
	assert.Equal(t, []int{3}, h.notifier.levels(inst.ID))
}

func TestReconcileBreachWithoutBreachLevelKeepsCurrentLevel(t *testing.T) {
	h := newHarness(t)
	h.definition(t, model.Definition{
		Code:        "ladder",
		TargetHours: 10,
		EscalationLevels: []model.EscalationLevel{
			{Level: 1, Name: "warning", TriggerPercentage: 25},
			{Level: 2, Name: "critical", TriggerPercentage: 75},
		},
	})
	inst := h.track(t, "act-1", "email", t0)

	h.reconcileAt(t, t0.Add(8*time.Hour))
	h.reconcileAt(t, t0.Add(11*time.Hour))
	got := h.instance(t, inst.ID)
	assert.Equal(t, model.StatusBreached, got.Status)
	assert.Equal(t, 2, got.CurrentLevel)
	assert.Equal(t, []int{2}, h.notifier.levels(inst.ID))
}

func TestReconcileRetriesFailedNotification(t *testing.T) {
	h := newHarness(t)
	h.definition(t, model.Definition{Code: "response", TargetHours: 2})
	inst := h.track(t, "act-1", "email", t0)

	h.notifier.failN = 1
	audit := h.reconcileAt(t, t0.Add(3*time.Hour))
	require.Len(t, audit.Errors, 1)
	got := h.instance(t, inst.ID)
	assert.Equal(t, model.StatusBreached, got.Status)
	assert.False(t, got.EscalationSent)

	audit = h.reconcileAt(t, t0.Add(4*time.Hour))
	assert.Empty(t, audit.Errors)
	assert.Equal(t, 1, audit.NotificationsSent)
	got = h.instance(t, inst.ID)
	assert.True(t, got.EscalationSent)
	assert.NotNil(t, got.EscalationSentAt)

	// the breach duration is captured once
	assert.Equal(t, int64(60), *got.BreachDuration)

	h.reconcileAt(t, t0.Add(5*time.Hour))
	assert.Equal(t, []int{3}, h.notifier.levels(inst.ID))
}

func TestReconcileCompletionDuringNotice(t *testing.T) {
	h := newHarness(t)
	h.definition(t, model.Definition{Code: "response", TargetHours: 10, WarningHours: ptrFloat(4)})
	inst := h.track(t, "act-1", "email", t0)

	completedAt := t0.Add(5 * time.Hour)
	h.notifier.sent = func(*model.Instance) {
		_, err := h.tracker.CompleteActivity(context.Background(), "act-1", completedAt)
		assert.NoError(t, err)
	}

	audit := h.reconcileAt(t, completedAt)
	assert.Empty(t, audit.Errors)

	got := h.instance(t, inst.ID)
	assert.Equal(t, model.StatusMet, got.Status)
	assert.False(t, got.IsBreached)
	assert.True(t, got.EscalationSent)
	assert.Equal(t, 1, got.CurrentLevel)
	assert.Equal(t, []int{1}, h.notifier.levels(inst.ID))
}

func TestReconcileContinuesAfterInstanceError(t *testing.T) {
	h := newHarness(t)
	broken := h.definition(t, model.Definition{Code: "broken", ActivityType: "call", TargetHours: 1})
	h.definition(t, model.Definition{Code: "fine", ActivityType: "email", TargetHours: 1})
	bad := h.track(t, "act-bad", "call", t0)
	good := h.track(t, "act-good", "email", t0)

	h.tracker = h.newTracker(t, &brokenDefinitionStore{Store: h.store, brokenID: broken.ID})
	audit := h.reconcileAt(t, t0.Add(2*time.Hour))

	assert.Equal(t, 2, audit.RulesChecked)
	assert.Equal(t, 1, audit.InstancesUpdated)
	require.Len(t, audit.Errors, 1)
	assert.Contains(t, audit.Errors[0], bad.ID)
	assert.Equal(t, model.StatusBreached, h.instance(t, good.ID).Status)
	assert.Equal(t, model.StatusActive, h.instance(t, bad.ID).Status)

	runs, err := h.store.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, audit.ID, runs[0].ID)
	assert.Len(t, runs[0].Errors, 1)
}

func TestReconcileSkipsLockedOrganization(t *testing.T) {
	h := newHarness(t)
	h.definition(t, model.Definition{Code: "response", TargetHours: 1})
	inst := h.track(t, "act-1", "email", t0)

	release, ok, err := h.lock.TryLock(context.Background(), lockKeyPrefix+"org-1")
	require.NoError(t, err)
	require.True(t, ok)

	audit := h.reconcileAt(t, t0.Add(2*time.Hour))
	assert.Zero(t, audit.RulesChecked)
	assert.Equal(t, model.StatusActive, h.instance(t, inst.ID).Status)

	release()
	h.reconcileAt(t, t0.Add(2*time.Hour))
	assert.Equal(t, model.StatusBreached, h.instance(t, inst.ID).Status)
}

func TestCompleteActivity(t *testing.T) {
	h := newHarness(t)
	h.definition(t, model.Definition{Code: "response", TargetHours: 4})
	ctx := context.Background()

	onTime := h.track(t, "act-on-time", "email", t0)
	done, err := h.tracker.CompleteActivity(ctx, "act-on-time", t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.StatusMet, done.Status)
	assert.False(t, done.IsBreached)

	late := h.track(t, "act-late", "email", t0)
	done, err = h.tracker.CompleteActivity(ctx, "act-late", t0.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.StatusBreached, done.Status)
	assert.True(t, done.IsBreached)
	require.NotNil(t, done.BreachDuration)
	assert.Equal(t, int64(60), *done.BreachDuration)

	// completion is recorded once
	again, err := h.tracker.CompleteActivity(ctx, "act-late", t0.Add(9*time.Hour))
	require.NoError(t, err)
	assert.True(t, done.CompletedAt.Equal(*again.CompletedAt))

	// an already breached instance stays breached and keeps its stamps
	h.track(t, "act-breached", "email", t0)
	h.reconcileAt(t, t0.Add(6*time.Hour))
	done, err = h.tracker.CompleteActivity(ctx, "act-breached", t0.Add(7*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.StatusBreached, done.Status)
	assert.Equal(t, int64(120), *done.BreachDuration)
	assert.NotNil(t, done.CompletedAt)

	assert.Equal(t, model.StatusMet, h.instance(t, onTime.ID).Status)
	assert.Equal(t, model.StatusBreached, h.instance(t, late.ID).Status)

	_, err = h.tracker.CompleteActivity(ctx, "act-unknown", t0)
	assert.True(t, model.IsNotFound(err))
}

func TestTrackActivity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst, err := h.tracker.TrackActivity(ctx, &model.Activity{ID: "act-1", OrgID: "org-1", Type: "email"})
	require.NoError(t, err)
	assert.Nil(t, inst)

	stored, err := h.store.GetActivity(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, "email", stored.Type)

	h.definition(t, model.Definition{Code: "response", TargetHours: 4})
	first := h.track(t, "act-2", "email", t0)
	second := h.track(t, "act-2", "email", t0.Add(time.Hour))
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.TargetTime.Equal(second.TargetTime))
}

func TestTrackActivityWithMisconfiguredCalendar(t *testing.T) {
	h := newHarness(t)
	h.dir.hours["org-1"] = &model.BusinessHoursConfig{Timezone: "Nowhere/Special"}
	h.definition(t, model.Definition{Code: "response", TargetHours: 4, UseBusinessHours: true})

	inst, err := h.tracker.TrackActivity(context.Background(), &model.Activity{ID: "act-1", OrgID: "org-1", Type: "email"})
	require.NoError(t, err)
	assert.Nil(t, inst)
}

func TestCreateInstanceUsesBusinessHours(t *testing.T) {
	h := newHarness(t)
	h.dir.hours["org-1"] = &model.BusinessHoursConfig{Start: "09:00", End: "17:00", Timezone: "UTC"}
	def := h.definition(t, model.Definition{Code: "response", TargetHours: 2, WarningHours: ptrFloat(1), UseBusinessHours: true})

	friday := time.Date(2025, time.January, 10, 16, 30, 0, 0, time.UTC)
	inst, err := h.tracker.CreateInstance(context.Background(), def.ID, "act-1", friday)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2025, time.January, 13, 10, 30, 0, 0, time.UTC), inst.TargetTime)
	require.NotNil(t, inst.WarningTime)
	assert.Equal(t, time.Date(2025, time.January, 13, 9, 30, 0, 0, time.UTC), *inst.WarningTime)

	_, err = h.tracker.CreateInstance(context.Background(), 999, "act-2", friday)
	assert.True(t, model.IsNotFound(err))
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	h.definition(t, model.Definition{Code: "response", TargetHours: 1})
	inst := h.track(t, "act-1", "email", t0)
	ctx := context.Background()

	paused, err := h.tracker.PauseInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, paused.Status)
	assert.NotNil(t, paused.PausedAt)

	_, err = h.tracker.PauseInstance(ctx, inst.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	audit := h.reconcileAt(t, t0.Add(2*time.Hour))
	assert.Zero(t, audit.RulesChecked)

	resumed, err := h.tracker.ResumeInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, resumed.Status)
	assert.Nil(t, resumed.PausedAt)
	assert.True(t, inst.TargetTime.Equal(resumed.TargetTime))

	h.reconcileAt(t, t0.Add(2*time.Hour))
	assert.Equal(t, model.StatusBreached, h.instance(t, inst.ID).Status)
}
