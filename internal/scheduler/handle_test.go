package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/sla-tracker/internal/model"
)

type countingReconciler struct {
	calls   atomic.Int32
	block   chan struct{}
	started chan struct{}
	once    sync.Once
	err     error
}

func (r *countingReconciler) Reconcile(context.Context) (model.RunAudit, error) {
	n := r.calls.Add(1)
	if r.started != nil {
		r.once.Do(func() { close(r.started) })
	}
	if r.block != nil {
		<-r.block
	}
	return model.RunAudit{ID: "run", RulesChecked: int(n)}, r.err
}

func TestNewHandleValidatesSpec(t *testing.T) {
	_, err := NewHandle(zaptest.NewLogger(t), "every tuesday", &countingReconciler{})
	require.Error(t, err)

	for _, spec := range []string{"", "@every 10m", "*/5 * * * *", "0 */5 * * * *", "@hourly"} {
		_, err := NewHandle(zaptest.NewLogger(t), spec, &countingReconciler{})
		assert.NoError(t, err, spec)
	}
}

func TestHandleStartStopIdempotent(t *testing.T) {
	h, err := NewHandle(zaptest.NewLogger(t), "@every 1h", &countingReconciler{})
	require.NoError(t, err)

	assert.False(t, h.IsRunning())
	assert.True(t, h.Next().IsZero())

	require.NoError(t, h.Start())
	require.NoError(t, h.Start())
	assert.True(t, h.IsRunning())

	<-h.Stop().Done()
	assert.False(t, h.IsRunning())
	<-h.Stop().Done()

	// can be armed again
	require.NoError(t, h.Start())
	assert.True(t, h.IsRunning())
	<-h.Stop().Done()
}

func TestHandleRunsOnSchedule(t *testing.T) {
	rec := &countingReconciler{}
	h, err := NewHandle(zaptest.NewLogger(t), "@every 1s", rec)
	require.NoError(t, err)

	var maintained atomic.Int32
	require.NoError(t, h.AddMaintenance("prune", "@every 1s", func(context.Context) { maintained.Add(1) }))

	require.NoError(t, h.Start())
	defer h.Stop()

	require.Eventually(t, func() bool { return rec.calls.Load() >= 1 && maintained.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return h.LastRun() != nil }, time.Second, 10*time.Millisecond)
}

func TestHandleRunNow(t *testing.T) {
	rec := &countingReconciler{}
	h, err := NewHandle(zaptest.NewLogger(t), "", rec)
	require.NoError(t, err)

	assert.Nil(t, h.LastRun())
	audit, err := h.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, audit.RulesChecked)
	require.NotNil(t, h.LastRun())

	rec.err = errors.New("store unavailable")
	_, err = h.RunNow(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, h.LastRun().RulesChecked)
}

func TestHandleStopWaitsForInflightRun(t *testing.T) {
	rec := &countingReconciler{block: make(chan struct{}), started: make(chan struct{})}
	h, err := NewHandle(zaptest.NewLogger(t), "@every 1h", rec)
	require.NoError(t, err)
	require.NoError(t, h.Start())

	go h.RunNow(context.Background())
	<-rec.started

	stopped := h.Stop()
	select {
	case <-stopped.Done():
		t.Fatal("stop finished while a run was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(rec.block)
	select {
	case <-stopped.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not finish after the run completed")
	}
}
