package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/sla-tracker/internal/model"
	"github.com/t77yq/sla-tracker/internal/testutil"
)

type recordingHandler struct {
	mu        sync.Mutex
	tracked   []string
	completed map[string]time.Time
}

func (h *recordingHandler) TrackActivity(_ context.Context, a *model.Activity) (*model.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracked = append(h.tracked, a.ID)
	return &model.Instance{ID: "inst-" + a.ID, ActivityID: a.ID}, nil
}

func (h *recordingHandler) CompleteActivity(_ context.Context, id string, at time.Time) (*model.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id == "untracked" {
		return nil, &model.NotFoundError{Kind: "instance", ID: id}
	}
	if h.completed == nil {
		h.completed = make(map[string]time.Time)
	}
	h.completed[id] = at
	return &model.Instance{ID: "inst-" + id, ActivityID: id}, nil
}

func (h *recordingHandler) snapshot() ([]string, map[string]time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	completed := make(map[string]time.Time, len(h.completed))
	for k, v := range h.completed {
		completed[k] = v
	}
	return append([]string(nil), h.tracked...), completed
}

func TestListener(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	handler := &recordingHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := NewListener(zaptest.NewLogger(t), js, handler, nil)
	require.NoError(t, listener.Start(ctx))
	defer listener.Stop()

	require.NoError(t, testutil.WaitForConsumer(t, js, StreamName, ConsumerName(SubjectCreated), 5*time.Second))
	require.NoError(t, testutil.WaitForConsumer(t, js, StreamName, ConsumerName(SubjectCompleted), 5*time.Second))

	created, err := json.Marshal(model.Activity{ID: "act-1", OrgID: "org-1", Type: "email", CreatedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, testutil.PublishWithRetry(js, SubjectCreated, created, 3, 100*time.Millisecond))

	// malformed and incomplete events are dropped without stopping the consumer
	require.NoError(t, testutil.PublishWithRetry(js, SubjectCreated, []byte("{not json"), 3, 100*time.Millisecond))
	require.NoError(t, testutil.PublishWithRetry(js, SubjectCreated, []byte(`{"id":"act-x"}`), 3, 100*time.Millisecond))

	completedAt := time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)
	done, err := json.Marshal(model.ActivityCompleted{ActivityID: "act-1", CompletedAt: completedAt})
	require.NoError(t, err)
	require.NoError(t, testutil.PublishWithRetry(js, SubjectCompleted, done, 3, 100*time.Millisecond))

	untracked, err := json.Marshal(model.ActivityCompleted{ActivityID: "untracked", CompletedAt: completedAt})
	require.NoError(t, err)
	require.NoError(t, testutil.PublishWithRetry(js, SubjectCompleted, untracked, 3, 100*time.Millisecond))

	require.Eventually(t, func() bool {
		tracked, completed := handler.snapshot()
		return len(tracked) == 1 && len(completed) == 1
	}, 5*time.Second, 50*time.Millisecond)

	tracked, completed := handler.snapshot()
	assert.Equal(t, []string{"act-1"}, tracked)
	assert.True(t, completedAt.Equal(completed["act-1"]))

	// everything was acknowledged or terminated
	require.Eventually(t, func() bool {
		info, err := js.ConsumerInfo(StreamName, ConsumerName(SubjectCreated))
		return err == nil && info.NumAckPending == 0 && info.NumPending == 0
	}, 5*time.Second, 50*time.Millisecond)
}
