package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/sla-tracker/internal/model"
)

const sample = `
organizations:
  - id: org-1
    business_hours:
      start: "08:30"
      end: "17:30"
      timezone: Europe/Berlin
      holidays: ["2025-12-25", "2025-12-26"]
      workdays: [1, 2, 3, 4]
  - id: org-2
users:
  - id: u-1
    email: Alice@Example.com
    manager_id: u-2
  - id: u-2
    email: boss@example.com
pods:
  - id: pod-1
    manager_id: u-2
`

func TestFileDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	dir, err := NewFileDirectory(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	ctx := context.Background()

	hours, err := dir.BusinessHours(ctx, "org-1")
	require.NoError(t, err)
	require.NotNil(t, hours)
	assert.Equal(t, "08:30", hours.Start)
	assert.Equal(t, "Europe/Berlin", hours.Timezone)
	assert.Equal(t, []string{"2025-12-25", "2025-12-26"}, hours.Holidays)
	assert.Equal(t, []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday}, hours.Workdays)

	hours, err = dir.BusinessHours(ctx, "org-2")
	require.NoError(t, err)
	assert.Nil(t, hours)

	user, err := dir.User(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "u-2", user.ManagerID)

	pod, err := dir.Pod(ctx, "pod-1")
	require.NoError(t, err)
	assert.Equal(t, "u-2", pod.ManagerID)

	_, err = dir.User(ctx, "ghost")
	assert.True(t, model.IsNotFound(err))
}

func TestFileDirectoryErrors(t *testing.T) {
	_, err := NewFileDirectory(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("organizations:\n  - business_hours: {}\n"), 0o600))
	_, err = NewFileDirectory(zaptest.NewLogger(t), path)
	require.Error(t, err)

	empty, err := NewFileDirectory(zaptest.NewLogger(t), "")
	require.NoError(t, err)
	hours, err := empty.BusinessHours(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Nil(t, hours)
}
