package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	return r
}

func TestCourseCRUD(t *testing.T) {
	r := openRegistry(t)

	c := &Course{
		Key:       "demo",
		GitOrigin: "git@example.com:org/demo.git",
		GitBranch: "main",
	}
	require.NoError(t, r.SaveCourse(c))
	assert.NotEmpty(t, c.WebhookSecret, "secret is generated on save")

	got, err := r.GetCourse("demo")
	require.NoError(t, err)
	assert.Equal(t, c.GitOrigin, got.GitOrigin)
	assert.Equal(t, c.WebhookSecret, got.WebhookSecret)

	got.GitBranch = "v2"
	require.NoError(t, r.SaveCourse(got))
	again, err := r.GetCourse("demo")
	require.NoError(t, err)
	assert.Equal(t, "v2", again.GitBranch)

	courses, err := r.ListCourses()
	require.NoError(t, err)
	assert.Len(t, courses, 1)

	require.NoError(t, r.DeleteCourse("demo"))
	_, err = r.GetCourse("demo")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveCourseRequiresKey(t *testing.T) {
	r := openRegistry(t)
	assert.Error(t, r.SaveCourse(&Course{}))
}

func TestUpdateOrdering(t *testing.T) {
	r := openRegistry(t)
	require.NoError(t, r.SaveCourse(&Course{Key: "demo", GitOrigin: "o", GitBranch: "main"}))

	var ids []string
	for i := 0; i < 3; i++ {
		u, err := r.AddUpdate("demo", "10.0.0.1", UpdateOptions{})
		require.NoError(t, err)
		ids = append(ids, u.ID)
		time.Sleep(2 * time.Millisecond)
	}

	updates, err := r.Updates("demo")
	require.NoError(t, err)
	require.Len(t, updates, 3)
	// newest first
	assert.Equal(t, ids[2], updates[0].ID)
	assert.Equal(t, ids[0], updates[2].ID)

	pending, err := r.PendingUpdates("demo")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	// oldest first
	assert.Equal(t, ids[0], pending[0].ID)

	latest, err := r.LatestUpdate("demo")
	require.NoError(t, err)
	assert.Equal(t, ids[2], latest.ID)
}

func TestUpdateLifecycle(t *testing.T) {
	r := openRegistry(t)

	u, err := r.AddUpdate("demo", "", UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, u.Status)

	u.Status = StatusRunning
	require.NoError(t, r.SaveUpdate(u))
	u.Status = StatusSuccess
	u.Log = "build ok"
	require.NoError(t, r.SaveUpdate(u))

	updates, err := r.Updates("demo")
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, StatusSuccess, updates[0].Status)
	assert.Equal(t, "build ok", updates[0].Log)

	pending, err := r.PendingUpdates("demo")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHistoryPruning(t *testing.T) {
	r := openRegistry(t)

	for i := 0; i < historyKeep+5; i++ {
		_, err := r.AddUpdate("demo", "", UpdateOptions{})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	updates, err := r.Updates("demo")
	require.NoError(t, err)
	assert.Len(t, updates, historyKeep)
}

func TestDeleteCourseDropsHistory(t *testing.T) {
	r := openRegistry(t)
	require.NoError(t, r.SaveCourse(&Course{Key: "demo", GitOrigin: "o", GitBranch: "main"}))
	_, err := r.AddUpdate("demo", "", UpdateOptions{})
	require.NoError(t, err)

	require.NoError(t, r.DeleteCourse("demo"))
	updates, err := r.Updates("demo")
	require.NoError(t, err)
	assert.Empty(t, updates)
}
