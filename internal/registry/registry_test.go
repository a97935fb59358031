package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubefetch/internal/domain"
)

func newTask(t *testing.T, r *Registry, accountID int64) domain.Task {
	t.Helper()
	task, err := r.Create(context.Background(), accountID, domain.Request{URL: "https://example.com/watch?v=1"}, 5)
	require.NoError(t, err)
	return task
}

func pct(v int) *int { return &v }

func TestCreate(t *testing.T) {
	r := New()
	task := newTask(t, r, 7)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, int64(7), task.AccountID)
	assert.Equal(t, int64(5), task.Cost)
	assert.Equal(t, domain.DefaultQuality, task.Request.Options.Quality)
	assert.Nil(t, task.Progress)

	_, err := r.Create(context.Background(), 7, domain.Request{URL: "notaurl"}, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestTransitionLifecycle(t *testing.T) {
	ctx := context.Background()
	r := New()
	task := newTask(t, r, 1)

	_, err := r.Transition(ctx, task.ID, Update{Status: domain.TaskStatusCompleted, Result: &domain.Result{}})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = r.Transition(ctx, task.ID, Update{Status: domain.TaskStatusDownloading})
	require.NoError(t, err)

	_, err = r.UpdateProgress(ctx, task.ID, domain.Progress{Percentage: pct(40), DownloadedBytes: 40, TotalBytes: 100})
	require.NoError(t, err)

	got, err := r.Transition(ctx, task.ID, Update{Status: domain.TaskStatusProcessing})
	require.NoError(t, err)
	assert.Nil(t, got.Progress, "progress must be cleared when leaving downloading")

	_, err = r.Transition(ctx, task.ID, Update{Status: domain.TaskStatusCompleted})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "completion needs a result")

	got, err = r.Transition(ctx, task.ID, Update{Status: domain.TaskStatusCompleted, Result: &domain.Result{FileName: "a.mp4", FileSize: 10}})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "a.mp4", got.Result.FileName)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.Error)

	_, err = r.Transition(ctx, task.ID, Update{Status: domain.TaskStatusFailed, Error: &domain.TaskError{Code: domain.CodeDownloadFailed}})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "terminal states are final")
}

func TestTransitionFailureRequiresError(t *testing.T) {
	ctx := context.Background()
	r := New()
	task := newTask(t, r, 1)

	_, err := r.Transition(ctx, task.ID, Update{Status: domain.TaskStatusFailed})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := r.Transition(ctx, task.ID, Update{
		Status: domain.TaskStatusFailed,
		Error:  &domain.TaskError{Code: domain.CodeInsufficientCredits, Message: "5 credits required"},
	})
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.CodeInsufficientCredits, got.Error.Code)
	assert.NotNil(t, got.FailedAt)
	assert.Nil(t, got.Result)
}

func TestUpdateProgress(t *testing.T) {
	ctx := context.Background()
	r := New()
	task := newTask(t, r, 1)

	_, err := r.UpdateProgress(ctx, task.ID, domain.Progress{Percentage: pct(10)})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "no progress while pending")

	_, err = r.Transition(ctx, task.ID, Update{Status: domain.TaskStatusDownloading})
	require.NoError(t, err)

	got, err := r.UpdateProgress(ctx, task.ID, domain.Progress{Percentage: pct(60), DownloadedBytes: 60, TotalBytes: 100})
	require.NoError(t, err)
	assert.Equal(t, 60, *got.Progress.Percentage)

	got, err = r.UpdateProgress(ctx, task.ID, domain.Progress{Percentage: pct(30), DownloadedBytes: 30, TotalBytes: 100})
	require.NoError(t, err)
	assert.Equal(t, 60, *got.Progress.Percentage, "percentage does not regress for the same total")

	got, err = r.UpdateProgress(ctx, task.ID, domain.Progress{Percentage: pct(5), DownloadedBytes: 10, TotalBytes: 200})
	require.NoError(t, err)
	assert.Equal(t, 5, *got.Progress.Percentage, "a new total resets the floor")
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	var (
		mu      sync.Mutex
		deleted []string
	)
	r := New(OnDelete(func(id string) {
		mu.Lock()
		deleted = append(deleted, id)
		mu.Unlock()
	}))
	task := newTask(t, r, 1)

	snapshot, ok := r.Delete(ctx, task.ID)
	require.True(t, ok)
	assert.Equal(t, task.ID, snapshot.ID)

	_, ok = r.Delete(ctx, task.ID)
	assert.False(t, ok, "delete is idempotent")

	_, err := r.Get(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = r.Transition(ctx, task.ID, Update{Status: domain.TaskStatusDownloading})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{task.ID}, deleted)
}

func TestListNewestFirstPerAccount(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r := New(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	first := newTask(t, r, 1)
	second := newTask(t, r, 1)
	newTask(t, r, 2)

	tasks := r.List(ctx, 1)
	require.Len(t, tasks, 2)
	assert.Equal(t, second.ID, tasks[0].ID)
	assert.Equal(t, first.ID, tasks[1].ID)
}

func TestGetReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	r := New()
	task := newTask(t, r, 1)
	_, err := r.Transition(ctx, task.ID, Update{Status: domain.TaskStatusDownloading})
	require.NoError(t, err)
	_, err = r.UpdateProgress(ctx, task.ID, domain.Progress{Percentage: pct(20), TotalBytes: 100})
	require.NoError(t, err)

	got, err := r.Get(ctx, task.ID)
	require.NoError(t, err)
	*got.Progress.Percentage = 99

	again, err := r.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, *again.Progress.Percentage)
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	r := New()
	task := newTask(t, r, 1)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Transition(ctx, task.ID, Update{Status: domain.TaskStatusDownloading}); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)
}
