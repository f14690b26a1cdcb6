package taskmanager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestManager returns a manager with a controllable clock
func newTestManager() (*Manager, *time.Time) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := New()
	m.now = func() time.Time { return now }
	return m, &now
}

func assertState(t *testing.T, m *Manager, id types.ApplicationID, want types.TaskState) {
	t.Helper()
	task, ok := m.Get(id)
	require.True(t, ok, "task %d not found", id)
	assert.Equal(t, want, task.State)
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestRegister(t *testing.T) {
	m, _ := newTestManager()

	task, err := m.Register(1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.State)
	assert.Zero(t, task.AttemptCount)

	_, err = m.Register(1)
	assert.ErrorIs(t, err, ErrTaskActive)
}

func TestRegister_ReplacesFinishedTask(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Register(1)
	require.NoError(t, err)
	_, err = m.MarkInProgress(1)
	require.NoError(t, err)
	require.NoError(t, m.MarkCompleted(1))

	task, err := m.Register(1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.State)
	assert.Zero(t, task.AttemptCount)
}

func TestLifecycle_RetryThenComplete(t *testing.T) {
	m, now := newTestManager()
	boom := errors.New("boom")

	_, err := m.Register(7)
	require.NoError(t, err)

	task, err := m.MarkInProgress(7)
	require.NoError(t, err)
	assert.Equal(t, 1, task.AttemptCount)

	retryAt := now.Add(time.Minute)
	require.NoError(t, m.MarkFailed(7, boom, retryAt))
	assertState(t, m, 7, types.TaskFailed)

	task, _ = m.Get(7)
	assert.Equal(t, "boom", task.LastError)
	require.NotNil(t, task.NextRetryAt)
	assert.Equal(t, retryAt, *task.NextRetryAt)

	// not due yet
	assert.Empty(t, m.DueRetries(*now))
	assert.Equal(t, []types.ApplicationID{7}, m.DueRetries(retryAt))

	require.NoError(t, m.Requeue(7))
	assertState(t, m, 7, types.TaskPending)

	task, err = m.MarkInProgress(7)
	require.NoError(t, err)
	assert.Equal(t, 2, task.AttemptCount)
	assert.Nil(t, task.NextRetryAt)

	require.NoError(t, m.MarkCompleted(7))
	task, _ = m.Get(7)
	assert.Equal(t, types.TaskCompleted, task.State)
	assert.Empty(t, task.LastError)
}

func TestInvalidTransitions(t *testing.T) {
	m, now := newTestManager()

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"in progress unknown", func() error { _, err := m.MarkInProgress(99); return err }, ErrTaskNotFound},
		{"complete unknown", func() error { return m.MarkCompleted(99) }, ErrTaskNotFound},
		{"complete pending", func() error { return m.MarkCompleted(1) }, ErrNotInProgress},
		{"fail pending", func() error { return m.MarkFailed(1, nil, *now) }, ErrNotInProgress},
		{"terminal pending", func() error { return m.MarkTerminal(1, nil) }, ErrNotInProgress},
		{"requeue pending", func() error { return m.Requeue(1) }, ErrNotFailed},
		{"requeue unknown", func() error { return m.Requeue(99) }, ErrTaskNotFound},
	}

	_, err := m.Register(1)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tt.want)
		})
	}

	_, err = m.MarkInProgress(1)
	require.NoError(t, err)
	_, err = m.MarkInProgress(1)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestMarkTerminal(t *testing.T) {
	m, now := newTestManager()

	_, err := m.Register(1)
	require.NoError(t, err)
	_, err = m.MarkInProgress(1)
	require.NoError(t, err)
	require.NoError(t, m.MarkTerminal(1, errors.New("input too large")))
	assertState(t, m, 1, types.TaskFailedTerminal)

	// a waiting retry can also be abandoned
	_, err = m.Register(2)
	require.NoError(t, err)
	_, err = m.MarkInProgress(2)
	require.NoError(t, err)
	require.NoError(t, m.MarkFailed(2, errors.New("db down"), now.Add(time.Minute)))
	require.NoError(t, m.MarkTerminal(2, errors.New("shutting down")))
	task, _ := m.Get(2)
	assert.Equal(t, types.TaskFailedTerminal, task.State)
	assert.Nil(t, task.NextRetryAt)
}

func TestDueRetriesOrder(t *testing.T) {
	m, now := newTestManager()

	for i, delay := range []time.Duration{3 * time.Second, time.Second, 2 * time.Second} {
		id := types.ApplicationID(i + 1)
		_, err := m.Register(id)
		require.NoError(t, err)
		_, err = m.MarkInProgress(id)
		require.NoError(t, err)
		require.NoError(t, m.MarkFailed(id, errors.New("x"), now.Add(delay)))
	}

	assert.Equal(t, []types.ApplicationID{2, 3, 1}, m.DueRetries(now.Add(time.Minute)))
	assert.Equal(t, []types.ApplicationID{2}, m.DueRetries(now.Add(time.Second)))
}

func TestStats(t *testing.T) {
	m, now := newTestManager()

	for id := types.ApplicationID(1); id <= 5; id++ {
		_, err := m.Register(id)
		require.NoError(t, err)
	}
	for id := types.ApplicationID(2); id <= 5; id++ {
		_, err := m.MarkInProgress(id)
		require.NoError(t, err)
	}
	require.NoError(t, m.MarkCompleted(3))
	require.NoError(t, m.MarkFailed(4, errors.New("x"), *now))
	require.NoError(t, m.MarkTerminal(5, errors.New("x")))

	s := m.Stats()
	assert.Equal(t, Stats{Pending: 1, InProgress: 1, Completed: 1, Failed: 1, FailedTerminal: 1}, s)
	assert.Equal(t, 5, s.Total())
}

func TestPrune(t *testing.T) {
	m, now := newTestManager()

	_, err := m.Register(1)
	require.NoError(t, err)
	_, err = m.MarkInProgress(1)
	require.NoError(t, err)
	require.NoError(t, m.MarkCompleted(1))

	_, err = m.Register(2)
	require.NoError(t, err)

	assert.Zero(t, m.Prune(*now))
	assert.Equal(t, 1, m.Prune(now.Add(time.Second)))

	_, ok := m.Get(1)
	assert.False(t, ok)
	assertState(t, m, 2, types.TaskPending)
}

func TestSnapshotRestore(t *testing.T) {
	m, now := newTestManager()

	for id := types.ApplicationID(1); id <= 4; id++ {
		_, err := m.Register(id)
		require.NoError(t, err)
	}
	for _, id := range []types.ApplicationID{2, 3, 4} {
		_, err := m.MarkInProgress(id)
		require.NoError(t, err)
	}
	require.NoError(t, m.MarkCompleted(3))
	require.NoError(t, m.MarkFailed(4, errors.New("x"), now.Add(time.Minute)))

	snap := m.Snapshot()
	assert.Equal(t, SchemaVersion, snap.SchemaVer)
	require.Len(t, snap.Tasks, 4)

	// snapshot is a deep copy
	snap.Tasks[1].State = types.TaskCompleted
	assertState(t, m, 1, types.TaskPending)
	snap.Tasks[1].State = types.TaskPending

	restored, _ := newTestManager()
	pending := restored.Restore(snap)
	assert.Equal(t, []types.ApplicationID{1, 2}, pending)

	assertState(t, restored, 1, types.TaskPending)
	assertState(t, restored, 2, types.TaskPending)
	assertState(t, restored, 3, types.TaskCompleted)
	assertState(t, restored, 4, types.TaskFailed)

	task, _ := restored.Get(2)
	assert.Equal(t, 1, task.AttemptCount)
	assert.Equal(t, []types.ApplicationID{4}, restored.DueRetries(now.Add(time.Hour)))
}

func TestConcurrentRegister(t *testing.T) {
	m := New()

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Register(42); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, m.Stats().Pending)
}
