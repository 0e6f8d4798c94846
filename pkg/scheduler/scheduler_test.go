package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/steward/pkg/models"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (f *fakeRunner) Run(_ context.Context, projectID string) (models.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[projectID]++
	return models.RunResult{ProjectID: projectID, ResultingState: models.PhaseStable}, f.err
}

func (f *fakeRunner) count(projectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[projectID]
}

func TestScheduleRunsProjects(t *testing.T) {
	r := &fakeRunner{}
	s, err := New(r, time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Schedule("p1", 20*time.Millisecond))
	require.NoError(t, s.Schedule("p2", 20*time.Millisecond))
	s.Start()
	t.Cleanup(func() { _ = s.Stop() })

	assert.Eventually(t, func() bool {
		return r.count("p1") >= 2 && r.count("p2") >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"p1", "p2"}, s.Projects())
}

func TestScheduleSurvivesRunErrors(t *testing.T) {
	r := &fakeRunner{err: errors.New("boom")}
	s, err := New(r, 0)
	require.NoError(t, err)
	require.NoError(t, s.Schedule("p1", 20*time.Millisecond))
	s.Start()
	t.Cleanup(func() { _ = s.Stop() })

	assert.Eventually(t, func() bool { return r.count("p1") >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestUnschedule(t *testing.T) {
	s, err := New(&fakeRunner{}, 0)
	require.NoError(t, err)

	require.NoError(t, s.Schedule("p1", time.Hour))
	require.NoError(t, s.Schedule("p1", 2*time.Hour))
	assert.Equal(t, []string{"p1"}, s.Projects())

	require.NoError(t, s.Unschedule("p1"))
	require.NoError(t, s.Unschedule("p1"))
	assert.Empty(t, s.Projects())
}

func TestScheduleValidation(t *testing.T) {
	s, err := New(&fakeRunner{}, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Schedule("", time.Minute), models.ErrValidation)
	assert.ErrorIs(t, s.Schedule("p1", 0), models.ErrValidation)
}
