package phantom_probe

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult(id string, started time.Time, success bool) SequenceResult {
	steps := []StepResult{
		{Waypoint: PoseWaypoint("soft hover", Pose{}, time.Second), Outcome: Completed, Attempts: 1, Elapsed: 1200 * time.Millisecond},
	}
	state := StateCompleted
	if !success {
		steps = append(steps, StepResult{
			Waypoint: PoseWaypoint("soft depth 0", Pose{}, time.Second),
			Outcome:  TimedOut,
			Err:      ErrStepTimeout,
			Attempts: 2,
			Elapsed:  2 * time.Second,
		})
		state = StateHalted
	}
	return SequenceResult{
		RunID:      id,
		Steps:      steps,
		Success:    success,
		State:      state,
		Planned:    4,
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
	}
}

func TestRunStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenRunStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, sampleResult("run-1", base, true)))
	require.NoError(t, store.Record(ctx, sampleResult("run-2", base.Add(time.Hour), false)))

	runs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	latest := runs[0]
	assert.Equal(t, "run-2", latest.ID)
	assert.False(t, latest.Success)
	assert.Equal(t, "halted", latest.State)
	assert.Equal(t, 4, latest.Planned)
	assert.Equal(t, 2, latest.Attempted)
	assert.True(t, latest.StartedAt.Equal(base.Add(time.Hour)))
	assert.Equal(t, 3*time.Second, latest.FinishedAt.Sub(latest.StartedAt))
	assert.True(t, runs[1].Success)

	steps, err := store.Steps(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "soft depth 0", steps[1].Waypoint)
	assert.Equal(t, "timed_out", steps[1].Outcome)
	assert.Equal(t, 2, steps[1].Attempts)
	assert.Equal(t, 2*time.Second, steps[1].Elapsed)
	assert.Equal(t, ErrStepTimeout.Error(), steps[1].Error)
	assert.Empty(t, steps[0].Error)

	limited, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRunStoreRejectsDuplicateRun(t *testing.T) {
	ctx := context.Background()
	store, err := OpenRunStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	result := sampleResult("run-1", time.Now(), true)
	require.NoError(t, store.Record(ctx, result))
	assert.Error(t, store.Record(ctx, result))

	steps, err := store.Steps(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, steps, 1, "failed record must not leave partial steps")
}

func TestRunStoreRecordsRejectedRun(t *testing.T) {
	ctx := context.Background()
	store, err := OpenRunStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	result := SequenceResult{RunID: "rejected", State: StateHalted, Err: errors.New("bad joint target"), StartedAt: time.Now(), FinishedAt: time.Now()}
	require.NoError(t, store.Record(ctx, result))

	runs, err := store.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "bad joint target", runs[0].Error)
	assert.Equal(t, 0, runs[0].Attempted)
}
