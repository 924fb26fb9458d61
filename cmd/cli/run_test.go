package main

import (
	"errors"
	"testing"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"

	probe "phantom_probe"
)

func TestReportExitCode(t *testing.T) {
	hover := probe.PoseWaypoint("soft hover", probe.Pose{Z: 0.25}, time.Second)
	depth := probe.PoseWaypoint("soft depth 0", probe.Pose{Z: 0.1}, time.Second)
	done := probe.StepResult{Waypoint: hover, Outcome: probe.Completed, Attempts: 1}

	tests := []struct {
		name   string
		result probe.SequenceResult
		code   int
	}{
		{
			name:   "every waypoint completed",
			result: probe.SequenceResult{RunID: "a", Steps: []probe.StepResult{done}, Success: true, State: probe.StateCompleted, Planned: 1},
			code:   0,
		},
		{
			name:   "empty queue",
			result: probe.SequenceResult{RunID: "b", Success: true, State: probe.StateCompleted},
			code:   0,
		},
		{
			name:   "rejected before motion",
			result: probe.SequenceResult{RunID: "c", State: probe.StateHalted, Err: errors.New("joint target has 3 joints, arm has 6"), Planned: 2},
			code:   1,
		},
		{
			name: "halted on timeout",
			result: probe.SequenceResult{
				RunID: "d",
				Steps: []probe.StepResult{done, {Waypoint: depth, Outcome: probe.TimedOut, Err: probe.ErrStepTimeout, Attempts: 1}},
				State: probe.StateHalted, Planned: 4,
			},
			code: 1,
		},
		{
			name: "continued past an abort",
			result: probe.SequenceResult{
				RunID: "e",
				Steps: []probe.StepResult{{Waypoint: depth, Outcome: probe.Aborted, Err: probe.ErrActionAbort, Attempts: 1}, done},
				State: probe.StateCompleted, Planned: 2,
			},
			code: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := report(tt.result)
			if tt.code == 0 {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errSequenceFailed)
			}
			assert.Equal(t, tt.code, exitCode(err))
		})
	}
}

func TestExitCodeForCommandErrors(t *testing.T) {
	assert.Equal(t, 0, exitCode(&flags.Error{Type: flags.ErrHelp, Message: "usage"}))
	assert.Equal(t, 1, exitCode(&flags.Error{Type: flags.ErrUnknownCommand, Message: "unknown command"}))
	assert.Equal(t, 1, exitCode(errors.New("open /dev/ttyUSB0: permission denied")))
}
