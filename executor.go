package phantom_probe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// SequenceState tracks one run: Idle -> Running -> {Completed, Halted}.
type SequenceState int32

const (
	StateIdle SequenceState = iota
	StateRunning
	StateCompleted
	StateHalted
)

func (s SequenceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Policy decides what the sequencer does when a step does not complete.
type Policy struct {
	HaltOnFailure bool
	// MaxAttempts is the number of tries per waypoint. Values below 1 mean 1.
	MaxAttempts int
}

// StepResult pairs a waypoint with its outcome.
type StepResult struct {
	Waypoint Waypoint
	Outcome  StepOutcome
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// SequenceResult holds the attempted waypoints in order.
type SequenceResult struct {
	RunID      string
	Steps      []StepResult
	Success    bool
	State      SequenceState
	Err        error // set when the queue was rejected before any motion
	Planned    int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed returns the first step that did not complete, if any.
func (r SequenceResult) Failed() (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Outcome != Completed {
			return s, true
		}
	}
	return StepResult{}, false
}

// Sequencer drives a waypoint queue through RunStep, one motion at a time.
type Sequencer struct {
	controller Controller
	logger     logging.Logger

	// OnStep, when set, is called after every step.
	OnStep func(StepResult)

	runLock sync.Mutex
	state   atomic.Int32
}

func NewSequencer(c Controller, logger logging.Logger) *Sequencer {
	return &Sequencer{controller: c, logger: logger}
}

// State reports the state of the current or most recent run.
func (s *Sequencer) State() SequenceState {
	return SequenceState(s.state.Load())
}

// ValidateQueue rejects queues that must not start: empty names, non-finite
// poses, or joint targets that don't fit the controller.
func ValidateQueue(ctx context.Context, c Controller, queue []Waypoint) error {
	actuators := -1
	for i, wp := range queue {
		if wp.Name == "" {
			return errors.Wrapf(ErrInvalidQueue, "waypoint %d has no name", i)
		}
		switch wp.Kind {
		case TargetPose:
			if !wp.Pose.Finite() {
				return errors.Wrapf(ErrInvalidQueue, "%q: pose is not finite", wp.Name)
			}
		case TargetCurrent:
			if !wp.Delta.Finite() {
				return errors.Wrapf(ErrInvalidQueue, "%q: delta is not finite", wp.Name)
			}
		case TargetJoints:
			if actuators < 0 {
				n, err := c.ActuatorCount(ctx)
				if err != nil {
					return asTransportError("actuator_count", err)
				}
				actuators = n
			}
			if err := wp.Joints.Validate(actuators); err != nil {
				return errors.Wrapf(err, "%q", wp.Name)
			}
		case TargetAction:
			if wp.Action == "" {
				return errors.Wrapf(ErrInvalidQueue, "%q: empty action name", wp.Name)
			}
		default:
			return errors.Wrapf(ErrInvalidQueue, "%q: unknown target kind %d", wp.Name, wp.Kind)
		}
		if wp.Timeout < 0 {
			return errors.Wrapf(ErrInvalidQueue, "%q: negative timeout", wp.Name)
		}
	}
	return nil
}

// Run executes the queue in order. With HaltOnFailure the first step that is
// not Completed ends the run and the rest never appear in the result.
func (s *Sequencer) Run(ctx context.Context, queue []Waypoint, policy Policy) SequenceResult {
	s.runLock.Lock()
	defer s.runLock.Unlock()

	result := SequenceResult{
		RunID:     uuid.NewString(),
		Planned:   len(queue),
		StartedAt: time.Now(),
		Steps:     make([]StepResult, 0, len(queue)),
	}
	s.state.Store(int32(StateRunning))

	finish := func(state SequenceState) SequenceResult {
		result.State = state
		result.FinishedAt = time.Now()
		result.Success = state == StateCompleted && result.Err == nil &&
			len(result.Steps) == len(queue)
		for _, step := range result.Steps {
			if step.Outcome != Completed {
				result.Success = false
			}
		}
		s.state.Store(int32(state))
		return result
	}

	if err := ValidateQueue(ctx, s.controller, queue); err != nil {
		s.logger.Errorf("run %s rejected before any motion: %v", result.RunID, err)
		result.Err = err
		return finish(StateHalted)
	}

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	s.logger.Infof("run %s: %d waypoints (halt on failure: %v)", result.RunID, len(queue), policy.HaltOnFailure)

	for i, wp := range queue {
		s.logger.Infof("[%d/%d] %s", i+1, len(queue), wp)

		step := StepResult{Waypoint: wp}
		start := time.Now()
		for step.Attempts < attempts {
			step.Attempts++
			step.Outcome, step.Err = RunStep(ctx, s.controller, wp, s.logger)
			if step.Outcome == Completed || ctx.Err() != nil {
				break
			}
			if step.Attempts < attempts {
				s.logger.Warnf("waypoint %q %s (%v), retrying", wp.Name, step.Outcome, step.Err)
			}
		}
		step.Elapsed = time.Since(start)
		result.Steps = append(result.Steps, step)

		if step.Outcome == Completed {
			s.logger.Infof("waypoint %q completed in %v", wp.Name, step.Elapsed.Round(time.Millisecond))
		} else {
			s.logger.Warnf("waypoint %q %s: %v", wp.Name, step.Outcome, step.Err)
		}
		if s.OnStep != nil {
			s.OnStep(step)
		}

		if step.Outcome != Completed && (policy.HaltOnFailure || ctx.Err() != nil) {
			s.logger.Warnf("run %s halted at waypoint %d of %d", result.RunID, i+1, len(queue))
			return finish(StateHalted)
		}
	}

	return finish(StateCompleted)
}
