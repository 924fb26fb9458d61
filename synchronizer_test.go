package phantom_probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func TestRunStepCompleted(t *testing.T) {
	logger := logging.NewTestLogger(t)
	c := newScriptedController()
	c.script["press"] = []ActionEventKind{ActionStarted, ActionProgress, ActionProgress, ActionEnd}

	outcome, err := RunStep(context.Background(), c, PoseWaypoint("press", Pose{Z: 0.1}, time.Second), logger)
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)
	assert.Equal(t, 0, c.hub.count())

	req := c.lastRequest()
	assert.Equal(t, ReachPose, req.Kind)
	assert.Equal(t, 0.1, req.Pose.Z)
	assert.NotEmpty(t, req.ID)
}

func TestRunStepAborted(t *testing.T) {
	logger := logging.NewTestLogger(t)
	c := newScriptedController()
	c.script["press"] = []ActionEventKind{ActionStarted, ActionAbort}

	outcome, err := RunStep(context.Background(), c, PoseWaypoint("press", Pose{}, time.Second), logger)
	assert.Equal(t, Aborted, outcome)
	assert.ErrorIs(t, err, ErrActionAbort)
	assert.Equal(t, 0, c.hub.count())
}

func TestRunStepFirstTerminalEventWins(t *testing.T) {
	logger := logging.NewTestLogger(t)
	c := newScriptedController()
	c.script["press"] = []ActionEventKind{ActionEnd, ActionAbort, ActionEnd}

	outcome, err := RunStep(context.Background(), c, PoseWaypoint("press", Pose{}, time.Second), logger)
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)
	c.wg.Wait()
}

func TestRunStepTimedOut(t *testing.T) {
	logger := logging.NewTestLogger(t)
	c := newScriptedController()
	c.script["press"] = []ActionEventKind{ActionStarted, ActionProgress}

	start := time.Now()
	outcome, err := RunStep(context.Background(), c, PoseWaypoint("press", Pose{}, 50*time.Millisecond), logger)
	assert.Equal(t, TimedOut, outcome)
	assert.ErrorIs(t, err, ErrStepTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, c.hub.count(), "listener must be removed after a timeout")
}

func TestRunStepNoOrphanedEvents(t *testing.T) {
	logger := logging.NewTestLogger(t)
	c := newScriptedController()
	c.script["first"] = []ActionEventKind{ActionStarted}

	outcome, _ := RunStep(context.Background(), c, PoseWaypoint("first", Pose{}, 30*time.Millisecond), logger)
	require.Equal(t, TimedOut, outcome)
	first := c.lastRequest()

	// The first motion finishes late, while the second step is waiting.
	c.onExecute = func(req ActionRequest) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.hub.publish(ActionEvent{Kind: ActionEnd, RequestID: first.ID, Action: first.Name})
		}()
	}
	outcome, err := RunStep(context.Background(), c, PoseWaypoint("second", Pose{}, 50*time.Millisecond), logger)
	assert.Equal(t, TimedOut, outcome, "late END of the first step must not complete the second")
	assert.ErrorIs(t, err, ErrStepTimeout)
	assert.Equal(t, 0, c.hub.count())
	c.wg.Wait()
}

func TestRunStepTransportError(t *testing.T) {
	logger := logging.NewTestLogger(t)
	c := newScriptedController()
	cause := errors.New("socket closed")
	c.executeErr = cause

	outcome, err := RunStep(context.Background(), c, PoseWaypoint("press", Pose{}, time.Second), logger)
	assert.Equal(t, Aborted, outcome)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "execute", te.Op)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, c.hub.count())
}

func TestRunStepContextCancelled(t *testing.T) {
	logger := logging.NewTestLogger(t)
	c := newScriptedController()
	c.script["press"] = []ActionEventKind{ActionStarted}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	outcome, err := RunStep(ctx, c, PoseWaypoint("press", Pose{}, 5*time.Second), logger)
	assert.Equal(t, Aborted, outcome)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunStepRelativeTarget(t *testing.T) {
	logger := logging.NewTestLogger(t)
	c := newScriptedController()
	c.pose = Pose{X: 0.4, Y: 0.05, Z: 0.2, ThetaX: 90, ThetaZ: 90}

	outcome, err := RunStep(context.Background(), c, RelativeWaypoint("nudge", Pose{Z: -0.002}, time.Second), logger)
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)

	req := c.lastRequest()
	assert.Equal(t, ReachPose, req.Kind)
	assert.InDelta(t, 0.198, req.Pose.Z, 1e-12)
	assert.Equal(t, 90.0, req.Pose.ThetaX)
}

func TestRunStepRelativeFeedbackFailure(t *testing.T) {
	logger := logging.NewTestLogger(t)
	c := newScriptedController()
	c.feedbackErr = errors.New("no feedback")

	outcome, err := RunStep(context.Background(), c, RelativeWaypoint("nudge", Pose{}, time.Second), logger)
	assert.Equal(t, Aborted, outcome)
	var te *TransportError
	assert.True(t, errors.As(err, &te))
	assert.Empty(t, c.names(), "nothing may be executed without feedback")
}

func TestRunStepJointTargets(t *testing.T) {
	logger := logging.NewTestLogger(t)
	c := newScriptedController()

	outcome, err := RunStep(context.Background(), c, JointWaypoint("straight up", make(JointTarget, 6), time.Second), logger)
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)
	assert.Equal(t, ReachJoints, c.lastRequest().Kind)

	outcome, err = RunStep(context.Background(), c, JointWaypoint("short", JointTarget{0, 0}, time.Second), logger)
	assert.Equal(t, Aborted, outcome)
	assert.ErrorIs(t, err, ErrJointCount)
	assert.Equal(t, []string{"straight up"}, c.names())
}

func TestRunStepNamedAction(t *testing.T) {
	logger := logging.NewTestLogger(t)
	c := newScriptedController()

	outcome, err := RunStep(context.Background(), c, ActionWaypoint("home", "home", time.Second), logger)
	require.NoError(t, err)
	assert.Equal(t, Completed, outcome)
	req := c.lastRequest()
	assert.Equal(t, NamedAction, req.Kind)
	assert.Equal(t, "home", req.Action)
}

func TestCompletionSignalSingleShot(t *testing.T) {
	t.Run("fire then expire", func(t *testing.T) {
		s := newCompletionSignal()
		assert.True(t, s.fire(ActionEnd))
		assert.False(t, s.fire(ActionAbort))
		assert.False(t, s.expire())
		assert.True(t, s.resolved())
		assert.Equal(t, ActionEnd, <-s.kind)
	})

	t.Run("expire then fire", func(t *testing.T) {
		s := newCompletionSignal()
		assert.True(t, s.expire())
		assert.False(t, s.fire(ActionEnd))
		assert.Len(t, s.kind, 0)
	})
}
