package phantom_probe

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// StepOutcome is the result of one waypoint. It never changes once produced.
type StepOutcome int

const (
	Completed StepOutcome = iota
	Aborted
	TimedOut
)

func (o StepOutcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

var (
	ErrStepTimeout  = errors.New("no terminal action event before timeout")
	ErrActionAbort  = errors.New("controller aborted the action")
	ErrInvalidQueue = errors.New("invalid waypoint")
)

const (
	signalPending int32 = iota
	signalFired
	signalExpired
)

// completionSignal is a single-shot latch. The first terminal event or the
// timeout claims it; everything after that is ignored.
type completionSignal struct {
	state atomic.Int32
	kind  chan ActionEventKind
}

func newCompletionSignal() *completionSignal {
	return &completionSignal{kind: make(chan ActionEventKind, 1)}
}

func (s *completionSignal) fire(kind ActionEventKind) bool {
	if !s.state.CompareAndSwap(signalPending, signalFired) {
		return false
	}
	s.kind <- kind
	return true
}

func (s *completionSignal) expire() bool {
	return s.state.CompareAndSwap(signalPending, signalExpired)
}

func (s *completionSignal) resolved() bool {
	return s.state.Load() != signalPending
}

// RunStep issues one waypoint and waits for its terminal event. The listener
// is registered before the command goes out and removed before returning.
// A non-nil error explains any outcome other than Completed.
func RunStep(ctx context.Context, c Controller, wp Waypoint, logger logging.Logger) (StepOutcome, error) {
	req, err := actionRequest(ctx, c, wp)
	if err != nil {
		return Aborted, err
	}

	timeout := wp.Timeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	signal := newCompletionSignal()
	handle, err := c.SubscribeActionEvents(func(ev ActionEvent) {
		if signal.resolved() {
			logger.Debugf("ignoring late event %s for %q", ev.Kind, wp.Name)
			return
		}
		if ev.RequestID != "" && ev.RequestID != req.ID {
			logger.Debugf("ignoring %s from earlier action %q", ev.Kind, ev.Action)
			return
		}
		logger.Infof("EVENT : %s", ev.Kind)
		if ev.Kind.Terminal() {
			signal.fire(ev.Kind)
		}
	})
	if err != nil {
		return Aborted, asTransportError("subscribe", err)
	}
	defer c.Unsubscribe(handle)

	if err := c.ExecuteAction(ctx, req); err != nil {
		signal.expire()
		return Aborted, asTransportError("execute", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case kind := <-signal.kind:
		return outcomeFor(kind)
	case <-timer.C:
		if signal.expire() {
			logger.Warnf("waypoint %q: no terminal event within %v", wp.Name, timeout)
			return TimedOut, errors.Wrapf(ErrStepTimeout, "waited %v", timeout)
		}
	case <-ctx.Done():
		if signal.expire() {
			return Aborted, ctx.Err()
		}
	}

	// The listener won the race; its event decides the outcome.
	return outcomeFor(<-signal.kind)
}

func outcomeFor(kind ActionEventKind) (StepOutcome, error) {
	if kind == ActionEnd {
		return Completed, nil
	}
	return Aborted, ErrActionAbort
}

func asTransportError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{Op: op, Err: err}
}

// actionRequest translates a waypoint into the controller's representation.
// Current-pose targets are resolved against fresh feedback here.
func actionRequest(ctx context.Context, c Controller, wp Waypoint) (ActionRequest, error) {
	req := ActionRequest{ID: uuid.NewString(), Name: wp.Name}
	switch wp.Kind {
	case TargetPose:
		if !wp.Pose.Finite() {
			return req, errors.Wrapf(ErrInvalidQueue, "%q: pose is not finite", wp.Name)
		}
		req.Kind = ReachPose
		req.Pose = wp.Pose
	case TargetCurrent:
		p, err := ResolveRelativePose(ctx, c, wp.Delta)
		if err != nil {
			if errors.Is(err, ErrInvalidGeometry) {
				return req, err
			}
			return req, asTransportError("refresh_feedback", err)
		}
		req.Kind = ReachPose
		req.Pose = p
	case TargetJoints:
		n, err := c.ActuatorCount(ctx)
		if err != nil {
			return req, asTransportError("actuator_count", err)
		}
		if err := wp.Joints.Validate(n); err != nil {
			return req, errors.Wrapf(err, "%q", wp.Name)
		}
		req.Kind = ReachJoints
		req.Joints = wp.Joints
	case TargetAction:
		if wp.Action == "" {
			return req, errors.Wrapf(ErrInvalidQueue, "%q: empty action name", wp.Name)
		}
		req.Kind = NamedAction
		req.Action = wp.Action
	default:
		return req, errors.Wrapf(ErrInvalidQueue, "%q: unknown target kind %d", wp.Name, wp.Kind)
	}
	return req, nil
}
