package phantom_probe

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/utils"
)

// ArmControllerConfig names stored joint-space actions, in degrees.
type ArmControllerConfig struct {
	// Home defaults to all zeros, which is the arm pointing straight up.
	Home    []float64            `json:"home,omitempty"`
	Actions map[string][]float64 `json:"actions,omitempty"`
}

// ArmController drives an rdk arm. The arm's blocking motion calls run on a
// background operation and report their end through action events.
type ArmController struct {
	arm    arm.Arm
	logger logging.Logger
	hub    eventHub
	opMgr  *operation.SingleOperationManager

	mu        sync.Mutex
	actions   map[string]JointTarget
	actuators int

	cancelCtx  context.Context
	cancelFunc func()
	workers    sync.WaitGroup
}

func NewArmController(ctx context.Context, a arm.Arm, cfg ArmControllerConfig, logger logging.Logger) (*ArmController, error) {
	inputs, err := a.JointPositions(ctx, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read joint positions of %s", a.Name())
	}
	n := len(inputs)

	actions := make(map[string]JointTarget, len(cfg.Actions)+1)
	for name, joints := range cfg.Actions {
		if err := JointTarget(joints).Validate(n); err != nil {
			return nil, fmt.Errorf("action %q: %w", name, err)
		}
		actions[name] = JointTarget(joints)
	}
	home := JointTarget(cfg.Home)
	if len(home) == 0 {
		home = make(JointTarget, n)
	}
	if err := home.Validate(n); err != nil {
		return nil, fmt.Errorf("home action: %w", err)
	}
	if _, ok := actions["home"]; !ok {
		actions["home"] = home
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	c := &ArmController{
		arm:        a,
		logger:     logger,
		opMgr:      operation.NewSingleOperationManager(),
		actions:    actions,
		actuators:  n,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	logger.Infof("arm controller ready for %s with %d joints and %d stored actions", a.Name(), n, len(actions))
	return c, nil
}

func (c *ArmController) SubscribeActionEvents(callback func(ActionEvent)) (SubscriptionHandle, error) {
	if err := c.cancelCtx.Err(); err != nil {
		return 0, &TransportError{Op: "subscribe", Err: err}
	}
	return c.hub.subscribe(callback)
}

func (c *ArmController) Unsubscribe(handle SubscriptionHandle) {
	c.hub.unsubscribe(handle)
}

func (c *ArmController) ActuatorCount(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actuators, nil
}

func (c *ArmController) RefreshFeedback(ctx context.Context) (Pose, error) {
	pose, err := c.arm.EndPosition(ctx, nil)
	if err != nil {
		return Pose{}, &TransportError{Op: "refresh_feedback", Err: err}
	}
	return PoseFromSpatial(pose), nil
}

// ExecuteAction starts the motion and returns. A new action preempts one that
// is still running, which then reports ACTION_ABORT.
func (c *ArmController) ExecuteAction(ctx context.Context, req ActionRequest) error {
	if err := c.cancelCtx.Err(); err != nil {
		return &TransportError{Op: "execute", Err: err}
	}

	var move func(context.Context) error
	switch req.Kind {
	case ReachPose:
		target := req.Pose.SpatialPose()
		move = func(ctx context.Context) error {
			return c.arm.MoveToPosition(ctx, target, nil)
		}
	case ReachJoints, NamedAction:
		joints := req.Joints
		if req.Kind == NamedAction {
			c.mu.Lock()
			stored, ok := c.actions[req.Action]
			c.mu.Unlock()
			if !ok {
				return &TransportError{Op: "execute", Err: fmt.Errorf("no stored action named %q", req.Action)}
			}
			joints = stored
		}
		inputs := joints.Radians()
		move = func(ctx context.Context) error {
			return c.arm.MoveToJointPositions(ctx, inputs, nil)
		}
	default:
		return &TransportError{Op: "execute", Err: fmt.Errorf("unsupported action kind %s", req.Kind)}
	}

	opCtx, done := c.opMgr.New(c.cancelCtx)
	c.workers.Add(1)
	utils.PanicCapturingGo(func() {
		defer c.workers.Done()
		defer done()

		c.hub.publish(ActionEvent{Kind: ActionStarted, RequestID: req.ID, Action: req.Name})
		if err := move(opCtx); err != nil {
			c.logger.Debugf("%s %q failed: %v", req.Kind, req.Name, err)
			c.hub.publish(ActionEvent{Kind: ActionAbort, RequestID: req.ID, Action: req.Name, Detail: err.Error()})
			return
		}
		c.hub.publish(ActionEvent{Kind: ActionEnd, RequestID: req.ID, Action: req.Name})
	})
	return nil
}

// Stop cancels the running motion and stops the arm.
func (c *ArmController) Stop(ctx context.Context) error {
	c.opMgr.CancelRunning(ctx)
	return c.arm.Stop(ctx, nil)
}

// Close stops listening for new actions and waits for the running one to end.
// The arm itself belongs to the caller.
func (c *ArmController) Close(ctx context.Context) error {
	c.cancelFunc()
	c.workers.Wait()
	return nil
}

var (
	_ Controller = (*ArmController)(nil)
	_ Stopper    = (*ArmController)(nil)
)
