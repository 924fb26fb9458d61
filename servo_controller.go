package phantom_probe

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

var errPoseUnsupported = errors.New("servo bus controller has no kinematics; use joint targets")

// ServoController drives SO-101 joints directly on a Feetech bus. It accepts
// joint targets and named joint actions only.
type ServoController struct {
	cfg         *ServoBusConfig
	logger      logging.Logger
	registry    *BusRegistry
	bus         servoBus
	calibration ServoCalibration
	hub         eventHub

	mu      sync.Mutex
	actions map[string]JointTarget
	cancel  context.CancelFunc

	cancelCtx  context.Context
	cancelFunc func()
	workers    sync.WaitGroup
}

// NewServoController opens (or shares) the bus on cfg.Port and enables torque.
func NewServoController(ctx context.Context, cfg *ServoBusConfig, logger logging.Logger) (*ServoController, error) {
	return newServoController(ctx, sharedBuses, cfg, logger)
}

func newServoController(ctx context.Context, registry *BusRegistry, cfg *ServoBusConfig, logger logging.Logger) (*ServoController, error) {
	if _, _, err := cfg.Validate(""); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	calibration, _, err := cfg.LoadCalibration(logger)
	if err != nil {
		return nil, err
	}
	if err := calibration.Validate(cfg.ServoIDs); err != nil {
		return nil, err
	}

	bus, err := registry.Acquire(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize servo bus: %w", err)
	}
	if err := bus.EnableAll(ctx); err != nil {
		logger.Warnf("Failed to enable torque: %v", err)
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	c := &ServoController{
		cfg:         cfg,
		logger:      logger,
		registry:    registry,
		bus:         bus,
		calibration: calibration,
		actions:     map[string]JointTarget{"home": make(JointTarget, len(cfg.ServoIDs))},
		cancelCtx:   cancelCtx,
		cancelFunc:  cancelFunc,
	}
	logger.Infof("servo controller initialized on port %s with servo IDs: %v", cfg.Port, cfg.ServoIDs)
	return c, nil
}

// SetAction stores a named joint target.
func (c *ServoController) SetAction(name string, joints JointTarget) error {
	if err := joints.Validate(len(c.cfg.ServoIDs)); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[name] = joints
	return nil
}

func (c *ServoController) SubscribeActionEvents(callback func(ActionEvent)) (SubscriptionHandle, error) {
	return c.hub.subscribe(callback)
}

func (c *ServoController) Unsubscribe(handle SubscriptionHandle) {
	c.hub.unsubscribe(handle)
}

func (c *ServoController) ActuatorCount(ctx context.Context) (int, error) {
	return len(c.cfg.ServoIDs), nil
}

func (c *ServoController) RefreshFeedback(ctx context.Context) (Pose, error) {
	return Pose{}, &TransportError{Op: "refresh_feedback", Err: errPoseUnsupported}
}

// JointAngles reads the current joint angles in degrees.
func (c *ServoController) JointAngles(ctx context.Context) (JointTarget, error) {
	raw, err := c.bus.Positions(ctx)
	if err != nil {
		return nil, &TransportError{Op: "read_positions", Err: err}
	}
	out := make(JointTarget, len(c.cfg.ServoIDs))
	for i, id := range c.cfg.ServoIDs {
		pos, ok := raw[id]
		if !ok {
			return nil, &TransportError{Op: "read_positions", Err: fmt.Errorf("servo %d did not report", id)}
		}
		mc, _ := c.calibration.ByID(id)
		out[i] = mc.Degrees(pos)
	}
	return out, nil
}

func (c *ServoController) ExecuteAction(ctx context.Context, req ActionRequest) error {
	if err := c.cancelCtx.Err(); err != nil {
		return &TransportError{Op: "execute", Err: err}
	}

	target := req.Joints
	switch req.Kind {
	case ReachJoints:
	case NamedAction:
		c.mu.Lock()
		stored, ok := c.actions[req.Action]
		c.mu.Unlock()
		if !ok {
			return &TransportError{Op: "execute", Err: fmt.Errorf("no stored action named %q", req.Action)}
		}
		target = stored
	default:
		return &TransportError{Op: "execute", Err: errPoseUnsupported}
	}
	if err := target.Validate(len(c.cfg.ServoIDs)); err != nil {
		return &TransportError{Op: "execute", Err: err}
	}

	raw := make(map[int]int, len(target))
	for i, id := range c.cfg.ServoIDs {
		mc, _ := c.calibration.ByID(id)
		raw[id] = mc.Raw(target[i])
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	opCtx, cancel := context.WithCancel(c.cancelCtx)
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.bus.SetPositions(ctx, raw); err != nil {
		cancel()
		return &TransportError{Op: "execute", Err: err}
	}

	c.workers.Add(1)
	utils.PanicCapturingGo(func() {
		defer c.workers.Done()
		defer cancel()
		c.watchMotion(opCtx, req, target)
	})
	return nil
}

// watchMotion polls joint angles until they settle on target, stall, or the
// motion is cancelled.
func (c *ServoController) watchMotion(ctx context.Context, req ActionRequest, target JointTarget) {
	c.hub.publish(ActionEvent{Kind: ActionStarted, RequestID: req.ID, Action: req.Name})

	var last JointTarget
	lastChange := time.Now()
	lastRead := time.Now()
	for {
		if !utils.SelectContextOrWait(ctx, c.cfg.PollInterval) {
			c.hub.publish(ActionEvent{Kind: ActionAbort, RequestID: req.ID, Action: req.Name, Detail: "cancelled"})
			return
		}

		current, err := c.JointAngles(ctx)
		if err != nil {
			if time.Since(lastRead) > c.cfg.StallTimeout {
				c.logger.Warnf("bus stopped answering during %q: %v", req.Name, err)
				c.hub.publish(ActionEvent{Kind: ActionAbort, RequestID: req.ID, Action: req.Name, Detail: "no position feedback"})
				return
			}
			c.logger.Debugf("position read failed during %q: %v", req.Name, err)
			continue
		}
		lastRead = time.Now()

		if maxJointError(current, target) <= c.cfg.ToleranceDegs {
			c.hub.publish(ActionEvent{Kind: ActionEnd, RequestID: req.ID, Action: req.Name})
			return
		}
		if last == nil || maxJointError(current, last) > 0.5 {
			last = current
			lastChange = time.Now()
		} else if time.Since(lastChange) > c.cfg.StallTimeout {
			c.logger.Warnf("%q stalled %.1f degrees from target", req.Name, maxJointError(current, target))
			c.hub.publish(ActionEvent{Kind: ActionAbort, RequestID: req.ID, Action: req.Name, Detail: "stalled"})
			return
		}
		c.hub.publish(ActionEvent{Kind: ActionProgress, RequestID: req.ID, Action: req.Name})
	}
}

func maxJointError(a, b JointTarget) float64 {
	worst := 0.0
	for i := range a {
		if i >= len(b) {
			break
		}
		worst = math.Max(worst, math.Abs(a[i]-b[i]))
	}
	return worst
}

// Stop holds the joints where they are and ends the running motion.
func (c *ServoController) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	current, err := c.bus.Positions(ctx)
	if err != nil {
		return &TransportError{Op: "stop", Err: err}
	}
	return c.bus.SetPositions(ctx, current)
}

func (c *ServoController) Close(ctx context.Context) error {
	c.cancelFunc()
	c.workers.Wait()
	c.registry.Release(c.cfg.Port)
	return nil
}

var (
	_ Controller = (*ServoController)(nil)
	_ Stopper    = (*ServoController)(nil)
)
