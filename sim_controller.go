package phantom_probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// SimFault injects a failure into the simulated controller for one action name.
type SimFault int

const (
	SimFaultNone SimFault = iota
	// SimFaultAbort reports ACTION_ABORT instead of ACTION_END.
	SimFaultAbort
	// SimFaultSilent never reports a terminal event.
	SimFaultSilent
	// SimFaultReject fails the execute call itself.
	SimFaultReject
)

type SimConfig struct {
	Actuators    int
	MoveDuration time.Duration
	ProgressTick time.Duration
	StartPose    Pose
	// Actions maps named actions to joint targets. "home" defaults to all zeros.
	Actions map[string]JointTarget
	Faults  map[string]SimFault
}

// SimController is an in-memory arm. Every motion reaches its target after
// MoveDuration and reports the same events a real controller does.
type SimController struct {
	hub    eventHub
	cfg    SimConfig
	logger logging.Logger

	mu       sync.Mutex
	pose     Pose
	joints   JointTarget
	executed []ActionRequest

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	workers    sync.WaitGroup
}

func NewSimController(cfg SimConfig, logger logging.Logger) *SimController {
	if cfg.Actuators <= 0 {
		cfg.Actuators = 6
	}
	if cfg.ProgressTick <= 0 {
		cfg.ProgressTick = 50 * time.Millisecond
	}
	if cfg.Actions == nil {
		cfg.Actions = map[string]JointTarget{}
	}
	if _, ok := cfg.Actions["home"]; !ok {
		cfg.Actions["home"] = make(JointTarget, cfg.Actuators)
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &SimController{
		cfg:        cfg,
		logger:     logger,
		pose:       cfg.StartPose,
		joints:     make(JointTarget, cfg.Actuators),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
}

func (s *SimController) SubscribeActionEvents(callback func(ActionEvent)) (SubscriptionHandle, error) {
	return s.hub.subscribe(callback)
}

func (s *SimController) Unsubscribe(handle SubscriptionHandle) {
	s.hub.unsubscribe(handle)
}

// Listeners reports how many subscriptions are live.
func (s *SimController) Listeners() int {
	return s.hub.count()
}

func (s *SimController) ActuatorCount(ctx context.Context) (int, error) {
	return s.cfg.Actuators, nil
}

func (s *SimController) RefreshFeedback(ctx context.Context) (Pose, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pose, nil
}

// JointAngles returns the last commanded joint angles.
func (s *SimController) JointAngles() JointTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(JointTarget(nil), s.joints...)
}

// Executed returns every request accepted so far.
func (s *SimController) Executed() []ActionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ActionRequest(nil), s.executed...)
}

func (s *SimController) ExecuteAction(ctx context.Context, req ActionRequest) error {
	fault := s.cfg.Faults[req.Name]
	if fault == SimFaultReject {
		return &TransportError{Op: "execute", Err: fmt.Errorf("simulated rejection of %q", req.Name)}
	}

	var joints JointTarget
	if req.Kind == NamedAction {
		target, ok := s.cfg.Actions[req.Action]
		if !ok {
			return &TransportError{Op: "execute", Err: fmt.Errorf("unknown action %q", req.Action)}
		}
		joints = target
	}

	s.mu.Lock()
	s.executed = append(s.executed, req)
	runCtx := s.cancelCtx
	s.mu.Unlock()

	s.workers.Add(1)
	utils.PanicCapturingGo(func() {
		defer s.workers.Done()
		s.move(runCtx, req, joints, fault)
	})
	return nil
}

func (s *SimController) move(ctx context.Context, req ActionRequest, joints JointTarget, fault SimFault) {
	s.hub.publish(ActionEvent{Kind: ActionStarted, RequestID: req.ID, Action: req.Name})

	deadline := time.Now().Add(s.cfg.MoveDuration)
	for time.Now().Before(deadline) {
		if !utils.SelectContextOrWait(ctx, s.cfg.ProgressTick) {
			s.hub.publish(ActionEvent{Kind: ActionAbort, RequestID: req.ID, Action: req.Name, Detail: "stopped"})
			return
		}
		s.hub.publish(ActionEvent{Kind: ActionProgress, RequestID: req.ID, Action: req.Name})
	}

	switch fault {
	case SimFaultSilent:
		s.logger.Debugf("sim: swallowing terminal event for %q", req.Name)
		return
	case SimFaultAbort:
		s.hub.publish(ActionEvent{Kind: ActionAbort, RequestID: req.ID, Action: req.Name, Detail: "simulated abort"})
		return
	}

	s.mu.Lock()
	switch req.Kind {
	case ReachPose:
		s.pose = req.Pose
	case ReachJoints:
		s.joints = append(JointTarget(nil), req.Joints...)
	case NamedAction:
		s.joints = append(JointTarget(nil), joints...)
	}
	s.mu.Unlock()

	s.hub.publish(ActionEvent{Kind: ActionEnd, RequestID: req.ID, Action: req.Name})
}

// Stop aborts every in-flight simulated motion.
func (s *SimController) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancelFunc
	s.cancelCtx, s.cancelFunc = context.WithCancel(context.Background())
	s.mu.Unlock()
	cancel()
	return nil
}

func (s *SimController) Close(ctx context.Context) error {
	s.mu.Lock()
	s.cancelFunc()
	s.mu.Unlock()
	s.workers.Wait()
	return nil
}

var (
	_ Controller = (*SimController)(nil)
	_ Stopper    = (*SimController)(nil)
)
