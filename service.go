package phantom_probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
	"go.viam.com/utils"
)

var SequencerModel = resource.NewModel("devrel", "probe", "sequencer")

var errRunInProgress = errors.New("a probe run is already in progress")

func init() {
	resource.RegisterService(generic.API, SequencerModel,
		resource.Registration[resource.Resource, *SequencerConfig]{
			Constructor: newSequencerService,
		},
	)
}

type SequencerConfig struct {
	// Exactly one motion backend
	Arm      string          `json:"arm,omitempty"`       // Name of an arm component
	ServoBus *ServoBusConfig `json:"servo_bus,omitempty"` // SO-101 Feetech bus driven in joint space

	// Stored joint actions (degrees), used by "home" and named waypoints
	Home    []float64            `json:"home,omitempty"`
	Actions map[string][]float64 `json:"actions,omitempty"`

	Plan       string `json:"plan,omitempty"`        // YAML plan path; relative to VIAM_MODULE_DATA
	InlinePlan *Plan  `json:"inline_plan,omitempty"` // used when no plan file is given
	WatchPlan  bool   `json:"watch_plan,omitempty"`  // reload the plan file when it changes

	HistoryDB   string `json:"history_db,omitempty"`   // sqlite file for run history
	MetricsFile string `json:"metrics_file,omitempty"` // Prometheus textfile written after each run
}

// Validate ensures all parts of the config are valid
func (cfg *SequencerConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Arm == "" && cfg.ServoBus == nil {
		return nil, nil, fmt.Errorf("%s: must specify either arm or servo_bus", path)
	}
	if cfg.Arm != "" && cfg.ServoBus != nil {
		return nil, nil, fmt.Errorf("%s: arm and servo_bus are mutually exclusive", path)
	}
	if cfg.ServoBus != nil {
		if _, _, err := cfg.ServoBus.Validate(path + ".servo_bus"); err != nil {
			return nil, nil, err
		}
	}
	if cfg.Plan == "" && cfg.InlinePlan != nil {
		if _, _, err := cfg.InlinePlan.Validate(path + ".inline_plan"); err != nil {
			return nil, nil, err
		}
	}
	if cfg.WatchPlan && cfg.Plan == "" {
		return nil, nil, fmt.Errorf("%s: watch_plan requires plan", path)
	}

	var deps []string
	if cfg.Arm != "" {
		deps = append(deps, cfg.Arm)
	}
	return deps, nil, nil
}

type closableController interface {
	Controller
	Close(ctx context.Context) error
}

type sequencerService struct {
	resource.Named
	resource.AlwaysRebuild

	logger     logging.Logger
	cfg        *SequencerConfig
	controller closableController
	sequencer  *Sequencer
	store      *RunStore

	mu        sync.Mutex
	plan      *Plan
	last      *SequenceResult
	runCancel context.CancelFunc
	runDone   chan struct{}

	cancelCtx  context.Context
	cancelFunc func()
	workers    sync.WaitGroup
}

func newSequencerService(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*SequencerConfig](rawConf)
	if err != nil {
		return nil, err
	}
	return NewSequencerService(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewSequencerService(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *SequencerConfig, logger logging.Logger) (resource.Resource, error) {
	plan, err := conf.loadPlan()
	if err != nil {
		return nil, err
	}

	var controller closableController
	if conf.Arm != "" {
		a, err := arm.FromDependencies(deps, conf.Arm)
		if err != nil {
			return nil, err
		}
		controller, err = NewArmController(ctx, a, ArmControllerConfig{Home: conf.Home, Actions: conf.Actions}, logger)
		if err != nil {
			return nil, err
		}
	} else {
		sc, err := NewServoController(ctx, conf.ServoBus, logger)
		if err != nil {
			return nil, err
		}
		for name, joints := range conf.Actions {
			if err := sc.SetAction(name, joints); err != nil {
				sc.Close(ctx)
				return nil, fmt.Errorf("action %q: %w", name, err)
			}
		}
		if len(conf.Home) > 0 {
			if err := sc.SetAction("home", conf.Home); err != nil {
				sc.Close(ctx)
				return nil, fmt.Errorf("home action: %w", err)
			}
		}
		controller = sc
	}

	svc, err := newSequencerFromController(name, conf, plan, controller, logger)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func newSequencerFromController(name resource.Name, conf *SequencerConfig, plan *Plan, controller closableController, logger logging.Logger) (*sequencerService, error) {
	var store *RunStore
	if conf.HistoryDB != "" {
		var err error
		store, err = OpenRunStore(moduleDataPath(conf.HistoryDB))
		if err != nil {
			controller.Close(context.Background())
			return nil, err
		}
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	s := &sequencerService{
		Named:      name.AsNamed(),
		logger:     logger,
		cfg:        conf,
		controller: controller,
		sequencer:  NewSequencer(controller, logger),
		store:      store,
		plan:       plan,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}

	if conf.WatchPlan {
		s.workers.Add(1)
		utils.PanicCapturingGo(func() {
			defer s.workers.Done()
			if err := WatchPlan(s.cancelCtx, conf.Plan, logger, s.setPlan); err != nil {
				logger.Warnf("plan watch stopped: %v", err)
			}
		})
	}

	logger.Infof("probe sequencer ready with %d sites", len(plan.Sites))
	return s, nil
}

func (cfg *SequencerConfig) loadPlan() (*Plan, error) {
	switch {
	case cfg.Plan != "":
		return LoadPlan(cfg.Plan)
	case cfg.InlinePlan != nil:
		if _, _, err := cfg.InlinePlan.Validate(""); err != nil {
			return nil, fmt.Errorf("inline_plan: %w", err)
		}
		return cfg.InlinePlan, nil
	default:
		return DefaultPhantomPlan(), nil
	}
}

func (s *sequencerService) setPlan(p *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = p
}

func (s *sequencerService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing 'command' string")
	}

	switch command {
	case "run":
		return s.startRun(ctx, cmd)
	case "status":
		return s.status(), nil
	case "stop":
		return s.stop(ctx)
	case "resolve":
		s.mu.Lock()
		plan := s.plan
		s.mu.Unlock()
		queue, err := plan.Queue()
		if err != nil {
			return nil, err
		}
		waypoints := make([]interface{}, 0, len(queue))
		for _, wp := range queue {
			waypoints = append(waypoints, waypointMap(wp))
		}
		return map[string]interface{}{"waypoints": waypoints}, nil
	case "reload":
		if s.cfg.Plan == "" {
			return nil, fmt.Errorf("no plan file configured")
		}
		plan, err := LoadPlan(s.cfg.Plan)
		if err != nil {
			return nil, err
		}
		s.setPlan(plan)
		return map[string]interface{}{"sites": len(plan.Sites)}, nil
	case "history":
		if s.store == nil {
			return nil, fmt.Errorf("no history_db configured")
		}
		limit := 10
		if n, ok := cmd["limit"].(float64); ok && n > 0 {
			limit = int(n)
		}
		runs, err := s.store.Recent(ctx, limit)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, 0, len(runs))
		for _, r := range runs {
			out = append(out, map[string]interface{}{
				"run_id":    r.ID,
				"started":   r.StartedAt.Format(time.RFC3339),
				"state":     r.State,
				"success":   r.Success,
				"attempted": r.Attempted,
				"planned":   r.Planned,
			})
		}
		return map[string]interface{}{"runs": out}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

// startRun launches the plan in the background. With "wait": true it blocks
// until the run ends and returns its result.
func (s *sequencerService) startRun(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	if s.runDone != nil {
		s.mu.Unlock()
		return nil, errRunInProgress
	}
	plan := s.plan
	queue, err := plan.Queue()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	policy := plan.Policy()
	if halt, ok := cmd["halt_on_failure"].(bool); ok {
		policy.HaltOnFailure = halt
	}

	runCtx, runCancel := context.WithCancel(s.cancelCtx)
	done := make(chan struct{})
	s.runCancel = runCancel
	s.runDone = done
	s.mu.Unlock()

	s.workers.Add(1)
	utils.PanicCapturingGo(func() {
		defer s.workers.Done()
		defer close(done)
		defer runCancel()

		result := s.sequencer.Run(runCtx, queue, policy)
		s.finishRun(result)
	})

	if wait, _ := cmd["wait"].(bool); !wait {
		return map[string]interface{}{"started": true, "waypoints": len(queue)}, nil
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return resultMap(*s.last), nil
}

func (s *sequencerService) finishRun(result SequenceResult) {
	if s.store != nil {
		if err := s.store.Record(context.Background(), result); err != nil {
			s.logger.Warnf("failed to record run %s: %v", result.RunID, err)
		}
	}
	if s.cfg.MetricsFile != "" {
		if err := WriteRunMetricsFile(moduleDataPath(s.cfg.MetricsFile), result); err != nil {
			s.logger.Warnf("failed to write run metrics: %v", err)
		}
	}
	if failed, ok := result.Failed(); ok {
		s.logger.Warnf("run %s failed at %q: %s (%v)", result.RunID, failed.Waypoint.Name, failed.Outcome, failed.Err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &result
	s.runDone = nil
	s.runCancel = nil
}

func (s *sequencerService) status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]interface{}{
		"state":   s.sequencer.State().String(),
		"running": s.runDone != nil,
	}
	if s.last != nil {
		out["last"] = resultMap(*s.last)
	}
	return out
}

func (s *sequencerService) stop(ctx context.Context) (map[string]interface{}, error) {
	s.mu.Lock()
	cancel := s.runCancel
	done := s.runDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopper, ok := s.controller.(Stopper); ok {
		if err := stopper.Stop(ctx); err != nil {
			return nil, err
		}
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]interface{}{"stopped": cancel != nil}, nil
}

func (s *sequencerService) Close(ctx context.Context) error {
	s.logger.Info("Closing probe sequencer")
	s.cancelFunc()
	s.workers.Wait()

	err := s.controller.Close(ctx)
	if s.store != nil {
		if serr := s.store.Close(); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

func waypointMap(wp Waypoint) map[string]interface{} {
	m := map[string]interface{}{
		"name":      wp.Name,
		"kind":      wp.Kind.String(),
		"timeout_s": wp.Timeout.Seconds(),
	}
	switch wp.Kind {
	case TargetPose:
		m["pose"] = poseMap(wp.Pose)
	case TargetCurrent:
		m["delta"] = poseMap(wp.Delta)
	case TargetJoints:
		joints := make([]interface{}, len(wp.Joints))
		for i, v := range wp.Joints {
			joints[i] = v
		}
		m["joints"] = joints
	case TargetAction:
		m["action"] = wp.Action
	}
	return m
}

func poseMap(p Pose) map[string]interface{} {
	return map[string]interface{}{
		"x": p.X, "y": p.Y, "z": p.Z,
		"theta_x": p.ThetaX, "theta_y": p.ThetaY, "theta_z": p.ThetaZ,
	}
}

func resultMap(r SequenceResult) map[string]interface{} {
	steps := make([]interface{}, 0, len(r.Steps))
	for _, st := range r.Steps {
		step := map[string]interface{}{
			"waypoint":  st.Waypoint.Name,
			"outcome":   st.Outcome.String(),
			"attempts":  st.Attempts,
			"elapsed_s": st.Elapsed.Seconds(),
		}
		if st.Err != nil {
			step["error"] = st.Err.Error()
		}
		steps = append(steps, step)
	}
	out := map[string]interface{}{
		"run_id":  r.RunID,
		"success": r.Success,
		"state":   r.State.String(),
		"planned": r.Planned,
		"steps":   steps,
	}
	if r.Err != nil {
		out["error"] = r.Err.Error()
	}
	return out
}
