package phantom_probe

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// DefaultStepTimeout bounds the wait for one motion when nothing else is set.
const DefaultStepTimeout = 20 * time.Second

// TargetKind tells which Waypoint field carries the target.
type TargetKind int

const (
	TargetPose TargetKind = iota
	TargetJoints
	// TargetCurrent is the controller's pose at execution time plus Delta.
	TargetCurrent
	// TargetAction runs a named action stored on the controller, e.g. "home".
	TargetAction
)

func (k TargetKind) String() string {
	switch k {
	case TargetPose:
		return "pose"
	case TargetJoints:
		return "joints"
	case TargetCurrent:
		return "current"
	case TargetAction:
		return "action"
	default:
		return "unknown"
	}
}

// Waypoint is one discrete motion command and its timeout.
type Waypoint struct {
	Name    string
	Kind    TargetKind
	Pose    Pose
	Joints  JointTarget
	Delta   Pose
	Action  string
	Timeout time.Duration
}

func PoseWaypoint(name string, p Pose, timeout time.Duration) Waypoint {
	return Waypoint{Name: name, Kind: TargetPose, Pose: p, Timeout: timeout}
}

func JointWaypoint(name string, j JointTarget, timeout time.Duration) Waypoint {
	return Waypoint{Name: name, Kind: TargetJoints, Joints: j, Timeout: timeout}
}

func RelativeWaypoint(name string, delta Pose, timeout time.Duration) Waypoint {
	return Waypoint{Name: name, Kind: TargetCurrent, Delta: delta, Timeout: timeout}
}

func ActionWaypoint(name, action string, timeout time.Duration) Waypoint {
	return Waypoint{Name: name, Kind: TargetAction, Action: action, Timeout: timeout}
}

func (w Waypoint) String() string {
	switch w.Kind {
	case TargetPose:
		return fmt.Sprintf("%s -> pose %v", w.Name, w.Pose)
	case TargetJoints:
		return fmt.Sprintf("%s -> joints %v", w.Name, []float64(w.Joints))
	case TargetCurrent:
		return fmt.Sprintf("%s -> current + %v", w.Name, w.Delta)
	case TargetAction:
		return fmt.Sprintf("%s -> action %q", w.Name, w.Action)
	default:
		return w.Name
	}
}

// TransitionPolicy controls what happens between two probe sites.
type TransitionPolicy int

const (
	TransitionNone TransitionPolicy = iota
	TransitionCurrentPose
	TransitionSafePose
)

func (p TransitionPolicy) String() string {
	switch p {
	case TransitionNone:
		return "none"
	case TransitionCurrentPose:
		return "current_pose"
	case TransitionSafePose:
		return "safe_pose"
	default:
		return "unknown"
	}
}

// ParseTransitionPolicy accepts the names produced by String.
func ParseTransitionPolicy(s string) (TransitionPolicy, error) {
	switch s {
	case "", "none":
		return TransitionNone, nil
	case "current_pose":
		return TransitionCurrentPose, nil
	case "safe_pose":
		return TransitionSafePose, nil
	default:
		return TransitionNone, fmt.Errorf("unknown transition policy %q", s)
	}
}

// SitePlan is one probe site and the depths to press it to.
type SitePlan struct {
	Site           ProbeSite
	ApproachHeight float64
	StepDepths     []float64
	Orientation    Orientation
	// Timeout overrides QueueOptions.DefaultTimeout for this site's waypoints.
	Timeout time.Duration
}

type QueueOptions struct {
	Transitions    TransitionPolicy
	SafePose       *Pose // meters; required for TransitionSafePose
	DefaultTimeout time.Duration
	// UnitScale converts site geometry to meters (0.01 for centimeters). Zero means 1.
	UnitScale float64
	// Prologue and Epilogue run before the first and after the last site.
	Prologue []Waypoint
	Epilogue []Waypoint
}

// BuildQueue concatenates the resolved poses of every site into named waypoints.
func BuildQueue(sites []SitePlan, opts QueueOptions) ([]Waypoint, error) {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	scale := opts.UnitScale
	if scale == 0 {
		scale = 1
	}
	if opts.Transitions == TransitionSafePose {
		if opts.SafePose == nil {
			return nil, errors.New("safe_pose transition requires a safe pose")
		}
		if !opts.SafePose.Finite() {
			return nil, errors.Wrap(ErrInvalidGeometry, "safe pose is not finite")
		}
	}

	queue := make([]Waypoint, 0, len(opts.Prologue)+len(opts.Epilogue))
	for _, wp := range opts.Prologue {
		queue = append(queue, withDefaultTimeout(wp, timeout))
	}

	for i, sp := range sites {
		siteTimeout := timeout
		if sp.Timeout > 0 {
			siteTimeout = sp.Timeout
		}

		poses, err := ResolveProbeWaypoints(sp.Site, sp.ApproachHeight, sp.StepDepths, sp.Orientation)
		if err != nil {
			return nil, err
		}

		if i > 0 {
			prev := sites[i-1].Site.ID
			name := fmt.Sprintf("transition %s -> %s", prev, sp.Site.ID)
			switch opts.Transitions {
			case TransitionCurrentPose:
				queue = append(queue, RelativeWaypoint(name, Pose{}, siteTimeout))
			case TransitionSafePose:
				queue = append(queue, PoseWaypoint(name, *opts.SafePose, siteTimeout))
			}
		}

		last := len(poses) - 1
		for j, p := range poses {
			var name string
			switch j {
			case 0:
				name = fmt.Sprintf("%s hover", sp.Site.ID)
			case last:
				name = fmt.Sprintf("%s retract", sp.Site.ID)
			default:
				name = fmt.Sprintf("%s depth %d", sp.Site.ID, j-1)
			}
			queue = append(queue, PoseWaypoint(name, p.Scale(scale), siteTimeout))
		}
	}

	for _, wp := range opts.Epilogue {
		queue = append(queue, withDefaultTimeout(wp, timeout))
	}

	return queue, nil
}

func withDefaultTimeout(wp Waypoint, timeout time.Duration) Waypoint {
	if wp.Timeout <= 0 {
		wp.Timeout = timeout
	}
	return wp
}
