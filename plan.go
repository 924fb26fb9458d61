package phantom_probe

import (
	"fmt"
	"os"
	"time"

	"github.com/golang/geo/r3"
	"gopkg.in/yaml.v3"
)

// Plan is a probing session read from YAML. Site geometry is in Units;
// explicit poses and the safe pose are always meters.
type Plan struct {
	Units          string        `yaml:"units,omitempty" json:"units,omitempty"`                     // "cm" (default), "mm" or "m"
	Orientation    string        `yaml:"orientation,omitempty" json:"orientation,omitempty"`         // "sideways" (default) or "down"
	ApproachHeight float64       `yaml:"approach_height,omitempty" json:"approach_height,omitempty"` // above the tip hover height
	StepDepths     []float64     `yaml:"step_depths,omitempty" json:"step_depths,omitempty"`
	StepTimeout    time.Duration `yaml:"step_timeout,omitempty" json:"step_timeout,omitempty"` // default: 20s
	HaltOnFailure  *bool         `yaml:"halt_on_failure,omitempty" json:"halt_on_failure,omitempty"`
	MaxAttempts    int           `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	Transitions    string        `yaml:"transitions,omitempty" json:"transitions,omitempty"` // none, current_pose, safe_pose
	SafePose       *Pose         `yaml:"safe_pose,omitempty" json:"safe_pose,omitempty"`
	Home           bool          `yaml:"home,omitempty" json:"home,omitempty"` // start and finish at the stored home action

	Sites     []SiteSpec     `yaml:"sites" json:"sites"`
	Waypoints []WaypointSpec `yaml:"waypoints,omitempty" json:"waypoints,omitempty"`
}

type SiteSpec struct {
	ID             string        `yaml:"id" json:"id"`
	Center         []float64     `yaml:"center" json:"center"` // x, y, z
	Radius         float64       `yaml:"radius,omitempty" json:"radius,omitempty"`
	Diameter       float64       `yaml:"diameter,omitempty" json:"diameter,omitempty"` // alternative to radius
	Height         float64       `yaml:"height" json:"height"`
	ApproachHeight *float64      `yaml:"approach_height,omitempty" json:"approach_height,omitempty"`
	StepDepths     []float64     `yaml:"step_depths,omitempty" json:"step_depths,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// WaypointSpec is an explicit waypoint run after the sites. Exactly one of
// Pose, Joints, Relative or Action is set.
type WaypointSpec struct {
	Name     string        `yaml:"name" json:"name"`
	Pose     *Pose         `yaml:"pose,omitempty" json:"pose,omitempty"`
	Joints   []float64     `yaml:"joints,omitempty" json:"joints,omitempty"`
	Relative *Pose         `yaml:"relative,omitempty" json:"relative,omitempty"`
	Action   string        `yaml:"action,omitempty" json:"action,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Validate fills defaults and checks the plan before anything moves.
func (p *Plan) Validate(path string) ([]string, []string, error) {
	if p.Units == "" {
		p.Units = "cm"
	}
	if _, err := unitScale(p.Units); err != nil {
		return nil, nil, err
	}
	if _, err := OrientationByName(p.Orientation); err != nil {
		return nil, nil, err
	}
	if p.StepTimeout == 0 {
		p.StepTimeout = DefaultStepTimeout
	}
	if p.StepTimeout < 0 {
		return nil, nil, fmt.Errorf("step_timeout must be positive, got %v", p.StepTimeout)
	}
	if p.HaltOnFailure == nil {
		halt := true
		p.HaltOnFailure = &halt
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	if p.MaxAttempts < 0 {
		return nil, nil, fmt.Errorf("max_attempts must be positive, got %d", p.MaxAttempts)
	}
	policy, err := ParseTransitionPolicy(p.Transitions)
	if err != nil {
		return nil, nil, err
	}
	if policy == TransitionSafePose && p.SafePose == nil {
		return nil, nil, fmt.Errorf("transitions 'safe_pose' requires safe_pose")
	}

	if len(p.Sites) == 0 && len(p.Waypoints) == 0 {
		return nil, nil, fmt.Errorf("plan must list at least one site or waypoint")
	}
	ids := map[string]bool{}
	for i := range p.Sites {
		s := &p.Sites[i]
		if s.ID == "" {
			s.ID = fmt.Sprintf("site%d", i+1)
		}
		if ids[s.ID] {
			return nil, nil, fmt.Errorf("duplicate site id %q", s.ID)
		}
		ids[s.ID] = true
		if len(s.Center) != 3 {
			return nil, nil, fmt.Errorf("site %q: center must have 3 coordinates, got %d", s.ID, len(s.Center))
		}
		if s.Radius == 0 && s.Diameter > 0 {
			s.Radius = s.Diameter / 2
		}
		if len(s.StepDepths) == 0 && len(p.StepDepths) == 0 {
			return nil, nil, fmt.Errorf("site %q: no step_depths", s.ID)
		}
	}
	for i, w := range p.Waypoints {
		set := 0
		if w.Pose != nil {
			set++
		}
		if len(w.Joints) > 0 {
			set++
		}
		if w.Relative != nil {
			set++
		}
		if w.Action != "" {
			set++
		}
		if set != 1 {
			return nil, nil, fmt.Errorf("waypoint %d (%q): exactly one of pose, joints, relative or action must be set", i, w.Name)
		}
		if w.Name == "" {
			p.Waypoints[i].Name = fmt.Sprintf("waypoint %d", i+1)
		}
	}

	// Resolve the geometry now so a bad site fails at config time, not on the first run.
	if _, err := p.Queue(); err != nil {
		return nil, nil, err
	}

	return nil, nil, nil
}

// Policy returns the executor policy of a validated plan.
func (p *Plan) Policy() Policy {
	halt := true
	if p.HaltOnFailure != nil {
		halt = *p.HaltOnFailure
	}
	return Policy{HaltOnFailure: halt, MaxAttempts: p.MaxAttempts}
}

// Queue resolves every site and appends the explicit waypoints.
func (p *Plan) Queue() ([]Waypoint, error) {
	scale, err := unitScale(p.Units)
	if err != nil {
		return nil, err
	}
	orientation, err := OrientationByName(p.Orientation)
	if err != nil {
		return nil, err
	}
	transitions, err := ParseTransitionPolicy(p.Transitions)
	if err != nil {
		return nil, err
	}

	sites := make([]SitePlan, 0, len(p.Sites))
	for _, s := range p.Sites {
		if len(s.Center) != 3 {
			return nil, fmt.Errorf("site %q: center must have 3 coordinates", s.ID)
		}
		approach := p.ApproachHeight
		if s.ApproachHeight != nil {
			approach = *s.ApproachHeight
		}
		depths := s.StepDepths
		if len(depths) == 0 {
			depths = p.StepDepths
		}
		sites = append(sites, SitePlan{
			Site: ProbeSite{
				ID:     s.ID,
				Center: r3.Vector{X: s.Center[0], Y: s.Center[1], Z: s.Center[2]},
				Radius: s.Radius,
				Height: s.Height,
			},
			ApproachHeight: approach,
			StepDepths:     depths,
			Orientation:    orientation,
			Timeout:        s.Timeout,
		})
	}

	opts := QueueOptions{
		Transitions:    transitions,
		SafePose:       p.SafePose,
		DefaultTimeout: p.StepTimeout,
		UnitScale:      scale,
	}
	if p.Home {
		opts.Prologue = []Waypoint{ActionWaypoint("home", "home", 0)}
	}
	for _, w := range p.Waypoints {
		opts.Epilogue = append(opts.Epilogue, w.waypoint())
	}
	if p.Home {
		opts.Epilogue = append(opts.Epilogue, ActionWaypoint("return home", "home", 0))
	}

	return BuildQueue(sites, opts)
}

func (w WaypointSpec) waypoint() Waypoint {
	switch {
	case w.Pose != nil:
		return PoseWaypoint(w.Name, *w.Pose, w.Timeout)
	case len(w.Joints) > 0:
		return JointWaypoint(w.Name, JointTarget(w.Joints), w.Timeout)
	case w.Relative != nil:
		return RelativeWaypoint(w.Name, *w.Relative, w.Timeout)
	default:
		return ActionWaypoint(w.Name, w.Action, w.Timeout)
	}
}

func unitScale(units string) (float64, error) {
	switch units {
	case "cm":
		return 0.01, nil
	case "mm":
		return 0.001, nil
	case "m":
		return 1, nil
	default:
		return 0, fmt.Errorf("units must be 'cm', 'mm' or 'm', got '%s'", units)
	}
}

// LoadPlan reads and validates a YAML plan. Relative paths resolve against
// VIAM_MODULE_DATA.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(moduleDataPath(path))
	if err != nil {
		return nil, fmt.Errorf("plan: read %s: %w", path, err)
	}
	return ParsePlan(data)
}

func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("plan: parse: %w", err)
	}
	if _, _, err := p.Validate(""); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	return &p, nil
}

// DefaultPhantomPlan probes the soft and hard inclusion phantoms with the
// tactile sensor held sideways.
func DefaultPhantomPlan() *Plan {
	halt := true
	p := &Plan{
		Units:          "cm",
		Orientation:    "sideways",
		ApproachHeight: 15,
		StepDepths:     []float64{0, 0.2, 0.4, 0.6, 0.8, 2},
		StepTimeout:    1000 * time.Second,
		HaltOnFailure:  &halt,
		MaxAttempts:    1,
		Transitions:    "none",
		Home:           true,
		Sites: []SiteSpec{
			{ID: "soft", Center: []float64{45, 5, -1.5}, Diameter: 6.5, Height: 11.5},
			{ID: "hard", Center: []float64{45, -5, -0.5}, Diameter: 6.5, Height: 11.5},
		},
	}
	if _, _, err := p.Validate(""); err != nil {
		panic(err)
	}
	return p
}
