package phantom_probe

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoSitePlan = `
units: cm
orientation: down
approach_height: 10
step_depths: [0, 0.5]
step_timeout: 30s
transitions: current_pose
max_attempts: 2
sites:
  - id: soft
    center: [45, 5, -1.5]
    diameter: 6.5
    height: 11.5
  - id: hard
    center: [45, -5, -0.5]
    radius: 3.25
    height: 11.5
    step_depths: [1]
    timeout: 5s
waypoints:
  - name: wave
    joints: [0, 10, 20, 30, 40, 50]
  - name: lift
    relative: {z: 0.05}
`

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan([]byte(twoSitePlan))
	require.NoError(t, err)

	assert.Equal(t, "cm", plan.Units)
	assert.Equal(t, 30*time.Second, plan.StepTimeout)
	require.Len(t, plan.Sites, 2)
	assert.Equal(t, 3.25, plan.Sites[0].Radius, "diameter is halved into radius")
	assert.Equal(t, 5*time.Second, plan.Sites[1].Timeout)

	policy := plan.Policy()
	assert.True(t, policy.HaltOnFailure)
	assert.Equal(t, 2, policy.MaxAttempts)

	queue, err := plan.Queue()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"soft hover", "soft depth 0", "soft depth 1", "soft retract",
		"transition soft -> hard",
		"hard hover", "hard depth 0", "hard retract",
		"wave", "lift",
	}, waypointNames(queue))

	hover := queue[0]
	assert.InDelta(t, 0.4175, hover.Pose.X, 1e-12)
	assert.InDelta(t, 0.20, hover.Pose.Z, 1e-12)
	assert.Equal(t, OrientationDown, hover.Pose.Orientation())
	assert.Equal(t, 30*time.Second, hover.Timeout)

	assert.InDelta(t, 0.10, queue[6].Pose.Z, 1e-12)
	assert.Equal(t, 5*time.Second, queue[6].Timeout)

	assert.Equal(t, TargetJoints, queue[8].Kind)
	assert.Equal(t, TargetCurrent, queue[9].Kind)
	assert.Equal(t, 0.05, queue[9].Delta.Z)
	assert.Equal(t, 30*time.Second, queue[9].Timeout)
}

func TestParsePlanDefaults(t *testing.T) {
	plan, err := ParsePlan([]byte(`
step_depths: [0]
sites:
  - center: [0, 0, 0]
    radius: 1
    height: 2
`))
	require.NoError(t, err)
	assert.Equal(t, "cm", plan.Units)
	assert.Equal(t, DefaultStepTimeout, plan.StepTimeout)
	assert.Equal(t, "site1", plan.Sites[0].ID)
	assert.Equal(t, Policy{HaltOnFailure: true, MaxAttempts: 1}, plan.Policy())
}

func TestParsePlanHaltOnFailureFalse(t *testing.T) {
	plan, err := ParsePlan([]byte(`
halt_on_failure: false
waypoints:
  - action: home
`))
	require.NoError(t, err)
	assert.False(t, plan.Policy().HaltOnFailure)
	assert.Equal(t, "waypoint 1", plan.Waypoints[0].Name)
}

func TestParsePlanErrors(t *testing.T) {
	tests := map[string]string{
		"bad yaml":          "sites: [",
		"empty plan":        "units: cm",
		"unknown units":     "units: ft\nwaypoints: [{action: home}]",
		"unknown preset":    "orientation: up\nwaypoints: [{action: home}]",
		"bad center":        "step_depths: [0]\nsites: [{center: [1, 2], radius: 1, height: 1}]",
		"no depths":         "sites: [{center: [1, 2, 3], radius: 1, height: 1}]",
		"duplicate site":    "step_depths: [0]\nsites: [{id: a, center: [0,0,0], radius: 1, height: 1}, {id: a, center: [0,0,0], radius: 1, height: 1}]",
		"two targets":       "waypoints: [{name: x, action: home, joints: [0]}]",
		"no target":         "waypoints: [{name: x}]",
		"safe pose missing": "transitions: safe_pose\nwaypoints: [{action: home}]",
		"bad transition":    "transitions: jump\nwaypoints: [{action: home}]",
		"negative timeout":  "step_timeout: -1s\nwaypoints: [{action: home}]",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlan([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParsePlanRejectsBadGeometry(t *testing.T) {
	tests := map[string]string{
		"zero radius": "step_depths: [0]\nsites: [{center: [0,0,0], radius: 0, height: 1}]",
		"zero height": "step_depths: [0]\nsites: [{center: [0,0,0], radius: 1, height: 0}]",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlan([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidGeometry)
		})
	}
}

func TestDefaultPhantomPlan(t *testing.T) {
	plan := DefaultPhantomPlan()
	queue, err := plan.Queue()
	require.NoError(t, err)

	// home, 2 sites x (hover + 6 depths + retract), return home
	require.Len(t, queue, 18)
	assert.Equal(t, "home", queue[0].Name)
	assert.Equal(t, TargetAction, queue[0].Kind)
	assert.Equal(t, "return home", queue[17].Name)
	assert.Equal(t, 1000*time.Second, queue[1].Timeout)

	softHover := queue[1]
	assert.InDelta(t, 0.4175, softHover.Pose.X, 1e-12)
	assert.InDelta(t, 0.05, softHover.Pose.Y, 1e-12)
	assert.InDelta(t, 0.25, softHover.Pose.Z, 1e-12)
	assert.Equal(t, OrientationSideways, softHover.Pose.Orientation())

	hardDeepest := queue[15]
	assert.Equal(t, "hard depth 5", hardDeepest.Name)
	assert.InDelta(t, 0.09, hardDeepest.Pose.Z, 1e-12)
}

func TestLoadPlan(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VIAM_MODULE_DATA", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.yaml"), []byte(twoSitePlan), 0644))

	plan, err := LoadPlan("plan.yaml")
	require.NoError(t, err)
	assert.Len(t, plan.Sites, 2)

	_, err = LoadPlan("missing.yaml")
	assert.Error(t, err)
}
