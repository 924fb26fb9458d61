package phantom_probe

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	rutils "go.viam.com/rdk/utils"
)

// Pose is an end-effector target. Position in meters, angles in degrees.
type Pose struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Z      float64 `json:"z" yaml:"z"`
	ThetaX float64 `json:"theta_x" yaml:"theta_x"`
	ThetaY float64 `json:"theta_y" yaml:"theta_y"`
	ThetaZ float64 `json:"theta_z" yaml:"theta_z"`
}

// Orientation is a fixed angular target in degrees.
type Orientation struct {
	ThetaX float64 `json:"theta_x" yaml:"theta_x"`
	ThetaY float64 `json:"theta_y" yaml:"theta_y"`
	ThetaZ float64 `json:"theta_z" yaml:"theta_z"`
}

var (
	// OrientationSideways holds the end effector at 90 degrees to the table.
	OrientationSideways = Orientation{ThetaX: 90, ThetaY: 0, ThetaZ: 90}
	// OrientationDown points the tool straight down.
	OrientationDown = Orientation{ThetaX: 0, ThetaY: -180, ThetaZ: 90}
)

// OrientationByName maps a preset name to its angles.
func OrientationByName(name string) (Orientation, error) {
	switch name {
	case "", "sideways":
		return OrientationSideways, nil
	case "down":
		return OrientationDown, nil
	default:
		return Orientation{}, fmt.Errorf("unknown orientation preset %q (expected 'sideways' or 'down')", name)
	}
}

// PoseAt builds a pose from a point and an orientation.
func PoseAt(p r3.Vector, o Orientation) Pose {
	return Pose{X: p.X, Y: p.Y, Z: p.Z, ThetaX: o.ThetaX, ThetaY: o.ThetaY, ThetaZ: o.ThetaZ}
}

func (p Pose) Point() r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
}

func (p Pose) Orientation() Orientation {
	return Orientation{ThetaX: p.ThetaX, ThetaY: p.ThetaY, ThetaZ: p.ThetaZ}
}

// Add applies delta component-wise, angles included.
func (p Pose) Add(delta Pose) Pose {
	return Pose{
		X:      p.X + delta.X,
		Y:      p.Y + delta.Y,
		Z:      p.Z + delta.Z,
		ThetaX: p.ThetaX + delta.ThetaX,
		ThetaY: p.ThetaY + delta.ThetaY,
		ThetaZ: p.ThetaZ + delta.ThetaZ,
	}
}

// Scale multiplies the position by k and leaves the angles alone.
func (p Pose) Scale(k float64) Pose {
	p.X *= k
	p.Y *= k
	p.Z *= k
	return p
}

// Finite reports whether every field is a finite number.
func (p Pose) Finite() bool {
	for _, v := range []float64{p.X, p.Y, p.Z, p.ThetaX, p.ThetaY, p.ThetaZ} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (p Pose) String() string {
	return fmt.Sprintf("(%.4f, %.4f, %.4f m | %.1f, %.1f, %.1f deg)", p.X, p.Y, p.Z, p.ThetaX, p.ThetaY, p.ThetaZ)
}

// SpatialPose converts to an rdk pose: millimeters and Euler angles in radians.
func (p Pose) SpatialPose() spatialmath.Pose {
	return spatialmath.NewPose(
		p.Point().Mul(1000),
		&spatialmath.EulerAngles{
			Roll:  rutils.DegToRad(p.ThetaX),
			Pitch: rutils.DegToRad(p.ThetaY),
			Yaw:   rutils.DegToRad(p.ThetaZ),
		},
	)
}

// PoseFromSpatial is the inverse of SpatialPose.
func PoseFromSpatial(sp spatialmath.Pose) Pose {
	pt := sp.Point().Mul(0.001)
	ea := sp.Orientation().EulerAngles()
	return Pose{
		X:      pt.X,
		Y:      pt.Y,
		Z:      pt.Z,
		ThetaX: rutils.RadToDeg(ea.Roll),
		ThetaY: rutils.RadToDeg(ea.Pitch),
		ThetaZ: rutils.RadToDeg(ea.Yaw),
	}
}

// JointTarget holds one angle in degrees per actuator, indexed by joint.
type JointTarget []float64

var ErrJointCount = errors.New("joint target length does not match actuator count")

// Validate checks the target against the controller's actuator count.
func (j JointTarget) Validate(actuatorCount int) error {
	if len(j) != actuatorCount {
		return errors.Wrapf(ErrJointCount, "got %d angles for %d actuators", len(j), actuatorCount)
	}
	for i, v := range j {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("joint %d angle is not finite", i)
		}
	}
	return nil
}

// Radians returns a copy converted to radians.
func (j JointTarget) Radians() []float64 {
	out := make([]float64, len(j))
	for i, v := range j {
		out[i] = rutils.DegToRad(v)
	}
	return out
}
