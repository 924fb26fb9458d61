package phantom_probe

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ErrInvalidGeometry is returned for probe sites that cannot produce a waypoint.
var ErrInvalidGeometry = errors.New("invalid geometry")

// ProbeSite describes a cylindrical inclusion in a phantom. The tip is aligned
// at center.x - radius and hovers at center.z + height.
type ProbeSite struct {
	ID     string
	Center r3.Vector
	Radius float64
	Height float64
}

// Validate rejects sites that would yield non-finite or degenerate poses.
func (s ProbeSite) Validate() error {
	if !finite(s.Radius) || s.Radius <= 0 {
		return errors.Wrapf(ErrInvalidGeometry, "site %q: radius must be positive, got %v", s.ID, s.Radius)
	}
	if !finite(s.Height) || s.Height <= 0 {
		return errors.Wrapf(ErrInvalidGeometry, "site %q: height must be positive and finite, got %v", s.ID, s.Height)
	}
	if !finite(s.Center.X) || !finite(s.Center.Y) || !finite(s.Center.Z) {
		return errors.Wrapf(ErrInvalidGeometry, "site %q: center is not finite", s.ID)
	}
	return nil
}

// ResolveProbeWaypoints returns hover, one pose per depth, and a retract pose
// equal to hover. Units follow the site's units.
func ResolveProbeWaypoints(site ProbeSite, approachHeight float64, stepDepths []float64, orientation Orientation) ([]Pose, error) {
	if err := site.Validate(); err != nil {
		return nil, err
	}
	if len(stepDepths) == 0 {
		return nil, errors.Wrapf(ErrInvalidGeometry, "site %q: no step depths", site.ID)
	}
	if !finite(approachHeight) {
		return nil, errors.Wrapf(ErrInvalidGeometry, "site %q: approach height is not finite", site.ID)
	}

	tipX := site.Center.X - site.Radius
	surface := site.Center.Z + site.Height

	hover := PoseAt(r3.Vector{X: tipX, Y: site.Center.Y, Z: surface + approachHeight}, orientation)

	poses := make([]Pose, 0, len(stepDepths)+2)
	poses = append(poses, hover)
	for i, depth := range stepDepths {
		if !finite(depth) {
			return nil, errors.Wrapf(ErrInvalidGeometry, "site %q: depth %d is not finite", site.ID, i)
		}
		poses = append(poses, PoseAt(r3.Vector{X: tipX, Y: site.Center.Y, Z: surface - depth}, orientation))
	}
	poses = append(poses, hover)

	return poses, nil
}

// FeedbackSource reports the arm's current end-effector pose.
type FeedbackSource interface {
	RefreshFeedback(ctx context.Context) (Pose, error)
}

// ResolveRelativePose reads the current pose and applies delta to it.
func ResolveRelativePose(ctx context.Context, src FeedbackSource, delta Pose) (Pose, error) {
	current, err := src.RefreshFeedback(ctx)
	if err != nil {
		return Pose{}, errors.Wrap(err, "failed to refresh feedback")
	}
	target := current.Add(delta)
	if !target.Finite() {
		return Pose{}, errors.Wrapf(ErrInvalidGeometry, "relative target %v is not finite", target)
	}
	return target, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
