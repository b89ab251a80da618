// README: Proximity evaluator deciding whether a pickup point lies along an offer's route.
package location

import (
	"carpool/internal/config"
	"carpool/internal/types"
)

// IsNear reports whether p is within thresholdM of any sample of path.
//
// Only the samples are compared; segments between samples are not interpolated. A point
// beside the midpoint of a segment of length L can therefore be reported up to L/2 farther
// away than it really is, so the route provider must sample densely enough that L/2 stays
// small next to thresholdM.
func IsNear(p types.Point, path []types.Point, thresholdM float64) bool {
	if len(path) == 0 {
		return false
	}
	return MinDistanceM(p, path) <= thresholdM
}

// Mode tells which rule produced a proximity verdict.
type Mode string

const (
	ModePath     Mode = "path"
	ModeDegraded Mode = "degraded"
)

type Evaluator struct {
	destination types.Point
	pathM       float64
	fallbackM   float64
	ceilingM    float64
}

func NewEvaluator(destination types.Point, cfg config.MatchingConfig) *Evaluator {
	return &Evaluator{
		destination: destination,
		pathM:       cfg.PathThresholdM,
		fallbackM:   cfg.FallbackThresholdM,
		ceilingM:    cfg.DestinationCeilingM,
	}
}

// Near evaluates p against the offer. With a sampled path the path rule applies; without one
// p must be within the fallback radius of the offer origin and within the ceiling radius of
// the destination.
func (e *Evaluator) Near(p, offerOrigin types.Point, path []types.Point) (bool, Mode) {
	if len(path) > 0 {
		return IsNear(p, path, e.pathM), ModePath
	}
	if HaversineM(p, e.destination) > e.ceilingM {
		return false, ModeDegraded
	}
	return HaversineM(p, offerOrigin) <= e.fallbackM, ModeDegraded
}
