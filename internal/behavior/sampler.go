package behavior

import (
	"math"
	"math/rand"
	"time"
)

// DwellSampler produces one dwell duration per call. Injecting the sampler
// lets tests substitute a deterministic source for the timing distribution.
type DwellSampler interface {
	Sample() time.Duration
}

// LogNormalSampler draws dwell times from a log-normal distribution and
// clamps the result into [Min, Max]. Log-normal timing avoids the uniform
// inter-action gaps that bot-detection heuristics key on.
type LogNormalSampler struct {
	Mu    float64 // mean of the underlying normal, in log-seconds
	Sigma float64
	Min   time.Duration
	Max   time.Duration

	rng *rand.Rand
}

// NewLogNormalSampler builds a sampler backed by the given random source.
func NewLogNormalSampler(mu, sigma float64, min, max time.Duration, rng *rand.Rand) *LogNormalSampler {
	return &LogNormalSampler{Mu: mu, Sigma: sigma, Min: min, Max: max, rng: rng}
}

// Sample draws one dwell duration.
func (s *LogNormalSampler) Sample() time.Duration {
	seconds := math.Exp(s.rng.NormFloat64()*s.Sigma + s.Mu)
	d := time.Duration(seconds * float64(time.Second))
	if d < s.Min {
		return s.Min
	}
	if d > s.Max {
		return s.Max
	}
	return d
}

// FixedSampler always returns the same duration. Test helper.
type FixedSampler struct {
	D time.Duration
}

// Sample returns the fixed duration.
func (s FixedSampler) Sample() time.Duration { return s.D }
