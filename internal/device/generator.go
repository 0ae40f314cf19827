// Package device generates consistent fake client identities for sessions.
package device

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shehryarbajwa/trafficsim/pkg/models"
)

// WeightedProfile pairs a device profile with its selection weight.
type WeightedProfile struct {
	Profile models.DeviceProfile `mapstructure:"profile" json:"profile"`
	Weight  float64              `mapstructure:"weight" json:"weight"`
}

// Generator draws device profiles from a weighted candidate set.
// A malformed candidate set fails at construction, never per call.
type Generator struct {
	profiles []WeightedProfile
	total    float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator validates the candidate set and builds a generator.
func NewGenerator(profiles []WeightedProfile) (*Generator, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("device: empty profile candidate set")
	}

	var total float64
	for i, p := range profiles {
		if p.Weight <= 0 {
			return nil, fmt.Errorf("device: profile %q (index %d) has non-positive weight %v", p.Profile.Name, i, p.Weight)
		}
		if p.Profile.UserAgent == "" {
			return nil, fmt.Errorf("device: profile %q (index %d) has empty user agent", p.Profile.Name, i)
		}
		if p.Profile.ViewportWidth <= 0 || p.Profile.ViewportHeight <= 0 {
			return nil, fmt.Errorf("device: profile %q has invalid viewport %dx%d",
				p.Profile.Name, p.Profile.ViewportWidth, p.Profile.ViewportHeight)
		}
		total += p.Weight
	}

	return &Generator{
		profiles: profiles,
		total:    total,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Generate draws one profile from the weighted distribution.
func (g *Generator) Generate() models.DeviceProfile {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pick(g.rng)
}

// GenerateSeeded draws deterministically: equal seeds yield identical profiles.
func (g *Generator) GenerateSeeded(seed int64) models.DeviceProfile {
	return g.pick(rand.New(rand.NewSource(seed)))
}

func (g *Generator) pick(rng *rand.Rand) models.DeviceProfile {
	target := rng.Float64() * g.total
	var acc float64
	for _, p := range g.profiles {
		acc += p.Weight
		if target < acc {
			return normalize(p.Profile)
		}
	}
	// Floating point slack on the last bucket.
	return normalize(g.profiles[len(g.profiles)-1].Profile)
}

// normalize derives the mobile/touch flags from the device type so callers
// cannot hand out an inconsistent identity.
func normalize(p models.DeviceProfile) models.DeviceProfile {
	p.IsMobile = p.DeviceType == "mobile" || p.DeviceType == "tablet"
	p.HasTouch = p.DeviceType != "desktop"
	if p.Locale == "" {
		p.Locale = "en-US"
	}
	if p.Timezone == "" {
		p.Timezone = "America/New_York"
	}
	return p
}

// DefaultProfiles returns the built-in candidate set used when none is
// configured.
func DefaultProfiles() []WeightedProfile {
	return []WeightedProfile{
		{
			Weight: 4,
			Profile: models.DeviceProfile{
				Name:           "Desktop Chrome",
				UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				ViewportWidth:  1920,
				ViewportHeight: 1080,
				Platform:       "Win32",
				Locale:         "en-US",
				Timezone:       "America/New_York",
				DeviceType:     "desktop",
			},
		},
		{
			Weight: 2,
			Profile: models.DeviceProfile{
				Name:           "Desktop Firefox",
				UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
				ViewportWidth:  1920,
				ViewportHeight: 1080,
				Platform:       "Win32",
				Locale:         "en-US",
				Timezone:       "America/Chicago",
				DeviceType:     "desktop",
			},
		},
		{
			Weight: 2,
			Profile: models.DeviceProfile{
				Name:           "Mobile Chrome",
				UserAgent:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
				ViewportWidth:  375,
				ViewportHeight: 667,
				Platform:       "iPhone",
				Locale:         "en-US",
				Timezone:       "America/Los_Angeles",
				DeviceType:     "mobile",
			},
		},
		{
			Weight: 1,
			Profile: models.DeviceProfile{
				Name:           "Mobile Safari",
				UserAgent:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
				ViewportWidth:  390,
				ViewportHeight: 844,
				Platform:       "iPhone",
				Locale:         "en-GB",
				Timezone:       "Europe/London",
				DeviceType:     "mobile",
			},
		},
		{
			Weight: 1,
			Profile: models.DeviceProfile{
				Name:           "Tablet iPad",
				UserAgent:      "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
				ViewportWidth:  768,
				ViewportHeight: 1024,
				Platform:       "iPad",
				Locale:         "en-US",
				Timezone:       "America/Denver",
				DeviceType:     "tablet",
			},
		},
	}
}
