// Package exposure resolves exposure times from rule tables and
// target magnitudes.
package exposure

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fallback when nothing else can decide.
const DefaultFallbackSeconds = 120.0

// MagnitudeRange maps a half-open magnitude interval [min, max) to a
// base exposure in seconds.
type MagnitudeRange struct {
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
	Exposure float64 `yaml:"exposure"`
}

// Rules is the on-disk exposure rule table.
type Rules struct {
	DefaultExposure float64            `yaml:"default_exposure"`
	MagnitudeRanges []MagnitudeRange   `yaml:"magnitude_ranges"`
	FilterScaling   map[string]float64 `yaml:"filter_scaling"`
	MinExposure     float64            `yaml:"min_exposure"`
	MaxExposure     float64            `yaml:"max_exposure"`
}

// Query carries everything known about the wanted exposure.
type Query struct {
	OverrideSeconds float64
	Magnitude       float64
	HasMagnitude    bool
	FilterCode      string
}

// Single-letter filter codes map onto the scaling table's filter names.
var filterScaleNames = map[string]string{
	"C": "Clear", "B": "B", "G": "V", "R": "R",
	"L": "Lum", "I": "I", "H": "Ha",
}

func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("exposure rules load failed (%s): %w", path, err)
	}
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("exposure rules parse failed (%s): %w", path, err)
	}
	if rules.DefaultExposure <= 0 {
		rules.DefaultExposure = 5
	}
	return &rules, nil
}

// Lookup picks the base exposure for a magnitude and scales it by the
// filter factor. The first matching range wins.
func (r *Rules) Lookup(magnitude float64, filterCode string) float64 {
	base := r.DefaultExposure
	if base <= 0 {
		base = 5
	}
	for _, rng := range r.MagnitudeRanges {
		min, max := rng.Min, rng.Max
		if max <= 0 {
			max = 20
		}
		if magnitude >= min && magnitude < max {
			base = rng.Exposure
			break
		}
	}

	scale := 1.0
	if name, ok := filterScaleNames[strings.ToUpper(strings.TrimSpace(filterCode))]; ok {
		if factor, ok := r.FilterScaling[name]; ok {
			scale = factor
		}
	}
	return r.clamp(base * scale)
}

func (r *Rules) clamp(seconds float64) float64 {
	if r.MinExposure > 0 && seconds < r.MinExposure {
		seconds = r.MinExposure
	}
	if r.MaxExposure > 0 && seconds > r.MaxExposure {
		seconds = r.MaxExposure
	}
	return seconds
}

// FromMagnitude estimates an exposure from brightness alone:
// 30 s at magnitude 12, a factor of 2.5 per magnitude, clamped to
// [1, 300] seconds.
func FromMagnitude(magnitude float64) float64 {
	seconds := 30.0 * math.Pow(2.5, magnitude-12.0)
	return math.Max(1.0, math.Min(seconds, 300.0))
}

// Resolve applies the priority chain: explicit override, rule table,
// magnitude formula, fixed fallback.
func Resolve(q Query, rules *Rules) float64 {
	if q.OverrideSeconds > 0 {
		return q.OverrideSeconds
	}
	if rules != nil {
		return rules.Lookup(q.Magnitude, q.FilterCode)
	}
	if q.HasMagnitude {
		return FromMagnitude(q.Magnitude)
	}
	return DefaultFallbackSeconds
}
