package domain

import (
	"math"
	"time"
)

const (
	MaxChainCap           = 10
	MaxCrossProbability   = 0.5
	MinReflectionDuration = time.Minute
	MaxReflectionDuration = 10 * time.Minute
)

// Settings are the per-session human-tunable turn-taking controls.
type Settings struct {
	ChainCap           int           `json:"chain_cap"`
	CrossProbability   float64       `json:"cross_probability"`
	ReflectionDuration time.Duration `json:"reflection_duration"`
}

// DefaultSettings mirrors the stock sidebar values.
func DefaultSettings() Settings {
	return Settings{
		ChainCap:           0,
		CrossProbability:   0.35,
		ReflectionDuration: 5 * time.Minute,
	}
}

// Normalize clamps every field into its allowed range.
func (s Settings) Normalize() Settings {
	s.ChainCap = ClampChainCap(s.ChainCap)
	s.CrossProbability = ClampProbability(s.CrossProbability)
	switch {
	case s.ReflectionDuration < MinReflectionDuration:
		s.ReflectionDuration = MinReflectionDuration
	case s.ReflectionDuration > MaxReflectionDuration:
		s.ReflectionDuration = MaxReflectionDuration
	}
	return s
}

// ReflectionMinutes converts a count of minutes into a reflection duration
// within [MinReflectionDuration, MaxReflectionDuration].
func ReflectionMinutes(n int) time.Duration {
	lo := int(MinReflectionDuration / time.Minute)
	hi := int(MaxReflectionDuration / time.Minute)
	return time.Duration(min(max(n, lo), hi)) * time.Minute
}

// ClampChainCap limits the cap to [0, MaxChainCap].
func ClampChainCap(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxChainCap {
		return MaxChainCap
	}
	return n
}

// ClampProbability limits p to [0, MaxCrossProbability]. NaN counts as 0.
func ClampProbability(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > MaxCrossProbability {
		return MaxCrossProbability
	}
	return p
}
