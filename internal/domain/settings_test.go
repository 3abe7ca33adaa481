package domain

import (
	"math"
	"testing"
	"time"
)

func TestClampProbabilityUsesNearestBound(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want float64
	}{
		{-1, 0},
		{-0.0001, 0},
		{0, 0},
		{0.2, 0.2},
		{0.5, 0.5},
		{0.51, 0.5},
		{7, 0.5},
		{math.Inf(1), 0.5},
		{math.Inf(-1), 0},
		{math.NaN(), 0},
	}
	for _, tc := range cases {
		if got := ClampProbability(tc.in); got != tc.want {
			t.Errorf("ClampProbability(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSettingsNormalize(t *testing.T) {
	t.Parallel()

	got := Settings{ChainCap: 42, CrossProbability: 0.9, ReflectionDuration: 30 * time.Second}.Normalize()
	want := Settings{ChainCap: MaxChainCap, CrossProbability: MaxCrossProbability, ReflectionDuration: MinReflectionDuration}
	if got != want {
		t.Fatalf("Normalize() = %+v, want %+v", got, want)
	}

	got = Settings{ChainCap: -3, CrossProbability: -1, ReflectionDuration: time.Hour}.Normalize()
	want = Settings{ChainCap: 0, CrossProbability: 0, ReflectionDuration: MaxReflectionDuration}
	if got != want {
		t.Fatalf("Normalize() = %+v, want %+v", got, want)
	}
}

func TestReflectionMinutesClampsBeforeConverting(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   int
		want time.Duration
	}{
		{0, time.Minute},
		{-5, time.Minute},
		{3, 3 * time.Minute},
		{10, 10 * time.Minute},
		{11, 10 * time.Minute},
		{1 << 40, 10 * time.Minute},
		{math.MaxInt, 10 * time.Minute},
		{math.MinInt, time.Minute},
	}
	for _, tc := range cases {
		if got := ReflectionMinutes(tc.in); got != tc.want {
			t.Errorf("ReflectionMinutes(%d) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeModeratorName(t *testing.T) {
	t.Parallel()

	if _, err := SanitizeModeratorName("   "); err != ErrEmptyModeratorName {
		t.Fatalf("expected ErrEmptyModeratorName, got %v", err)
	}
	name, err := SanitizeModeratorName("  Anastasia-Konstantinova ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "Anastasia-Konst" {
		t.Fatalf("unexpected truncated name %q", name)
	}
}

func TestRosterIdentityForLabel(t *testing.T) {
	t.Parallel()

	r := DefaultRoster()
	if got := r.IdentityForLabel("Gosha"); got != AgentA {
		t.Errorf("Gosha -> %s", got)
	}
	if got := r.IdentityForLabel("Joshi"); got != AgentB {
		t.Errorf("Joshi -> %s", got)
	}
	if got := r.IdentityForLabel(InstructorLabel); got != Instructor {
		t.Errorf("Instructor -> %s", got)
	}
	if got := r.IdentityForLabel("Ana"); got != Moderator {
		t.Errorf("Ana -> %s", got)
	}
}
