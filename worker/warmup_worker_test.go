package worker

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWarmupTargetForDayRamp(t *testing.T) {
	assert.Equal(t, warmupStartVolume, WarmupTargetForDay(1))
	assert.Equal(t, warmupStartVolume+warmupDailyStep, WarmupTargetForDay(2))

	// Targets never decrease.
	prev := 0
	for day := 1; day <= warmupRampDays; day++ {
		target := WarmupTargetForDay(day)
		assert.GreaterOrEqual(t, target, prev)
		prev = target
	}
}

func TestWarmupTargetForDayCeiling(t *testing.T) {
	assert.Equal(t, warmupCeiling, WarmupTargetForDay(warmupRampDays))
	assert.Equal(t, warmupCeiling, WarmupTargetForDay(1000))
}

func TestWarmupTargetForDayBadInput(t *testing.T) {
	assert.Equal(t, warmupStartVolume, WarmupTargetForDay(0))
	assert.Equal(t, warmupStartVolume, WarmupTargetForDay(-5))
}

func TestSimulateDeterministicWithSeed(t *testing.T) {
	a := rand.New(rand.NewSource(42))
	b := rand.New(rand.NewSource(42))

	for i := 0; i < 100; i++ {
		assert.Equal(t, DefaultWarmupPolicy.Simulate(a), DefaultWarmupPolicy.Simulate(b))
	}
}

func TestSimulateInvariants(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		out := DefaultWarmupPolicy.Simulate(r)
		if out.Bounced {
			assert.False(t, out.Opened)
			assert.False(t, out.Replied)
			assert.False(t, out.Spam)
		}
		if out.Replied {
			assert.True(t, out.Opened)
		}
	}
}

func TestSimulateRatesRoughlyMatchPolicy(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	n := 20000
	opened := 0
	for i := 0; i < n; i++ {
		if DefaultWarmupPolicy.Simulate(r).Opened {
			opened++
		}
	}
	rate := float64(opened) / float64(n)
	// Reply implies open, so the observed open rate sits at or above the
	// configured one.
	assert.Greater(t, rate, DefaultWarmupPolicy.OpenRate-0.05)
}
