package scheduler

import (
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dpchavali1/syncflow/monitor"
)

type staticConditions struct {
	cond monitor.Conditions
}

func (s *staticConditions) Snapshot() monitor.Conditions { return s.cond }

func TestRunPassExecutesEligibleTiers(t *testing.T) {
	src := &staticConditions{cond: cond(80, true, true)}
	as := NewAdaptiveScheduler(src)

	var ran []Tier
	for _, tier := range AllTiers {
		tier := tier
		as.RegisterTier(tier, func() error {
			ran = append(ran, tier)
			return nil
		})
	}

	as.RunPass()
	assert.Equal(t, AllTiers, ran, "charging on wifi at 80%: every tier runs, priority order")
}

func TestRunPassGatesLowBatteryTiers(t *testing.T) {
	src := &staticConditions{cond: cond(15, false, false)}
	as := NewAdaptiveScheduler(src)

	var ran []Tier
	for _, tier := range AllTiers {
		tier := tier
		as.RegisterTier(tier, func() error {
			ran = append(ran, tier)
			return nil
		})
	}

	as.RunPass()
	assert.Equal(t, []Tier{TierCritical, TierHigh}, ran,
		"first pass: high has never run, so the elapsed threshold is satisfied")

	ran = nil
	as.RunPass()
	assert.Equal(t, []Tier{TierCritical}, ran,
		"second pass immediately after: high is inside its 60 minute window")
}

func TestRunPassSurvivesTierError(t *testing.T) {
	src := &staticConditions{cond: cond(80, true, true)}
	as := NewAdaptiveScheduler(src)

	var lowRan atomic.Bool
	as.RegisterTier(TierCritical, func() error { return errors.New("transport down") })
	as.RegisterTier(TierLow, func() error { lowRan.Store(true); return nil })

	as.RunPass()
	assert.True(t, lowRan.Load(), "a failing tier must not stop later tiers")
}

func TestRunPassSurvivesTierPanic(t *testing.T) {
	src := &staticConditions{cond: cond(80, true, true)}
	as := NewAdaptiveScheduler(src)

	var lowRan atomic.Bool
	as.RegisterTier(TierCritical, func() error { panic("boom") })
	as.RegisterTier(TierLow, func() error { lowRan.Store(true); return nil })

	assert.NotPanics(t, func() { as.RunPass() })
	assert.True(t, lowRan.Load())
}

func TestTierStatusIsASnapshot(t *testing.T) {
	src := &staticConditions{cond: cond(80, true, true)}
	as := NewAdaptiveScheduler(src)
	as.RegisterTier(TierCritical, func() error { return nil })

	as.RunPass()
	status := as.TierStatus()
	before := status[TierCritical]
	status[TierCritical] = time.Time{}

	assert.Equal(t, before, as.TierStatus()[TierCritical],
		"mutating the returned map must not affect scheduler state")
}

func TestRecordActivityShortensInterval(t *testing.T) {
	src := &staticConditions{cond: cond(80, false, false)}
	as := NewAdaptiveScheduler(src)

	assert.Equal(t, DefaultInterval, ComputeInterval(src.Snapshot(), as.sinceActivity()))
	as.RecordActivity()
	assert.Equal(t, MinInterval, ComputeInterval(src.Snapshot(), as.sinceActivity()))
}

func TestStartStopIdempotent(t *testing.T) {
	as := NewAdaptiveScheduler(&staticConditions{cond: cond(80, false, false)})
	as.Stop()
	as.Start()
	as.Start()
	as.Stop()
	as.Stop()
}

func TestRapidRestartLeaksNoLoops(t *testing.T) {
	as := NewAdaptiveScheduler(&staticConditions{cond: cond(80, false, false)})
	base := runtime.NumGoroutine()

	for i := 0; i < 50; i++ {
		as.Start()
		as.Stop()
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= base+2
	}, time.Second, 5*time.Millisecond, "every stopped loop must exit, even across immediate restarts")
}
