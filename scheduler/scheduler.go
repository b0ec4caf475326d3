package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dpchavali1/syncflow/monitor"
)

// ConditionSource supplies the latest device conditions for a pass.
type ConditionSource interface {
	Snapshot() monitor.Conditions
}

// TierFunc performs one tier's sync work for one pass.
type TierFunc func() error

// AdaptiveScheduler drives periodic sync passes. Each pass re-reads device
// conditions, re-evaluates every tier gate, and runs the registered tier
// functions in priority order. One tier failing or panicking is logged and
// skipped; it never stops the loop or the remaining tiers.
//
// Last-run bookkeeping is owned by the scheduler loop; other tasks read it
// only through the TierStatus snapshot.
type AdaptiveScheduler struct {
	mu           sync.Mutex
	conditions   ConditionSource
	tiers        map[Tier]TierFunc
	lastRun      map[Tier]time.Time
	lastActivity time.Time
	running      bool
	stopChan     chan struct{}
	pokeChan     chan struct{}
	now          func() time.Time
}

// NewAdaptiveScheduler creates a scheduler reading conditions from src.
func NewAdaptiveScheduler(src ConditionSource) *AdaptiveScheduler {
	return &AdaptiveScheduler{
		conditions: src,
		tiers:      make(map[Tier]TierFunc),
		lastRun:    make(map[Tier]time.Time),
		stopChan:   make(chan struct{}),
		pokeChan:   make(chan struct{}, 1),
		now:        time.Now,
	}
}

// RegisterTier sets the work function for a tier, replacing any previous
// registration.
func (as *AdaptiveScheduler) RegisterTier(tier Tier, fn TierFunc) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.tiers[tier] = fn
}

// RecordActivity marks the user as active now, pulling the next pass down
// to the minimum interval.
func (as *AdaptiveScheduler) RecordActivity() {
	as.mu.Lock()
	as.lastActivity = as.now()
	as.mu.Unlock()

	// Wake the loop so the shorter interval takes effect immediately.
	select {
	case as.pokeChan <- struct{}{}:
	default:
	}
}

// TierStatus returns a read-only snapshot of each tier's last run time.
func (as *AdaptiveScheduler) TierStatus() map[Tier]time.Time {
	as.mu.Lock()
	defer as.mu.Unlock()

	out := make(map[Tier]time.Time, len(as.lastRun))
	for tier, at := range as.lastRun {
		out[tier] = at
	}
	return out
}

// Start launches the scheduling loop. Safe to call more than once.
func (as *AdaptiveScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.running {
		return
	}
	as.running = true
	as.stopChan = make(chan struct{})
	go as.loop(as.stopChan)
}

// Stop halts the scheduling loop. Safe to call when not started.
func (as *AdaptiveScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.running {
		return
	}
	as.running = false
	close(as.stopChan)
}

// loop takes its stop channel as a parameter so a Stop/Start cycle never
// leaves an older loop alive on the newer channel.
func (as *AdaptiveScheduler) loop(stop <-chan struct{}) {
	for {
		interval := ComputeInterval(as.conditions.Snapshot(), as.sinceActivity())

		select {
		case <-time.After(interval):
			as.RunPass()
		case <-as.pokeChan:
			// Recompute the wait with the fresh activity timestamp.
		case <-stop:
			return
		}
	}
}

func (as *AdaptiveScheduler) sinceActivity() time.Duration {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.lastActivity.IsZero() {
		return -1
	}
	return as.now().Sub(as.lastActivity)
}

// RunPass executes one sync pass: gates are evaluated against the live
// conditions snapshot, eligible tiers run in priority order.
func (as *AdaptiveScheduler) RunPass() {
	cond := as.conditions.Snapshot()

	for _, tier := range AllTiers {
		as.mu.Lock()
		fn := as.tiers[tier]
		sinceLast := time.Duration(1<<62 - 1)
		if at, ok := as.lastRun[tier]; ok {
			sinceLast = as.now().Sub(at)
		}
		as.mu.Unlock()

		if fn == nil {
			continue
		}
		if !ShouldRunTier(tier, cond, sinceLast) {
			logrus.WithFields(logrus.Fields{
				"tier":    tier.String(),
				"battery": cond.BatteryPercent,
				"wifi":    cond.OnWifi,
			}).Debug("Tier gated off this pass")
			continue
		}

		as.mu.Lock()
		as.lastRun[tier] = as.now()
		as.mu.Unlock()

		if err := as.runTier(tier, fn); err != nil {
			logrus.WithFields(logrus.Fields{
				"tier":  tier.String(),
				"error": err,
			}).Warn("Tier sync failed, continuing with remaining tiers")
		}
	}
}

// runTier isolates one tier's execution so a panic cannot kill the loop.
func (as *AdaptiveScheduler) runTier(tier Tier, fn TierFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tier %s panicked: %v", tier, r)
		}
	}()
	return fn()
}
