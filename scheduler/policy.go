// Package scheduler decides when background sync passes run and which
// priority tiers are allowed to run in each pass, based on observed device
// conditions. Tier gating is the battery-protection mechanism: it is
// re-evaluated from live conditions on every pass, never cached.
package scheduler

import (
	"time"

	"github.com/dpchavali1/syncflow/monitor"
)

// Tier is a sync priority class.
type Tier uint8

const (
	// TierCritical covers read receipts and presence. Always runs.
	TierCritical Tier = iota
	// TierHigh covers contacts and recent messages.
	TierHigh
	// TierMedium covers photos and media.
	TierMedium
	// TierLow covers analytics. Only runs while charging.
	TierLow
)

// String returns the tier name for logging.
func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return "unknown"
	}
}

// AllTiers lists tiers in descending priority, the order passes run them.
var AllTiers = []Tier{TierCritical, TierHigh, TierMedium, TierLow}

// Interval policy bounds.
const (
	MinInterval     = 30 * time.Second
	MaxInterval     = 30 * time.Minute
	MediumInterval  = 5 * time.Minute
	DefaultInterval = 10 * time.Minute

	// ActivityWindow is how recently the user must have been active for
	// sync to run at the minimum interval.
	ActivityWindow = 60 * time.Second

	// LowBatteryPercent is the level below which, off the charger, sync
	// backs off to the maximum interval.
	LowBatteryPercent = 20
)

// High-tier elapsed thresholds: the wait between high-priority passes
// shrinks as the battery rises.
const (
	highThresholdHealthy  = 15 * time.Minute // battery > 30%
	highThresholdLow      = 30 * time.Minute // battery > 15%
	highThresholdCritical = 60 * time.Minute
)

// MediumTierMinBattery gates media sync off the charger budget entirely.
const MediumTierMinBattery = 50

// ComputeInterval returns the delay before the next sync pass, clamped to
// [MinInterval, MaxInterval].
func ComputeInterval(cond monitor.Conditions, timeSinceActivity time.Duration) time.Duration {
	var interval time.Duration
	switch {
	case timeSinceActivity >= 0 && timeSinceActivity < ActivityWindow:
		interval = MinInterval
	case cond.BatteryPercent < LowBatteryPercent && !cond.Charging:
		interval = MaxInterval
	case cond.Charging || cond.OnWifi:
		interval = MediumInterval
	default:
		interval = DefaultInterval
	}

	if interval < MinInterval {
		interval = MinInterval
	}
	if interval > MaxInterval {
		interval = MaxInterval
	}
	return interval
}

// ShouldRunTier reports whether a tier may run given current conditions and
// the time since that tier last ran.
func ShouldRunTier(tier Tier, cond monitor.Conditions, sinceLastRun time.Duration) bool {
	switch tier {
	case TierCritical:
		return true
	case TierHigh:
		if cond.Charging {
			return true
		}
		return sinceLastRun >= highThreshold(cond.BatteryPercent)
	case TierMedium, TierLow:
		return cond.Charging && cond.OnWifi && cond.BatteryPercent > MediumTierMinBattery
	default:
		return false
	}
}

func highThreshold(batteryPercent int) time.Duration {
	switch {
	case batteryPercent > 30:
		return highThresholdHealthy
	case batteryPercent > 15:
		return highThresholdLow
	default:
		return highThresholdCritical
	}
}
