// Package monitor samples the device conditions that drive adaptive sync
// scheduling: battery level, charging state, and network transport.
package monitor

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Default probe intervals. Battery drains faster than networks change, so
// it is sampled more often.
const (
	DefaultBatteryInterval = 2 * time.Minute
	DefaultNetworkInterval = 5 * time.Minute
)

// Conditions is one observation of device state.
type Conditions struct {
	BatteryPercent int
	Charging       bool
	OnWifi         bool
}

// BatteryProbe reads the current battery level and charging state.
type BatteryProbe func() (percent int, charging bool, err error)

// NetworkProbe reads whether the device is on Wi-Fi.
type NetworkProbe func() (onWifi bool, err error)

// ConditionMonitor polls the injected probes on fixed intervals and exposes
// the latest observation. A failed probe keeps the previous value; the
// polling loops never terminate on probe errors.
type ConditionMonitor struct {
	mu         sync.Mutex
	current    Conditions
	battery    BatteryProbe
	network    NetworkProbe
	batteryIvl time.Duration
	networkIvl time.Duration
	running    bool
	stopChan   chan struct{}
}

// NewConditionMonitor creates a monitor around the given probes. Until the
// first successful probe the monitor reports a full battery on Wi-Fi, so
// that a slow first read never forces conservative scheduling.
func NewConditionMonitor(battery BatteryProbe, network NetworkProbe) *ConditionMonitor {
	return &ConditionMonitor{
		current:    Conditions{BatteryPercent: 100, Charging: false, OnWifi: true},
		battery:    battery,
		network:    network,
		batteryIvl: DefaultBatteryInterval,
		networkIvl: DefaultNetworkInterval,
		stopChan:   make(chan struct{}),
	}
}

// SetIntervals overrides the probe intervals. Must be called before Start.
func (cm *ConditionMonitor) SetIntervals(battery, network time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if battery > 0 {
		cm.batteryIvl = battery
	}
	if network > 0 {
		cm.networkIvl = network
	}
}

// Start launches the polling loops. Safe to call more than once.
func (cm *ConditionMonitor) Start() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.running {
		return
	}
	cm.running = true
	cm.stopChan = make(chan struct{})

	cm.refreshBatteryLocked()
	cm.refreshNetworkLocked()

	go cm.pollLoop(cm.batteryIvl, cm.RefreshBattery, cm.stopChan)
	go cm.pollLoop(cm.networkIvl, cm.RefreshNetwork, cm.stopChan)
}

// Stop halts the polling loops. Safe to call when not started.
func (cm *ConditionMonitor) Stop() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.running {
		return
	}
	cm.running = false
	close(cm.stopChan)
}

// OnForeground refreshes every probe immediately, outside the timers.
func (cm *ConditionMonitor) OnForeground() {
	cm.RefreshBattery()
	cm.RefreshNetwork()
}

// Snapshot returns the latest observation.
func (cm *ConditionMonitor) Snapshot() Conditions {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.current
}

// pollLoop takes its stop channel as a parameter so a Stop/Start cycle
// never leaves an older loop alive on the newer channel.
func (cm *ConditionMonitor) pollLoop(interval time.Duration, refresh func(), stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			refresh()
		case <-stop:
			return
		}
	}
}

// RefreshBattery samples the battery probe once.
func (cm *ConditionMonitor) RefreshBattery() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.refreshBatteryLocked()
}

func (cm *ConditionMonitor) refreshBatteryLocked() {
	if cm.battery == nil {
		return
	}
	percent, charging, err := cm.battery()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"probe": "battery",
			"error": err,
		}).Warn("Condition probe failed, keeping previous value")
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cm.current.BatteryPercent = percent
	cm.current.Charging = charging
}

// RefreshNetwork samples the network probe once.
func (cm *ConditionMonitor) RefreshNetwork() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.refreshNetworkLocked()
}

func (cm *ConditionMonitor) refreshNetworkLocked() {
	if cm.network == nil {
		return
	}
	onWifi, err := cm.network()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"probe": "network",
			"error": err,
		}).Warn("Condition probe failed, keeping previous value")
		return
	}
	cm.current.OnWifi = onWifi
}
