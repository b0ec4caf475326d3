package syncflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dpchavali1/syncflow/crypto"
	"github.com/dpchavali1/syncflow/realtime"
)

// Options contains configuration for creating an Engine.
type Options struct {
	// DeviceID identifies this device in the shared store. Required.
	DeviceID string
	// Platform is a free-form platform label for the device record.
	Platform string
	// KeyPair is this device's identity key pair. Generated when nil.
	KeyPair *crypto.KeyPair

	// FulfillTimeout bounds the wait for key-exchange fulfillment.
	FulfillTimeout time.Duration
	// SnapshotBudget is the admission bound for one snapshot payload.
	SnapshotBudget int

	// AuthAttempts and AuthRetryDelay bound the wait for a user identity
	// at startup.
	AuthAttempts   int
	AuthRetryDelay time.Duration

	// BatteryInterval and NetworkInterval override the condition probe
	// timers.
	BatteryInterval time.Duration
	NetworkInterval time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Platform:       "unknown",
		FulfillTimeout: 30 * time.Second,
		SnapshotBudget: realtime.DefaultSnapshotBudget,
		AuthAttempts:   5,
		AuthRetryDelay: 2 * time.Second,
	}
}

// optionsFile is the YAML form of Options. Durations are strings in Go
// duration syntax ("30s", "2m").
type optionsFile struct {
	DeviceID        string `yaml:"device_id"`
	Platform        string `yaml:"platform"`
	FulfillTimeout  string `yaml:"fulfill_timeout"`
	SnapshotBudget  int    `yaml:"snapshot_budget"`
	AuthAttempts    int    `yaml:"auth_attempts"`
	AuthRetryDelay  string `yaml:"auth_retry_delay"`
	BatteryInterval string `yaml:"battery_interval"`
	NetworkInterval string `yaml:"network_interval"`
}

// LoadOptions reads a YAML options file, filling defaults for anything the
// file does not set.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("failed to read options file: %w", err)
	}
	var file optionsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return opts, fmt.Errorf("failed to parse options file: %w", err)
	}

	if file.DeviceID != "" {
		opts.DeviceID = file.DeviceID
	}
	if file.Platform != "" {
		opts.Platform = file.Platform
	}
	if file.SnapshotBudget > 0 {
		opts.SnapshotBudget = file.SnapshotBudget
	}
	if file.AuthAttempts > 0 {
		opts.AuthAttempts = file.AuthAttempts
	}
	if err := setDuration(&opts.FulfillTimeout, file.FulfillTimeout, "fulfill_timeout"); err != nil {
		return opts, err
	}
	if err := setDuration(&opts.AuthRetryDelay, file.AuthRetryDelay, "auth_retry_delay"); err != nil {
		return opts, err
	}
	if err := setDuration(&opts.BatteryInterval, file.BatteryInterval, "battery_interval"); err != nil {
		return opts, err
	}
	if err := setDuration(&opts.NetworkInterval, file.NetworkInterval, "network_interval"); err != nil {
		return opts, err
	}
	return opts, nil
}

func setDuration(dst *time.Duration, value, name string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

// validate fills derived defaults and rejects unusable options.
func (o *Options) validate() error {
	if o.DeviceID == "" {
		return fmt.Errorf("options: DeviceID is required")
	}
	if o.KeyPair == nil {
		keys, err := crypto.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("options: failed to generate key pair: %w", err)
		}
		o.KeyPair = keys
	}
	if o.FulfillTimeout <= 0 {
		o.FulfillTimeout = 30 * time.Second
	}
	if o.AuthAttempts <= 0 {
		o.AuthAttempts = 5
	}
	if o.AuthRetryDelay <= 0 {
		o.AuthRetryDelay = 2 * time.Second
	}
	return nil
}
