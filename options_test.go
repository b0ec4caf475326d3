package syncflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, "unknown", opts.Platform)
	assert.Equal(t, 30*time.Second, opts.FulfillTimeout)
	assert.Equal(t, 5, opts.AuthAttempts)
	assert.Equal(t, 2*time.Second, opts.AuthRetryDelay)
	assert.Positive(t, opts.SnapshotBudget)
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device_id: dev-a
platform: android
fulfill_timeout: 45s
snapshot_budget: 500000
auth_attempts: 3
auth_retry_delay: 250ms
battery_interval: 1m
network_interval: 2m
`), 0o600))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, "dev-a", opts.DeviceID)
	assert.Equal(t, "android", opts.Platform)
	assert.Equal(t, 45*time.Second, opts.FulfillTimeout)
	assert.Equal(t, 500000, opts.SnapshotBudget)
	assert.Equal(t, 3, opts.AuthAttempts)
	assert.Equal(t, 250*time.Millisecond, opts.AuthRetryDelay)
	assert.Equal(t, time.Minute, opts.BatteryInterval)
	assert.Equal(t, 2*time.Minute, opts.NetworkInterval)
}

func TestLoadOptionsPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device_id: dev-a\n"), 0o600))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, "dev-a", opts.DeviceID)
	assert.Equal(t, DefaultOptions().FulfillTimeout, opts.FulfillTimeout)
	assert.Equal(t, DefaultOptions().SnapshotBudget, opts.SnapshotBudget)
}

func TestLoadOptionsRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fulfill_timeout: soon\n"), 0o600))

	_, err := LoadOptions(path)
	assert.Error(t, err)
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateGeneratesKeyPair(t *testing.T) {
	opts := DefaultOptions()
	opts.DeviceID = "dev-a"
	require.NoError(t, opts.validate())
	require.NotNil(t, opts.KeyPair)

	var zero [32]byte
	assert.NotEqual(t, zero, opts.KeyPair.Public)
}

func TestValidateRequiresDeviceID(t *testing.T) {
	opts := DefaultOptions()
	assert.Error(t, opts.validate())
}
