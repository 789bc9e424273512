package bpmlink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultScanWindow, cfg.ScanWindow)
	assert.Equal(t, DefaultPairingTimeout, cfg.PairingTimeout)
	assert.Equal(t, DefaultWriteTimeout, cfg.WriteTimeout)
	assert.Equal(t, DefaultSelector(), cfg.Selector)
	assert.False(t, cfg.AllowUnnamed)
	assert.NotNil(t, cfg.Logger)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
scan_window: 10s
pairing_timeout: 30s
write_timeout: 500ms
service_uuid: 6e400001-b5a3-f393-e0a9-e50e24dcca9e
characteristic_uuid: "2a37"
allow_unnamed: true
write_without_response: true
log_level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.ScanWindow)
	assert.Equal(t, 30*time.Second, cfg.PairingTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.WriteTimeout)
	assert.Equal(t, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", cfg.Selector.Service.String())
	assert.Equal(t, New16BitUUID(0x2a37), cfg.Selector.Characteristic)
	assert.True(t, cfg.AllowUnnamed)
	assert.True(t, cfg.WriteWithoutResponse)

	logger, ok := cfg.Logger.(*logrus.Logger)
	require.True(t, ok)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestParseConfigErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"bad uuid":      "service_uuid: not-a-uuid",
		"bad char uuid": "characteristic_uuid: 12345",
		"bad level":     "log_level: loud",
		"bad duration":  "scan_window: soon",
		"not yaml":      "scan_window: [",
	} {
		_, err := ParseConfig([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bpmlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scan_window: 2s\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.ScanWindow)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
