package bpmlink

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Default timeouts.
const (
	DefaultScanWindow     = 5 * time.Second
	DefaultPairingTimeout = 60 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
)

// Config configures a Session and its transport. The zero value of any field
// is replaced by its default.
type Config struct {
	// ScanWindow is how long a scan runs before it stops on its own.
	ScanWindow time.Duration

	// PairingTimeout bounds connecting and resolving the characteristic.
	PairingTimeout time.Duration

	// WriteTimeout bounds a single tempo write.
	WriteTimeout time.Duration

	// Selector is the characteristic the tempo is written to.
	Selector AttributeSelector

	// AllowUnnamed also reports peripherals that advertise no name.
	AllowUnnamed bool

	// WriteWithoutResponse sends write commands instead of write requests.
	WriteWithoutResponse bool

	Logger logrus.FieldLogger
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		ScanWindow:     DefaultScanWindow,
		PairingTimeout: DefaultPairingTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		Selector:       DefaultSelector(),
		Logger:         logrus.StandardLogger(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ScanWindow <= 0 {
		c.ScanWindow = def.ScanWindow
	}
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = def.PairingTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Selector == (AttributeSelector{}) {
		c.Selector = def.Selector
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	return c
}

// fileConfig is the YAML layout read by LoadConfig.
type fileConfig struct {
	ScanWindow           time.Duration `yaml:"scan_window"`
	PairingTimeout       time.Duration `yaml:"pairing_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	ServiceUUID          string        `yaml:"service_uuid"`
	CharacteristicUUID   string        `yaml:"characteristic_uuid"`
	AllowUnnamed         bool          `yaml:"allow_unnamed"`
	WriteWithoutResponse bool          `yaml:"write_without_response"`
	LogLevel             string        `yaml:"log_level"`
}

// LoadConfig reads a YAML file and applies it on top of DefaultConfig. Keys
// that are absent keep their defaults. Example:
//
//	scan_window: 5s
//	pairing_timeout: 1m
//	service_uuid: 00001234-0000-1000-8000-00805f9b34fb
//	characteristic_uuid: 00005678-0000-1000-8000-00805f9b34fb
//	log_level: debug
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for an in-memory document.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	err := yaml.Unmarshal(data, &fc)
	if err != nil {
		return Config{}, fmt.Errorf("bpmlink: parse config: %w", err)
	}
	cfg := Config{
		ScanWindow:           fc.ScanWindow,
		PairingTimeout:       fc.PairingTimeout,
		WriteTimeout:         fc.WriteTimeout,
		AllowUnnamed:         fc.AllowUnnamed,
		WriteWithoutResponse: fc.WriteWithoutResponse,
	}
	cfg.Selector = DefaultSelector()
	if fc.ServiceUUID != "" {
		if cfg.Selector.Service, err = ParseUUID(fc.ServiceUUID); err != nil {
			return Config{}, fmt.Errorf("bpmlink: service_uuid %q: %w", fc.ServiceUUID, err)
		}
	}
	if fc.CharacteristicUUID != "" {
		if cfg.Selector.Characteristic, err = ParseUUID(fc.CharacteristicUUID); err != nil {
			return Config{}, fmt.Errorf("bpmlink: characteristic_uuid %q: %w", fc.CharacteristicUUID, err)
		}
	}
	if fc.LogLevel != "" {
		logger, err := NewLogger(fc.LogLevel)
		if err != nil {
			return Config{}, err
		}
		cfg.Logger = logger
	}
	return cfg.withDefaults(), nil
}
