// Package config loads the carpid configuration from a YAML file with
// CARPI_* environment variable overrides, and watches the file for
// changes at runtime.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where carpid looks for its config when --config is not
// given.
const DefaultPath = "/opt/carpi/carpid.yaml"

// Config is the full carpid configuration.
type Config struct {
	LogDir string `yaml:"log_dir"`
	DBPath string `yaml:"db_path"`

	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	GPS       GPSConfig       `yaml:"gps"`
	Web       WebConfig       `yaml:"web"`
}

// BluetoothConfig controls the radio adapter and the pairing agent.
type BluetoothConfig struct {
	// Adapter is the BlueZ adapter name, e.g. "hci0".
	Adapter string `yaml:"adapter"`
	// Alias is the advertised adapter name; empty leaves it unchanged.
	Alias        string `yaml:"alias"`
	Pairable     bool   `yaml:"pairable"`
	Discoverable bool   `yaml:"discoverable"`

	// StatusInterval is the period of the connected-device status poll.
	StatusInterval time.Duration `yaml:"status_interval"`
	// ApprovalTimeout bounds how long a pairing decision waits for a
	// human approval before rejecting.
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
}

// GPSConfig controls the serial NMEA reader.
type GPSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SerialPort string `yaml:"serial_port"`
	Baud       uint   `yaml:"baud"`
}

// WebConfig controls the dashboard HTTP API.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

func defaults() *Config {
	return &Config{
		LogDir: "/var/log/carpi",
		DBPath: "/opt/carpi/data/carpi.sqlite",
		Bluetooth: BluetoothConfig{
			Adapter:         "hci0",
			Alias:           "CarPi",
			Pairable:        true,
			Discoverable:    true,
			StatusInterval:  5 * time.Second,
			ApprovalTimeout: 30 * time.Second,
		},
		GPS: GPSConfig{
			Enabled:    false,
			SerialPort: "/dev/ttyS0",
			Baud:       9600,
		},
		Web: WebConfig{
			Enabled: true,
			Listen:  ":8080",
		},
	}
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Defaults plus env only.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Bluetooth.StatusInterval <= 0 {
		cfg.Bluetooth.StatusInterval = 5 * time.Second
	}
	if cfg.Bluetooth.ApprovalTimeout <= 0 {
		cfg.Bluetooth.ApprovalTimeout = 30 * time.Second
	}
	return cfg, nil
}

// applyEnv layers CARPI_* environment variables over the file values.
// The variable names match the original deployment's .env conventions.
func applyEnv(cfg *Config) {
	setString(&cfg.LogDir, "CARPI_LOG_DIR")
	setString(&cfg.DBPath, "CARPI_DB_PATH")
	setString(&cfg.Bluetooth.Adapter, "CARPI_BT_ADAPTER")
	setString(&cfg.Bluetooth.Alias, "CARPI_BT_ALIAS")
	setString(&cfg.GPS.SerialPort, "GPS_SERIAL_PORT")
	setString(&cfg.Web.Listen, "CARPI_WEB_LISTEN")

	if v, ok := os.LookupEnv("GPS_BAUD"); ok {
		if baud, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.GPS.Baud = uint(baud)
		}
	}
	if v, ok := os.LookupEnv("GPS_ENABLED"); ok {
		cfg.GPS.Enabled = v == "1" || v == "true"
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
