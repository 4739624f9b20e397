// Package config loads and persists the miner's JSON configuration
// file: pool endpoint, device/DAG policy, farm timeouts, and app-level
// settings such as log level.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Security is the transport security level for the pool connection.
type Security string

const (
	SecurityNone               Security = "none"
	SecurityTLS                Security = "tls"
	SecurityTLS12              Security = "tls12"
	SecurityTLSAllowSelfSigned Security = "tls-allow-selfsigned"
)

// Dialect selects which of the three wire-protocol dialects the pool
// speaks (§4.3 of the specification).
type Dialect string

const (
	DialectStratum          Dialect = "stratum"
	DialectEthproxy         Dialect = "ethproxy"
	DialectEthereumStratum  Dialect = "ethereum-stratum"
)

// PoolConfig describes the single active pool endpoint. A supervisor
// external to this module is responsible for swapping PoolConfig and
// calling connect/disconnect on failover; this type only describes one
// connection at a time.
type PoolConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	User     string   `json:"user"`
	Password string   `json:"password"`
	Email    string   `json:"email,omitempty"`
	Security Security `json:"security"`
	Dialect  Dialect  `json:"dialect"`
}

// DAGLoadMode selects how newly-initialized devices populate their DAG.
type DAGLoadMode string

const (
	DAGLoadParallel   DAGLoadMode = "parallel"
	DAGLoadSequential DAGLoadMode = "sequential"
	DAGLoadSingle     DAGLoadMode = "single"
)

// DeviceConfig selects which physical devices to mine on.
type DeviceConfig struct {
	Indices     []int       `json:"indices"`
	DAGLoadMode DAGLoadMode `json:"dagLoadMode"`
	// SingleLoadDeviceIndex names the designated DAG-generating device
	// when DAGLoadMode is "single"; defaults to Indices[0] (a zero value
	// counts as unset).
	SingleLoadDeviceIndex int `json:"singleLoadDeviceIndex"`
}

// FarmConfig holds the Session timers and failure policy.
// Response timeout is not configurable: §4.2 fixes it at 2s, enforced by
// the session package's responseTimeout constant.
type FarmConfig struct {
	WorkTimeoutSec     int  `json:"workTimeoutSec"`
	HashrateDebounceMs int  `json:"hashrateDebounceMs"`
	NoEval             bool `json:"noEval"`
	ExitOnError        bool `json:"exitOnError"`
}

// AppConfig holds general app settings.
type AppConfig struct {
	LogLevel string `json:"logLevel"`
}

type Config struct {
	Pool    PoolConfig   `json:"pool"`
	Devices DeviceConfig `json:"devices"`
	Farm    FarmConfig   `json:"farm"`
	App     AppConfig    `json:"app"`

	path string
	mu   sync.RWMutex
}

func Defaults() *Config {
	return &Config{
		Pool: PoolConfig{
			Host:     "127.0.0.1",
			Port:     3333,
			User:     "",
			Password: "x",
			Security: SecurityNone,
			Dialect:  DialectStratum,
		},
		Devices: DeviceConfig{
			Indices:     []int{0},
			DAGLoadMode: DAGLoadParallel,
		},
		Farm: FarmConfig{
			WorkTimeoutSec:     180,
			HashrateDebounceMs: 100,
			NoEval:             false,
			ExitOnError:        false,
		},
		App: AppConfig{
			LogLevel: "info",
		},
	}
}

func configDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("resolve symlinks: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), "data"), nil
}

// Load reads "<executable dir>/data/config.json", writing defaults on
// first run.
func Load() (*Config, error) {
	dir, err := configDir()
	if err != nil {
		return nil, fmt.Errorf("config dir: %w", err)
	}
	return LoadFrom(filepath.Join(dir, "config.json"))
}

// LoadFrom reads a config file at an explicit path, for tests and for
// callers that don't want the executable-relative default.
func LoadFrom(path string) (*Config, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	cfg := Defaults()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config tmp: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Pool.Host == "" {
		return fmt.Errorf("pool host is required")
	}
	if c.Pool.Port < 1 || c.Pool.Port > 65535 {
		return fmt.Errorf("invalid pool port: %d", c.Pool.Port)
	}
	switch c.Pool.Dialect {
	case DialectStratum, DialectEthproxy, DialectEthereumStratum:
	default:
		return fmt.Errorf("unknown dialect: %s", c.Pool.Dialect)
	}
	switch c.Pool.Security {
	case SecurityNone, SecurityTLS, SecurityTLS12, SecurityTLSAllowSelfSigned:
	default:
		return fmt.Errorf("unknown transport security level: %s", c.Pool.Security)
	}
	if len(c.Devices.Indices) == 0 {
		return fmt.Errorf("at least one device index is required")
	}
	switch c.Devices.DAGLoadMode {
	case DAGLoadParallel, DAGLoadSequential, DAGLoadSingle:
	default:
		return fmt.Errorf("unknown dag load mode: %s", c.Devices.DAGLoadMode)
	}
	if c.Farm.WorkTimeoutSec < 1 {
		return fmt.Errorf("work timeout must be at least 1 second")
	}
	return nil
}

func (c *Config) GetPath() string { return c.path }

func (c *Config) LogDir() string {
	return filepath.Join(filepath.Dir(c.path), "logs")
}
