// Package config provides configuration management for the orchestrator.
// It handles loading, validating and saving the YAML settings file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/vpn-orchestrator/common"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	Tunnel        TunnelConfig        `yaml:"tunnel"`
	Engine        EngineConfig        `yaml:"engine"`
	Retry         RetryConfig         `yaml:"retry"`
	Connectivity  ConnectivityConfig  `yaml:"connectivity"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Restore       RestoreConfig       `yaml:"restore"`
	Notifications NotificationsConfig `yaml:"notifications"`
	// StateDir holds the restart state database. Empty selects the data directory.
	StateDir string `yaml:"state_dir,omitempty"`
}

// TunnelConfig holds defaults for the tunnel interface.
type TunnelConfig struct {
	// DefaultMTU applies to profiles that do not set an MTU.
	DefaultMTU int `yaml:"default_mtu"`
	// InterfaceName is the TUN device name requested from the kernel.
	InterfaceName string `yaml:"interface_name"`
	// NATKeepAlive overrides the engine keepalive when a profile has none. Zero keeps the engine default.
	NATKeepAlive time.Duration `yaml:"nat_keepalive"`
}

// EngineConfig describes the native engine helper process.
type EngineConfig struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args,omitempty"`
	UsePkexec   bool          `yaml:"use_pkexec"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
	// Language is passed to the engine for localized remediation text.
	Language string `yaml:"language"`
}

// RetryConfig is the retry policy table.
type RetryConfig struct {
	MaxInterval  time.Duration `yaml:"max_interval"`
	TickInterval time.Duration `yaml:"tick_interval"`
	Base         RetryBases    `yaml:"base"`
	// RetrySessionErrors keeps session-in-use and max-sessions errors on the
	// generic retry path. When false they stop like auth failures.
	RetrySessionErrors bool `yaml:"retry_session_errors"`
}

// RetryBases are the per error kind base delays.
type RetryBases struct {
	AuthFailed     time.Duration `yaml:"auth_failed"`
	PeerAuthFailed time.Duration `yaml:"peer_auth_failed"`
	LookupFailed   time.Duration `yaml:"lookup_failed"`
	Unreachable    time.Duration `yaml:"unreachable"`
	Default        time.Duration `yaml:"default"`
}

// ConnectivityConfig selects the network change source.
type ConnectivityConfig struct {
	// Backend is one of auto, netlink, networkmanager, probe or none.
	Backend          string        `yaml:"backend"`
	ProbeHosts       []string      `yaml:"probe_hosts,omitempty"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// LoggingConfig configures common.InitLogger.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	File          bool   `yaml:"file"`
	MaxFileSizeMB int    `yaml:"max_file_size_mb"`
	MaxBackups    int    `yaml:"max_backups"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP listen address, e.g. "127.0.0.1:9187". Empty disables metrics.
	Listen string `yaml:"listen"`
}

// RestoreConfig controls resuming the previous connection after a restart.
type RestoreConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NotificationsConfig controls desktop notifications for connection events.
type NotificationsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Tunnel: TunnelConfig{
			DefaultMTU:    common.DefaultMTU,
			InterfaceName: common.DefaultInterfaceName,
		},
		Engine: EngineConfig{
			Command:     "/usr/libexec/vpn-orchestrator/charon-helper",
			StopTimeout: common.EngineStopTimeout,
			Language:    "en",
		},
		Retry: RetryConfig{
			MaxInterval:  common.MaxRetryInterval,
			TickInterval: common.RetryTickInterval,
			Base: RetryBases{
				AuthFailed:     10 * time.Second,
				PeerAuthFailed: 5 * time.Second,
				LookupFailed:   5 * time.Second,
				Unreachable:    5 * time.Second,
				Default:        10 * time.Second,
			},
			RetrySessionErrors: true,
		},
		Connectivity: ConnectivityConfig{
			Backend:          common.BackendAuto,
			ProbeHosts:       []string{"1.1.1.1:443", "8.8.8.8:53", "9.9.9.9:53"},
			ProbeInterval:    common.ProbeInterval,
			ProbeTimeout:     common.ProbeTimeout,
			FailureThreshold: 3,
		},
		Logging: LoggingConfig{
			Level:         "info",
			File:          true,
			MaxFileSizeMB: 5,
			MaxBackups:    5,
		},
		Restore:       RestoreConfig{Enabled: true},
		Notifications: NotificationsConfig{Enabled: true},
	}
}

// Load loads the configuration from the default config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from path, writing defaults there if the
// file does not exist yet.
func LoadFrom(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveTo(configPath); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	// Sections missing from the file keep their defaults.
	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: error parsing %s: %v", common.ErrConfigLoad, configPath, err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}

	return config, nil
}

// validate clamps out-of-range values back to defaults and rejects values
// that cannot be repaired.
func (c *Config) validate() error {
	def := DefaultConfig()

	if c.Tunnel.DefaultMTU < common.MinMTU || c.Tunnel.DefaultMTU > common.MaxMTU {
		c.Tunnel.DefaultMTU = def.Tunnel.DefaultMTU
	}
	if c.Tunnel.InterfaceName == "" {
		c.Tunnel.InterfaceName = def.Tunnel.InterfaceName
	}
	if len(c.Tunnel.InterfaceName) > 15 {
		return fmt.Errorf("interface name %q longer than 15 bytes", c.Tunnel.InterfaceName)
	}
	if c.Tunnel.NATKeepAlive < 0 {
		c.Tunnel.NATKeepAlive = 0
	}

	if c.Engine.StopTimeout <= 0 {
		c.Engine.StopTimeout = def.Engine.StopTimeout
	}

	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = def.Retry.MaxInterval
	}
	if c.Retry.TickInterval <= 0 || c.Retry.TickInterval > c.Retry.MaxInterval {
		c.Retry.TickInterval = def.Retry.TickInterval
	}
	fixBase(&c.Retry.Base.AuthFailed, def.Retry.Base.AuthFailed)
	fixBase(&c.Retry.Base.PeerAuthFailed, def.Retry.Base.PeerAuthFailed)
	fixBase(&c.Retry.Base.LookupFailed, def.Retry.Base.LookupFailed)
	fixBase(&c.Retry.Base.Unreachable, def.Retry.Base.Unreachable)
	fixBase(&c.Retry.Base.Default, def.Retry.Base.Default)

	switch c.Connectivity.Backend {
	case common.BackendAuto, common.BackendNetlink, common.BackendNetworkManager,
		common.BackendProbe, common.BackendNone:
	case "":
		c.Connectivity.Backend = common.BackendAuto
	default:
		return fmt.Errorf("unknown connectivity backend %q", c.Connectivity.Backend)
	}
	if c.Connectivity.ProbeInterval <= 0 {
		c.Connectivity.ProbeInterval = def.Connectivity.ProbeInterval
	}
	if c.Connectivity.ProbeTimeout <= 0 {
		c.Connectivity.ProbeTimeout = def.Connectivity.ProbeTimeout
	}
	if c.Connectivity.FailureThreshold <= 0 {
		c.Connectivity.FailureThreshold = def.Connectivity.FailureThreshold
	}
	if len(c.Connectivity.ProbeHosts) == 0 {
		c.Connectivity.ProbeHosts = def.Connectivity.ProbeHosts
	}

	if c.Logging.MaxFileSizeMB <= 0 {
		c.Logging.MaxFileSizeMB = def.Logging.MaxFileSizeMB
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = def.Logging.MaxBackups
	}
	return nil
}

func fixBase(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Save saves the configuration to the default config file.
func (c *Config) Save() error {
	configPath, err := DefaultPath()
	if err != nil {
		return err
	}
	return c.SaveTo(configPath)
}

// SaveTo writes the configuration to path.
func (c *Config) SaveTo(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("%w: error creating config directory: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: error serializing configuration: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	return nil
}

// StatePath returns the restart state database path.
func (c *Config) StatePath() (string, error) {
	dir := c.StateDir
	if dir == "" {
		d, err := common.GetDataDir()
		if err != nil {
			return "", err
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return filepath.Join(dir, common.StateDBFileName), nil
}

// DefaultPath returns ~/.config/vpn-orchestrator/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", common.ConfigDirName, common.ConfigFileName), nil
}
