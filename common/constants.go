package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "VPN Orchestrator"
	// ConfigDirName is the name of the configuration and data directories.
	ConfigDirName = "vpn-orchestrator"
	// KeyringService is the service name used for secrets in the system keyring.
	KeyringService = "vpn-orchestrator"
)

// File names used by the application.
const (
	ProfilesFileName    = "profiles.yaml"
	ConfigFileName      = "config.yaml"
	CredentialsFileName = ".credentials"
	StateDBFileName     = "state.db"
	LogFileName         = "vpn-orchestrator.log"
)

// Retry and timing defaults.
const (
	// RetryTickInterval is how often the retry countdown is published.
	RetryTickInterval = 1 * time.Second
	// MaxRetryInterval caps every retry delay.
	MaxRetryInterval = 120 * time.Second
	// EngineStopTimeout bounds how long a native engine may take to exit.
	EngineStopTimeout = 5 * time.Second
	// ProbeInterval is the default period of the TCP connectivity probe.
	ProbeInterval = 30 * time.Second
	// ProbeTimeout bounds a single probe dial.
	ProbeTimeout = 5 * time.Second
)

// Tunnel defaults.
const (
	// DefaultMTU applies when a profile does not carry its own MTU.
	DefaultMTU = 1400
	// MinMTU is the smallest MTU accepted for an IPv6-capable tunnel.
	MinMTU = 1280
	// MaxMTU is the largest MTU accepted.
	MaxMTU = 1500
	// DefaultInterfaceName is the TUN device name requested from the kernel.
	DefaultInterfaceName = "vpnorch0"
)

// Connectivity backends.
const (
	BackendAuto           = "auto"
	BackendNetlink        = "netlink"
	BackendNetworkManager = "networkmanager"
	BackendProbe          = "probe"
	BackendNone           = "none"
)
