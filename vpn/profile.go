package vpn

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/iprange"
)

// Re-exported profile errors.
var (
	ErrProfileNotFound = common.ErrProfileNotFound
	ErrInvalidProfile  = common.ErrInvalidProfile
	ErrDuplicateName   = common.ErrDuplicateName
)

// VpnType selects the authentication scheme of a profile.
type VpnType string

const (
	TypeIKEv2EAP       VpnType = "ikev2-eap"
	TypeIKEv2Cert      VpnType = "ikev2-cert"
	TypeIKEv2CertEAP   VpnType = "ikev2-cert-eap"
	TypeIKEv2EAPTLS    VpnType = "ikev2-eap-tls"
	TypeIKEv2BYOD      VpnType = "ikev2-byod-eap"
	TypeOpenVPNTLS     VpnType = "openvpn-tls"
	defaultVpnType             = TypeIKEv2EAP
	defaultGatewayPort         = 500
)

// HasUsername reports whether the type authenticates with username and password.
func (t VpnType) HasUsername() bool {
	switch t {
	case TypeIKEv2EAP, TypeIKEv2CertEAP, TypeIKEv2BYOD, TypeOpenVPNTLS:
		return true
	}
	return false
}

// SplitTunnelFlags block traffic of a family outside the tunnel.
type SplitTunnelFlags int

const (
	SplitTunnelBlockIPv4 SplitTunnelFlags = 1 << iota
	SplitTunnelBlockIPv6
)

// Blocks reports whether traffic of f is blocked outside the tunnel.
func (f SplitTunnelFlags) Blocks(fam iprange.Family) bool {
	if fam == iprange.IPv4 {
		return f&SplitTunnelBlockIPv4 != 0
	}
	return f&SplitTunnelBlockIPv6 != 0
}

// ProfileFlags toggle engine behavior.
type ProfileFlags int

const (
	FlagSuppressCertReqs ProfileFlags = 1 << iota
	FlagDisableCRL
	FlagDisableOCSP
	FlagStrictRevocation
	FlagRSAPSS
)

// Has reports whether all bits of o are set.
func (f ProfileFlags) Has(o ProfileFlags) bool { return f&o == o }

// AppsHandling is the per-application routing policy.
type AppsHandling string

const (
	AppsDisabled AppsHandling = "disabled"
	AppsExclude  AppsHandling = "exclude"
	AppsOnly     AppsHandling = "only"
)

// Profile describes what to connect to. The orchestrator never mutates a
// profile it was handed; it works on a Clone.
type Profile struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	Type        VpnType `yaml:"type"`
	Gateway     string  `yaml:"gateway"`
	Port        int     `yaml:"port,omitempty"`
	Username    string  `yaml:"username,omitempty"`
	// Password is resolved from the keyring at connect time and never persisted.
	Password    string  `yaml:"-"`
	Certificate string  `yaml:"certificate,omitempty"`
	UserCert    string  `yaml:"user_certificate,omitempty"`
	LocalID     string  `yaml:"local_id,omitempty"`
	RemoteID    string  `yaml:"remote_id,omitempty"`
	IKEProposal string  `yaml:"ike_proposal,omitempty"`
	ESPProposal string  `yaml:"esp_proposal,omitempty"`
	// MTU of the tunnel interface; zero selects the configured default.
	MTU int `yaml:"mtu,omitempty"`
	// NATKeepAlive in seconds; zero keeps the engine default.
	NATKeepAlive int `yaml:"nat_keepalive,omitempty"`

	// IncludedSubnets and ExcludedSubnets use iprange.Parse syntax.
	IncludedSubnets string           `yaml:"included_subnets,omitempty"`
	ExcludedSubnets string           `yaml:"excluded_subnets,omitempty"`
	SplitTunneling  SplitTunnelFlags `yaml:"split_tunneling,omitempty"`
	SelectedApps    []string         `yaml:"selected_apps,omitempty"`
	AppsHandling    AppsHandling     `yaml:"apps_handling,omitempty"`
	Flags           ProfileFlags     `yaml:"flags,omitempty"`

	Created  time.Time `yaml:"created"`
	LastUsed time.Time `yaml:"last_used,omitempty"`
}

// Clone returns a deep copy of p.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.SelectedApps = slices.Clone(p.SelectedApps)
	return &c
}

// Validate checks if the profile has all required fields and parseable subnets.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if p.Gateway == "" {
		return fmt.Errorf("%w: gateway is required", ErrInvalidProfile)
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidProfile, p.Port)
	}
	if p.MTU != 0 && (p.MTU < common.MinMTU || p.MTU > common.MaxMTU) {
		return fmt.Errorf("%w: mtu %d out of range", ErrInvalidProfile, p.MTU)
	}
	if _, err := iprange.Parse(p.IncludedSubnets); err != nil {
		return fmt.Errorf("%w: included subnets: %v", ErrInvalidProfile, err)
	}
	if _, err := iprange.Parse(p.ExcludedSubnets); err != nil {
		return fmt.Errorf("%w: excluded subnets: %v", ErrInvalidProfile, err)
	}
	switch p.AppsHandling {
	case "", AppsDisabled, AppsExclude, AppsOnly:
	default:
		return fmt.Errorf("%w: unknown apps handling %q", ErrInvalidProfile, p.AppsHandling)
	}
	return nil
}

// GatewayPort returns the configured port or the IKE default.
func (p *Profile) GatewayPort() int {
	if p.Port == 0 {
		return defaultGatewayPort
	}
	return p.Port
}

// Server returns the "gateway:port" label shown to observers.
func (p *Profile) Server() string {
	if p == nil {
		return ""
	}
	if p.Port == 0 {
		return p.Gateway
	}
	return fmt.Sprintf("%s:%d", p.Gateway, p.Port)
}

// ProfileManager manages VPN profiles stored in a YAML file.
// It is safe for concurrent use.
type ProfileManager struct {
	mu         sync.RWMutex
	profiles   []*Profile
	configFile string
}

// NewProfileManager opens the profile file in the config directory.
func NewProfileManager() (*ProfileManager, error) {
	configDir, err := common.GetConfigDir()
	if err != nil {
		return nil, err
	}
	return OpenProfileManager(filepath.Join(configDir, common.ProfilesFileName))
}

// OpenProfileManager loads profiles from path. A missing file means no profiles yet.
func OpenProfileManager(path string) (*ProfileManager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	pm := &ProfileManager{
		profiles:   make([]*Profile, 0),
		configFile: path,
	}
	if err := pm.Load(); err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	return pm, nil
}

// Load loads profiles from the configuration file.
func (pm *ProfileManager) Load() error {
	data, err := os.ReadFile(pm.configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read profiles file: %w", err)
	}

	var profiles []*Profile
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return fmt.Errorf("failed to parse profiles file: %w", err)
	}

	pm.mu.Lock()
	pm.profiles = profiles
	pm.mu.Unlock()
	return nil
}

// saveLocked persists profiles. pm.mu must be held.
func (pm *ProfileManager) saveLocked() error {
	data, err := yaml.Marshal(&pm.profiles)
	if err != nil {
		return fmt.Errorf("failed to serialize profiles: %w", err)
	}

	if err := os.WriteFile(pm.configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write profiles file: %w", err)
	}

	return nil
}

// Add validates profile, assigns an ID if missing and persists it.
func (pm *ProfileManager) Add(profile *Profile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, p := range pm.profiles {
		if strings.EqualFold(p.Name, profile.Name) {
			return fmt.Errorf("%w: %s", ErrDuplicateName, profile.Name)
		}
	}

	p := profile.Clone()
	p.Password = ""
	if p.ID == "" {
		p.ID = common.GenerateID()
	}
	if p.Type == "" {
		p.Type = defaultVpnType
	}
	p.Created = time.Now()
	pm.profiles = append(pm.profiles, p)
	profile.ID = p.ID

	return pm.saveLocked()
}

// Import adds every profile of a YAML list file and returns how many were added.
func (pm *ProfileManager) Import(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var profiles []*Profile
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for i, p := range profiles {
		if err := pm.Add(p); err != nil {
			return i, err
		}
	}
	return len(profiles), nil
}

// Remove removes a profile by ID.
func (pm *ProfileManager) Remove(id string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for i, profile := range pm.profiles {
		if profile.ID == id {
			pm.profiles = append(pm.profiles[:i], pm.profiles[i+1:]...)
			return pm.saveLocked()
		}
	}
	return ErrProfileNotFound
}

// Get retrieves a copy of the profile with the given ID.
func (pm *ProfileManager) Get(id string) (*Profile, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for _, profile := range pm.profiles {
		if profile.ID == id {
			return profile.Clone(), nil
		}
	}
	return nil, ErrProfileNotFound
}

// GetByName retrieves a copy of the profile with the given name.
func (pm *ProfileManager) GetByName(name string) (*Profile, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for _, profile := range pm.profiles {
		if profile.Name == name {
			return profile.Clone(), nil
		}
	}
	return nil, ErrProfileNotFound
}

// List returns copies of all profiles.
func (pm *ProfileManager) List() []*Profile {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]*Profile, 0, len(pm.profiles))
	for _, p := range pm.profiles {
		out = append(out, p.Clone())
	}
	return out
}

// MarkUsed updates the LastUsed timestamp for a profile.
func (pm *ProfileManager) MarkUsed(id string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, p := range pm.profiles {
		if p.ID == id {
			p.LastUsed = time.Now()
			return pm.saveLocked()
		}
	}
	return ErrProfileNotFound
}
