package vpn

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// StatusCode is a status reported by the native engine.
type StatusCode int

const (
	StatusChildSAUp        StatusCode = 1
	StatusChildSADown      StatusCode = 2
	StatusAuthError        StatusCode = 3
	StatusPeerAuthError    StatusCode = 4
	StatusLookupError      StatusCode = 5
	StatusUnreachableError StatusCode = 6
	StatusGenericError     StatusCode = 7
)

// String implements fmt.Stringer.
func (c StatusCode) String() string {
	switch c {
	case StatusChildSAUp:
		return "child-sa-up"
	case StatusChildSADown:
		return "child-sa-down"
	case StatusAuthError:
		return "auth-error"
	case StatusPeerAuthError:
		return "peer-auth-error"
	case StatusLookupError:
		return "lookup-error"
	case StatusUnreachableError:
		return "unreachable-error"
	case StatusGenericError:
		return "generic-error"
	default:
		return fmt.Sprintf("status(%d)", int(c))
	}
}

// ErrorKind returns the error carried by c, or ErrorNone for the SA codes.
func (c StatusCode) ErrorKind() ErrorKind {
	switch c {
	case StatusAuthError:
		return ErrorAuthFailed
	case StatusPeerAuthError:
		return ErrorPeerAuthFailed
	case StatusLookupError:
		return ErrorLookupFailed
	case StatusUnreachableError:
		return ErrorUnreachable
	case StatusGenericError:
		return ErrorGeneric
	default:
		return ErrorNone
	}
}

// TunnelHandle is a live tunnel interface.
type TunnelHandle interface {
	Name() string
	Close() error
}

// Establisher turns a TunnelInterfaceSpec into a live interface.
type Establisher interface {
	Establish(spec TunnelInterfaceSpec) (TunnelHandle, error)
}

// InterfaceBuilder is the surface the engine uses to describe and bring up
// the tunnel interface during a handshake.
type InterfaceBuilder interface {
	AddAddress(p netip.Prefix) error
	AddRoute(p netip.Prefix) error
	AddDNSServer(a netip.Addr) error
	AddSearchDomain(d string) error
	SetMTU(mtu int) error
	Establish() (TunnelHandle, error)
	EstablishNoDNS() (TunnelHandle, error)
}

// EngineEvents receives asynchronous reports from the engine. Calls may come
// from any goroutine.
type EngineEvents interface {
	UpdateStatus(code StatusCode)
	UpdateImcState(state ImcState)
	AddRemediationInstruction(text string)
}

// EngineConfig is handed to Engine.Start for one connection attempt.
type EngineConfig struct {
	// Settings is the serialized profile, see SettingsWriter.
	Settings string
	Builder  InterfaceBuilder
	Events   EngineEvents
}

// Engine is the native tunnel engine control surface. Start and Stop may
// block; they are only called from the TunnelController goroutine and never
// overlap.
type Engine interface {
	Start(cfg EngineConfig) error
	Stop()
}

// SettingsWriter serializes engine settings as `key = "value"` lines.
type SettingsWriter struct {
	keys   []string
	values map[string]string
}

// NewSettingsWriter returns an empty writer.
func NewSettingsWriter() *SettingsWriter {
	return &SettingsWriter{values: make(map[string]string)}
}

// Set stores value under key. Setting a key again replaces its value but
// keeps its original position.
func (w *SettingsWriter) Set(key, value string) *SettingsWriter {
	if _, ok := w.values[key]; !ok {
		w.keys = append(w.keys, key)
	}
	w.values[key] = value
	return w
}

// SetInt stores an integer value.
func (w *SettingsWriter) SetInt(key string, v int) *SettingsWriter {
	return w.Set(key, strconv.Itoa(v))
}

// SetBool stores "yes" or "no".
func (w *SettingsWriter) SetBool(key string, v bool) *SettingsWriter {
	if v {
		return w.Set(key, "yes")
	}
	return w.Set(key, "no")
}

// Serialize renders the settings in insertion order.
func (w *SettingsWriter) Serialize() string {
	var b strings.Builder
	for _, k := range w.keys {
		b.WriteString(k)
		b.WriteString(" = ")
		b.WriteString(strconv.Quote(w.values[k]))
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseSettings reads the output of Serialize back into a map.
func ParseSettings(text string) (map[string]string, error) {
	out := make(map[string]string)
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, raw, ok := strings.Cut(line, " = ")
		if !ok {
			return nil, fmt.Errorf("line %d: missing separator", i+1)
		}
		v, err := strconv.Unquote(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		out[key] = v
	}
	return out, nil
}

// SettingsOptions are the global values not carried by the profile.
type SettingsOptions struct {
	Language     string
	DefaultMTU   int
	NATKeepAlive int
}

// BuildSettings serializes the profile for the engine. The password must
// already be resolved.
func BuildSettings(p *Profile, opts SettingsOptions) string {
	mtu := p.MTU
	if mtu == 0 {
		mtu = opts.DefaultMTU
	}
	keepalive := p.NATKeepAlive
	if keepalive == 0 {
		keepalive = opts.NATKeepAlive
	}
	typ := p.Type
	if typ == "" {
		typ = defaultVpnType
	}

	w := NewSettingsWriter()
	w.Set("global.language", opts.Language)
	w.SetInt("global.mtu", mtu)
	w.SetInt("global.nat_keepalive", keepalive)
	w.SetBool("global.rsa_pss", p.Flags.Has(FlagRSAPSS))
	w.SetBool("global.crl", !p.Flags.Has(FlagDisableCRL))
	w.SetBool("global.ocsp", !p.Flags.Has(FlagDisableOCSP))
	w.Set("connection.type", string(typ))
	w.Set("connection.server", p.Gateway)
	w.SetInt("connection.port", p.GatewayPort())
	if typ.HasUsername() {
		w.Set("connection.username", p.Username)
		w.Set("connection.password", p.Password)
	}
	w.Set("connection.local_id", p.LocalID)
	w.Set("connection.remote_id", p.RemoteID)
	w.SetBool("connection.certreq", !p.Flags.Has(FlagSuppressCertReqs))
	w.SetBool("connection.strict_revocation", p.Flags.Has(FlagStrictRevocation))
	w.Set("connection.ike_proposal", p.IKEProposal)
	w.Set("connection.esp_proposal", p.ESPProposal)
	return w.Serialize()
}
