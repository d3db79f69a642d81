package vpn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCode_ErrorKind(t *testing.T) {
	tests := []struct {
		code StatusCode
		want ErrorKind
	}{
		{StatusChildSAUp, ErrorNone},
		{StatusChildSADown, ErrorNone},
		{StatusAuthError, ErrorAuthFailed},
		{StatusPeerAuthError, ErrorPeerAuthFailed},
		{StatusLookupError, ErrorLookupFailed},
		{StatusUnreachableError, ErrorUnreachable},
		{StatusGenericError, ErrorGeneric},
		{StatusCode(42), ErrorNone},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.ErrorKind())
		})
	}
}

func TestSettingsWriter_RoundTrip(t *testing.T) {
	w := NewSettingsWriter()
	w.Set("a.b", `quote " and \ backslash`)
	w.Set("multi", "line1\nline2")
	w.SetInt("n", 7)
	w.SetBool("flag", true)
	w.Set("a.b", "replaced")

	text := w.Serialize()
	assert.Equal(t, "a.b = \"replaced\"\nmulti = \"line1\\nline2\"\nn = \"7\"\nflag = \"yes\"\n", text)

	got, err := ParseSettings(text)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"a.b":   "replaced",
		"multi": "line1\nline2",
		"n":     "7",
		"flag":  "yes",
	}, got)
}

func TestParseSettings_Invalid(t *testing.T) {
	_, err := ParseSettings("no separator here")
	assert.Error(t, err)
	_, err = ParseSettings(`k = unquoted`)
	assert.Error(t, err)
}

func TestBuildSettings(t *testing.T) {
	p := &Profile{
		Type:        TypeIKEv2EAP,
		Gateway:     "vpn.example.com",
		Username:    "alice",
		Password:    "s3cret",
		RemoteID:    "vpn.example.com",
		IKEProposal: "aes256-sha256-modp2048",
		Flags:       FlagSuppressCertReqs | FlagDisableOCSP | FlagStrictRevocation,
	}

	settings, err := ParseSettings(BuildSettings(p, SettingsOptions{Language: "en", DefaultMTU: 1400, NATKeepAlive: 20}))
	require.NoError(t, err)

	assert.Equal(t, "en", settings["global.language"])
	assert.Equal(t, "1400", settings["global.mtu"])
	assert.Equal(t, "20", settings["global.nat_keepalive"])
	assert.Equal(t, "no", settings["global.rsa_pss"])
	assert.Equal(t, "yes", settings["global.crl"])
	assert.Equal(t, "no", settings["global.ocsp"])
	assert.Equal(t, "ikev2-eap", settings["connection.type"])
	assert.Equal(t, "vpn.example.com", settings["connection.server"])
	assert.Equal(t, "500", settings["connection.port"])
	assert.Equal(t, "alice", settings["connection.username"])
	assert.Equal(t, "s3cret", settings["connection.password"])
	assert.Equal(t, "no", settings["connection.certreq"])
	assert.Equal(t, "yes", settings["connection.strict_revocation"])
	assert.Equal(t, "aes256-sha256-modp2048", settings["connection.ike_proposal"])
}

func TestBuildSettings_CertificateProfileHasNoCredentials(t *testing.T) {
	p := &Profile{Type: TypeIKEv2Cert, Gateway: "gw", Port: 4500, MTU: 1350, Username: "ignored"}

	settings, err := ParseSettings(BuildSettings(p, SettingsOptions{DefaultMTU: 1400}))
	require.NoError(t, err)

	_, hasUser := settings["connection.username"]
	assert.False(t, hasUser)
	assert.Equal(t, "4500", settings["connection.port"])
	assert.Equal(t, "1350", settings["global.mtu"])
}
