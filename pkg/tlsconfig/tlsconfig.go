// Package tlsconfig provides the TLS version and cipher-suite policy for
// the transport. HTTP/2 requires TLS 1.2 or newer, so nothing below
// VersionTLS12 is offered.
package tlsconfig

import "crypto/tls"

const (
	// VersionTLS12 is the minimum version the transport accepts.
	VersionTLS12 uint16 = tls.VersionTLS12

	// VersionTLS13 is preferred when both peers support it.
	VersionTLS13 uint16 = tls.VersionTLS13
)

// VersionProfile is a pre-configured min/max version range.
type VersionProfile struct {
	Min         uint16
	Max         uint16
	Description string
}

var (
	// ProfileModern pins both sides to TLS 1.3.
	ProfileModern = VersionProfile{
		Min:         VersionTLS13,
		Max:         VersionTLS13,
		Description: "TLS 1.3 only",
	}

	// ProfileSecure allows TLS 1.2 and 1.3, the transport's default.
	ProfileSecure = VersionProfile{
		Min:         VersionTLS12,
		Max:         VersionTLS13,
		Description: "TLS 1.2+",
	}
)

// CipherSuitesTLS12 lists the ECDHE+AEAD suites offered under TLS 1.2.
// TLS 1.3 suites are fixed by the standard library and
// not configurable.
var CipherSuitesTLS12 = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// GetVersionName returns the human-readable name for a TLS version.
func GetVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}

// IsVersionDeprecated reports whether version is below the transport's
// TLS 1.2 floor.
func IsVersionDeprecated(version uint16) bool {
	return version < VersionTLS12
}

// ApplyVersionProfile applies a version profile to config.
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
}

// ApplyCipherSuites installs the suite list matching minVersion. At TLS 1.3
// the standard library ignores CipherSuites, so it is left nil.
func ApplyCipherSuites(config *tls.Config, minVersion uint16) {
	if minVersion >= VersionTLS13 {
		config.CipherSuites = nil
		return
	}
	config.CipherSuites = CipherSuitesTLS12
}
