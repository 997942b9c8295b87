// Package credentials wraps channel and server root/chain/key material
// into TransportCredentials the TLS transport consumes, keeping credential
// construction separate from the connection that uses it.
package credentials

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/rpctransport/rpctransport/pkg/errors"
	"github.com/rpctransport/rpctransport/pkg/tlsconfig"
)

// alpnH2 is the only protocol this transport negotiates.
const alpnH2 = "h2"

// TransportCredentials produces a *tls.Config suited to one side of a
// handshake (client or server), with ALPN pinned to "h2".
type TransportCredentials interface {
	// ClientConfig returns a config for dialing serverName.
	ClientConfig(serverName string) (*tls.Config, error)
	// ServerConfig returns a config for accepting connections.
	ServerConfig() (*tls.Config, error)
}

// tlsCredentials is the concrete TransportCredentials backing both
// NewTLSCredentials (client) and NewServerTLSCredentials (server).
type tlsCredentials struct {
	rootCAs        *x509.CertPool
	certificates   []tls.Certificate
	clientCAs      *x509.CertPool
	requireClients bool
	insecureSkip   bool
}

// Option configures a TransportCredentials at construction time.
type Option func(*tlsCredentials)

// WithRootPEM loads trusted root certificates from PEM-encoded data
// instead of the system pool.
func WithRootPEM(pem []byte) Option {
	return func(c *tlsCredentials) {
		if c.rootCAs == nil {
			c.rootCAs = x509.NewCertPool()
		}
		c.rootCAs.AppendCertsFromPEM(pem)
	}
}

// WithKeyPair loads a client or server certificate/key pair for mutual
// TLS.
func WithKeyPair(certPEM, keyPEM []byte) Option {
	return func(c *tlsCredentials) {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err == nil {
			c.certificates = append(c.certificates, cert)
		}
	}
}

// WithClientCAs pins the set of CAs a server-side credential will accept
// client certificates from, and requires clients to present one.
func WithClientCAs(pem []byte) Option {
	return func(c *tlsCredentials) {
		c.clientCAs = x509.NewCertPool()
		c.clientCAs.AppendCertsFromPEM(pem)
		c.requireClients = true
	}
}

// WithInsecureSkipVerify disables certificate verification. Intended for
// tests only; never enable in production credentials.
func WithInsecureSkipVerify() Option {
	return func(c *tlsCredentials) { c.insecureSkip = true }
}

// NewTLSCredentials builds client-side TransportCredentials: TLSv1.2
// minimum, optional root PEM (falling back to the system pool), optional
// client cert/key pair for mTLS, ALPN pinned to h2.
func NewTLSCredentials(opts ...Option) (TransportCredentials, error) {
	c := &tlsCredentials{}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewServerTLSCredentials builds server-side TransportCredentials: requires
// a certificate/key pair, TLSv1.2 minimum, optional client-CA pinning.
func NewServerTLSCredentials(certPEM, keyPEM []byte, opts ...Option) (TransportCredentials, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.NewTLSError("", 0, err)
	}
	c := &tlsCredentials{certificates: []tls.Certificate{cert}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *tlsCredentials) ClientConfig(serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tlsconfig.VersionTLS12,
		ServerName:         serverName,
		RootCAs:            c.rootCAs,
		Certificates:       c.certificates,
		NextProtos:         []string{alpnH2},
		InsecureSkipVerify: c.insecureSkip,
	}
	tlsconfig.ApplyCipherSuites(cfg, cfg.MinVersion)
	return cfg, nil
}

func (c *tlsCredentials) ServerConfig() (*tls.Config, error) {
	if len(c.certificates) == 0 {
		return nil, errors.NewValidationError("server credentials require a certificate/key pair")
	}
	cfg := &tls.Config{
		MinVersion:   tlsconfig.VersionTLS12,
		Certificates: c.certificates,
		NextProtos:   []string{alpnH2},
	}
	if c.clientCAs != nil {
		cfg.ClientCAs = c.clientCAs
		if c.requireClients {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	tlsconfig.ApplyCipherSuites(cfg, cfg.MinVersion)
	return cfg, nil
}

// VerifyNegotiatedALPN checks a completed handshake's negotiated protocol
// against "h2". Anything else means the peer is not speaking HTTP/2 and
// the connection must be torn down before any frame is exchanged.
func VerifyNegotiatedALPN(state tls.ConnectionState) error {
	if state.NegotiatedProtocol != alpnH2 {
		return errors.NewTLSError("", 0, errors.NewValidationError(
			"peer did not negotiate h2 (got "+state.NegotiatedProtocol+")"))
	}
	return nil
}
