package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// selfSignedPEM generates a throwaway cert/key pair valid for 127.0.0.1.
func selfSignedPEM(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestVerifyNegotiatedALPN(t *testing.T) {
	require.NoError(t, VerifyNegotiatedALPN(tls.ConnectionState{NegotiatedProtocol: "h2"}))
	require.Error(t, VerifyNegotiatedALPN(tls.ConnectionState{NegotiatedProtocol: ""}))
	require.Error(t, VerifyNegotiatedALPN(tls.ConnectionState{NegotiatedProtocol: "http/1.1"}))
}

func TestServerConfigRequiresKeyPair(t *testing.T) {
	creds, err := NewTLSCredentials()
	require.NoError(t, err)
	_, err = creds.ServerConfig()
	require.Error(t, err)
}

// A full loopback handshake between the client and server credentials must
// land on ALPN "h2" on both sides.
func TestHandshakeNegotiatesH2(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t)

	serverCreds, err := NewServerTLSCredentials(certPEM, keyPEM)
	require.NoError(t, err)
	serverCfg, err := serverCreds.ServerConfig()
	require.NoError(t, err)

	clientCreds, err := NewTLSCredentials(WithRootPEM(certPEM))
	require.NoError(t, err)
	clientCfg, err := clientCreds.ClientConfig("localhost")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srvDone := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			srvDone <- err
			return
		}
		tc := tls.Server(nc, serverCfg)
		if err := tc.Handshake(); err != nil {
			srvDone <- err
			return
		}
		srvDone <- VerifyNegotiatedALPN(tc.ConnectionState())
		tc.Close()
	}()

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	tc := tls.Client(nc, clientCfg)
	require.NoError(t, tc.Handshake())
	require.NoError(t, VerifyNegotiatedALPN(tc.ConnectionState()))
	tc.Close()

	require.NoError(t, <-srvDone)
}

// A peer that does not offer h2 fails the handshake before any HTTP/2
// frame can be exchanged.
func TestHandshakeRejectsNonH2Peer(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t)
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	// A server that only speaks HTTP/1.1 over TLS.
	serverCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
	}

	clientCreds, err := NewTLSCredentials(WithRootPEM(certPEM))
	require.NoError(t, err)
	clientCfg, err := clientCreds.ClientConfig("localhost")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		tls.Server(nc, serverCfg).Handshake()
		nc.Close()
	}()

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	tc := tls.Client(nc, clientCfg)
	require.Error(t, tc.Handshake())
}
