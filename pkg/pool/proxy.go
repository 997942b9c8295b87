// Proxy dialing: HTTP CONNECT, SOCKS4, and SOCKS5 upstream proxies behind
// one ProxyDial entry point that the pool's per-target Dialer calls once
// per pooled connection.
package pool

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	netproxy "golang.org/x/net/proxy"
	"go.uber.org/zap"

	"github.com/rpctransport/rpctransport/pkg/conn"
)

// ProxyConfig configures one upstream proxy hop.
type ProxyConfig struct {
	Type         string // "http", "https", "socks4", "socks5"
	Host         string
	Port         int
	Username     string
	Password     string
	ProxyHeaders map[string]string
	TLSConfig    *tls.Config
	ConnTimeout  time.Duration
}

func (p *ProxyConfig) addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// NewProxyDialer returns a Dialer that reaches every target through the
// given upstream proxy, completing the HTTP/2 client handshake on the
// proxied connection before handing it to the pool.
func NewProxyDialer(cfg *ProxyConfig, logger *zap.Logger) Dialer {
	return func(target string) (*conn.Connection, error) {
		nc, err := ProxyDial(context.Background(), cfg, target)
		if err != nil {
			return nil, err
		}
		c, err := conn.Dial(nc, logger)
		if err != nil {
			nc.Close()
			return nil, err
		}
		return c, nil
	}
}

// ProxyDial connects to targetAddr through the configured proxy.
func ProxyDial(ctx context.Context, proxy *ProxyConfig, targetAddr string) (net.Conn, error) {
	timeout := proxy.ConnTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	switch proxy.Type {
	case "http", "https":
		return connectViaHTTPProxy(ctx, proxy, targetAddr, timeout)
	case "socks4":
		return connectViaSOCKS4Proxy(ctx, proxy, targetAddr, timeout)
	case "socks5":
		return connectViaSOCKS5Proxy(ctx, proxy, targetAddr, timeout)
	default:
		return nil, fmt.Errorf("pool: unsupported proxy type %q", proxy.Type)
	}
}

func connectViaHTTPProxy(ctx context.Context, proxy *ProxyConfig, targetAddr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxy.addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}

	if proxy.Type == "https" {
		tlsConfig := proxy.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: proxy.Host}
		} else {
			tlsConfig = tlsConfig.Clone()
			if tlsConfig.ServerName == "" {
				tlsConfig.ServerName = proxy.Host
			}
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake to proxy failed: %w", err)
		}
		conn = tlsConn
	}

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nConnection: keep-alive\r\n", targetAddr, targetAddr)
	for key, value := range proxy.ProxyHeaders {
		connectReq += fmt.Sprintf("%s: %s\r\n", key, value)
	}
	if proxy.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		connectReq += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", auth)
	}
	connectReq += "\r\n"

	if _, err := conn.Write([]byte(connectReq)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT request: %w", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	if !strings.Contains(statusLine, " 200") {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", strings.TrimSpace(statusLine))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to read CONNECT response headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return conn, nil
}

// connectViaSOCKS4Proxy implements RFC 1928's predecessor: IPv4-only,
// DNS resolved locally, optional user-id field.
func connectViaSOCKS4Proxy(ctx context.Context, proxy *ProxyConfig, targetAddr string, timeout time.Duration) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid target address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("no IPv4 address found for %s (SOCKS4 requires IPv4): %w", host, err)
	}
	targetIP := ips[0].To4()

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxy.addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SOCKS4 proxy: %w", err)
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port & 0xFF)}
	req = append(req, targetIP...)
	if proxy.Username != "" {
		req = append(req, []byte(proxy.Username)...)
	}
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send SOCKS4 request: %w", err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read SOCKS4 response: %w", err)
	}
	if resp[1] != 0x5A {
		conn.Close()
		return nil, fmt.Errorf("SOCKS4 request failed: status 0x%02X", resp[1])
	}
	return conn, nil
}

// connectViaSOCKS5Proxy uses golang.org/x/net/proxy for RFC-compliant
// SOCKS5 (IPv4/IPv6, optional auth) rather than a manual reimplementation.
func connectViaSOCKS5Proxy(ctx context.Context, proxy *ProxyConfig, targetAddr string, timeout time.Duration) (net.Conn, error) {
	var auth *netproxy.Auth
	if proxy.Username != "" {
		auth = &netproxy.Auth{User: proxy.Username, Password: proxy.Password}
	}
	dialer, err := netproxy.SOCKS5("tcp", proxy.addr(), auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	if ctxDialer, ok := dialer.(netproxy.ContextDialer); ok {
		return ctxDialer.DialContext(ctx, "tcp", targetAddr)
	}
	return dialer.Dial("tcp", targetAddr)
}
