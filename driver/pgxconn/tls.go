package pgxconn

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cookielab/pgclient/client"
)

// TLSOptions overrides the TLS settings of the connection string.
type TLSOptions struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// Enabled reports whether any option is set.
func (o TLSOptions) Enabled() bool {
	return o.CAFile != "" || o.CertFile != "" || o.KeyFile != "" || o.InsecureSkipVerify
}

// buildTLSConfig creates a TLS configuration for serverName.
func buildTLSConfig(opts TLSOptions, serverName string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}

	if opts.CAFile != "" {
		caCert, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, &client.ConnectionError{
				Code:      "TLS_CA_LOAD_FAILED",
				Type:      "CONNECTION_ERROR",
				Message:   fmt.Sprintf("failed to load CA certificate from %s", opts.CAFile),
				Details:   map[string]interface{}{"caFile": opts.CAFile},
				Cause:     err,
				Timestamp: time.Now(),
			}
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, &client.ConnectionError{
				Code:      "TLS_CA_INVALID",
				Type:      "CONNECTION_ERROR",
				Message:   "failed to parse CA certificate",
				Details:   map[string]interface{}{"caFile": opts.CAFile},
				Timestamp: time.Now(),
			}
		}
		tlsConfig.RootCAs = pool
	}

	if opts.CertFile != "" || opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, &client.ConnectionError{
				Code:    "TLS_CLIENT_CERT_FAILED",
				Type:    "CONNECTION_ERROR",
				Message: "failed to load client certificate and key",
				Details: map[string]interface{}{
					"certFile": opts.CertFile,
					"keyFile":  opts.KeyFile,
				},
				Cause:     err,
				Timestamp: time.Now(),
			}
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// tlsFailure maps common handshake failures to a code and a hint. ok is
// false when err does not look like a TLS failure.
func tlsFailure(err error) (code, message string, ok bool) {
	errStr := err.Error()

	switch {
	case strings.Contains(errStr, "certificate has expired"):
		return "TLS_CERT_EXPIRED", "server certificate has expired", true
	case strings.Contains(errStr, "certificate is not trusted"):
		return "TLS_CERT_UNTRUSTED", "server certificate is not trusted (set a CA file)", true
	case strings.Contains(errStr, "doesn't match"):
		return "TLS_HOSTNAME_MISMATCH", "server certificate hostname doesn't match connection address", true
	case strings.Contains(errStr, "unknown authority"):
		return "TLS_UNKNOWN_CA", "server certificate signed by unknown authority (set a CA file)", true
	case strings.Contains(errStr, "tls:"):
		return "TLS_HANDSHAKE_FAILED", "TLS handshake failed", true
	default:
		return "", "", false
	}
}
