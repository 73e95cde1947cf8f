// Package identity loads the agent's mTLS client key/certificate and
// exposes the agent identifier derived from the certificate subject's
// CN, as a reusable capability rather than inlined into a single dial
// call.
package identity

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	credentialDirName = ".mtls"
	keyFileName       = "client.key"
	certFileName      = "client.crt"
)

// Trust loads the client key/certificate pair once and serves both the
// agent identifier (cached after first use) and a tls.Config suitable for
// mTLS dialing to the cloud controller.
type Trust struct {
	cert tls.Certificate
	leaf *x509.Certificate

	mu sync.Mutex
	id string
}

// Load reads the client key and certificate from dir (typically
// ~/.mtls). Fails fast if either file is absent, unreadable, or the
// resulting certificate's subject CN is empty.
func Load(dir string) (*Trust, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, credentialDirName)
	}

	keyPath := filepath.Join(dir, keyFileName)
	certPath := filepath.Join(dir, certFileName)

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load client key pair (%s, %s): %w", certPath, keyPath, err)
	}

	leaf := cert.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parse client certificate %s: %w", certPath, err)
		}
	}

	if leaf.Subject.CommonName == "" {
		return nil, fmt.Errorf("client certificate %s has an empty subject CN", certPath)
	}

	return &Trust{cert: cert, leaf: leaf}, nil
}

// AgentID returns the agent identifier parsed from the certificate's
// subject CN, computed once and cached for the process lifetime.
func (t *Trust) AgentID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.id == "" {
		t.id = t.leaf.Subject.CommonName
	}
	return t.id
}

// ClientTLSConfig returns a tls.Config configured for mutual
// authentication with the cloud endpoint: TLS 1.2 minimum, the loaded
// client certificate presented, and server chain + hostname verification
// left enabled (no InsecureSkipVerify).
func (t *Trust) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{t.cert},
		MinVersion:   tls.VersionTLS12,
	}
}
