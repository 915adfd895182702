// Package pki bootstraps the commander's private certificate hierarchy: a
// self-signed CA plus leaf certificates for the agent-facing TLS listener and
// the HTTPS control plane. Certificates live as PEM files under <base>/pki so
// operators can distribute the CA to agents out of band.
package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	caCertFile     = "commander-ca.pem"
	caKeyFile      = "commander-ca-key.pem"
	serverCertFile = "server-cert.pem"
	serverKeyFile  = "server-key.pem"
	apiCertFile    = "api-cert.pem"
	apiKeyFile     = "api-key.pem"

	caValidity   = 5 * 365 * 24 * time.Hour
	leafValidity = 2 * 365 * 24 * time.Hour

	// ServerName is the SAN agents are expected to verify against.
	ServerName = "commander"
)

// ErrPermission reports that the PKI base directory is missing or not
// writable. The commander treats this as a fatal startup error.
var ErrPermission = errors.New("pki: base directory missing or not writable")

// Material is the loaded certificate hierarchy.
type Material struct {
	caCert *x509.Certificate
	caPool *x509.CertPool

	serverCert tls.Certificate
	apiCert    tls.Certificate
}

// ServerTLSConfig returns the TLS config for the agent-facing listener.
func (m *Material) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{m.serverCert},
		MinVersion:   tls.VersionTLS12,
	}
}

// APITLSConfig returns the TLS config for the HTTPS control plane.
func (m *Material) APITLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{m.apiCert},
		MinVersion:   tls.VersionTLS12,
	}
}

// CAPool returns a pool holding only the commander CA, for agents verifying
// the server.
func (m *Material) CAPool() *x509.CertPool {
	return m.caPool
}

// CACertPath returns the path of the CA certificate under base.
func CACertPath(base string) string {
	return filepath.Join(base, "pki", caCertFile)
}

// Init ensures the hierarchy under <base>/pki exists and loads it. Missing
// pieces are generated; existing files are reused, so repeated startups keep
// serving the same CA. Returns ErrPermission when base is unusable.
func Init(base string, log *zap.Logger) (*Material, error) {
	if err := checkWritable(base); err != nil {
		return nil, err
	}
	dir := filepath.Join(base, "pki")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("pki: create %s: %w", dir, err)
	}

	caCert, caKey, err := ensureCA(dir, log)
	if err != nil {
		return nil, err
	}

	serverCert, err := ensureLeaf(dir, serverCertFile, serverKeyFile, "Commander Server", caCert, caKey, log)
	if err != nil {
		return nil, err
	}
	apiCert, err := ensureLeaf(dir, apiCertFile, apiKeyFile, "Commander API", caCert, caKey, log)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &Material{
		caCert:     caCert,
		caPool:     pool,
		serverCert: serverCert,
		apiCert:    apiCert,
	}, nil
}

// AgentTLSConfig builds the client-side TLS config. With a CA file the server
// certificate is verified against it under the canonical server name; without
// one verification is disabled and the caller is expected to have warned.
func AgentTLSConfig(caFile string) (*tls.Config, error) {
	if caFile == "" {
		return &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		}, nil
	}
	pemBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("pki: read CA %s: %w", caFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("pki: %s contains no usable certificates", caFile)
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: ServerName,
		MinVersion: tls.VersionTLS12,
	}, nil
}

func checkWritable(base string) error {
	info, err := os.Stat(base)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrPermission, base)
	}
	probe, err := os.CreateTemp(base, ".pki-probe-*")
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPermission, base)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return nil
}

func ensureCA(dir string, log *zap.Logger) (*x509.Certificate, *rsa.PrivateKey, error) {
	certPath := filepath.Join(dir, caCertFile)
	keyPath := filepath.Join(dir, caKeyFile)

	if fileExists(certPath) && fileExists(keyPath) {
		return loadCA(certPath, keyPath)
	}

	log.Info("generating commander CA", zap.String("path", certPath))
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         "Commander CA",
			Organization:       []string{"Bot-Commander"},
			OrganizationalUnit: []string{"Commander"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(caValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: create CA certificate: %w", err)
	}
	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return nil, nil, err
	}
	if err := writePEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0o600); err != nil {
		return nil, nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: parse generated CA: %w", err)
	}
	return cert, key, nil
}

func ensureLeaf(dir, certFile, keyFile, cn string, caCert *x509.Certificate, caKey *rsa.PrivateKey, log *zap.Logger) (tls.Certificate, error) {
	certPath := filepath.Join(dir, certFile)
	keyPath := filepath.Join(dir, keyFile)

	if fileExists(certPath) && fileExists(keyPath) {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("pki: load %s: %w", certFile, err)
		}
		return cert, nil
	}

	log.Info("issuing leaf certificate", zap.String("cn", cn), zap.String("path", certPath))
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("pki: generate key for %s: %w", cn, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{"Bot-Commander"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{ServerName, "localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("pki: issue %s: %w", cn, err)
	}
	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return tls.Certificate{}, err
	}
	if err := writePEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0o600); err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("pki: load issued %s: %w", certFile, err)
	}
	return cert, nil
}

func loadCA(certPath, keyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: read %s: %w", certPath, err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, fmt.Errorf("pki: %s is not a PEM certificate", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: parse %s: %w", certPath, err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: read %s: %w", keyPath, err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("pki: %s is not a PEM key", keyPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: parse %s: %w", keyPath, err)
	}
	return cert, key, nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("pki: write %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		return fmt.Errorf("pki: encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("pki: close %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("pki: serial number: %w", err)
	}
	return serial, nil
}
