// Package streamproxy implements the local HTTPS forward proxy that sits in
// front of the automated browser. It terminates TLS with on-demand minted
// certificates, watches for the upstream streaming endpoint by URL pattern,
// and tees matching response bodies into per-request event channels keyed by
// a correlation header. Everything else passes through untouched.
package streamproxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
	leafDBFile = "leaf.db"

	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

var leafBucket = []byte("leaves")

// CertManager owns the interceptor CA and the per-host leaf certificates.
// Leaves are minted lazily; the first hit on a new host pays the minting and
// handshake cost, which the TTFB budget absorbs. Minted leaves persist in a
// bbolt database so restarts reuse them.
type CertManager struct {
	dir    string
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	db     *bbolt.DB

	mu    sync.Mutex
	cache map[string]*tls.Certificate
}

type storedLeaf struct {
	CertPEM []byte `json:"cert_pem"`
	KeyPEM  []byte `json:"key_pem"`
}

// NewCertManager loads the CA from dir, creating a self-signed one on first
// launch, and opens the leaf cache.
func NewCertManager(dir string) (*CertManager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("certs: create dir: %w", err)
	}

	m := &CertManager{dir: dir, cache: make(map[string]*tls.Certificate)}
	if err := m.loadOrCreateCA(); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(filepath.Join(dir, leafDBFile), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("certs: open leaf cache: %w", err)
	}
	if err = db.Update(func(tx *bbolt.Tx) error {
		_, errBucket := tx.CreateBucketIfNotExists(leafBucket)
		return errBucket
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("certs: init leaf cache: %w", err)
	}
	m.db = db
	return m, nil
}

// Close releases the leaf cache database.
func (m *CertManager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// CACertPath returns the path of the CA certificate the browser must trust.
func (m *CertManager) CACertPath() string {
	return filepath.Join(m.dir, caCertFile)
}

func (m *CertManager) loadOrCreateCA() error {
	certPath := filepath.Join(m.dir, caCertFile)
	keyPath := filepath.Join(m.dir, caKeyFile)

	certPEM, errCert := os.ReadFile(certPath)
	keyPEM, errKey := os.ReadFile(keyPath)
	if errCert == nil && errKey == nil {
		return m.parseCA(certPEM, keyPEM)
	}

	log.Infof("certs: minting interceptor CA into %s", m.dir)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("certs: generate CA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(0).Lsh(big.NewInt(1), 127))
	if err != nil {
		return err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "AIStudioProxy Interceptor CA", Organization: []string{"AIStudioProxy"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("certs: create CA: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err = os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return err
	}
	if err = os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return err
	}
	return m.parseCA(certPEM, keyPEM)
}

func (m *CertManager) parseCA(certPEM, keyPEM []byte) error {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("certs: malformed CA certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("certs: parse CA certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("certs: malformed CA key")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("certs: parse CA key: %w", err)
	}
	m.caCert = cert
	m.caKey = key
	return nil
}

// LeafFor returns a certificate for host, minting and caching one when
// needed.
func (m *CertManager) LeafFor(host string) (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cert, ok := m.cache[host]; ok {
		return cert, nil
	}
	if cert := m.loadStoredLeaf(host); cert != nil {
		m.cache[host] = cert
		return cert, nil
	}

	cert, certPEM, keyPEM, err := m.mintLeaf(host)
	if err != nil {
		return nil, err
	}
	m.storeLeaf(host, certPEM, keyPEM)
	m.cache[host] = cert
	return cert, nil
}

func (m *CertManager) mintLeaf(host string) (*tls.Certificate, []byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(0).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{host},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, m.caCert, &key.PublicKey, m.caKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("certs: mint leaf for %s: %w", host, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Debugf("certs: minted leaf for %s", host)
	return &cert, certPEM, keyPEM, nil
}

func (m *CertManager) loadStoredLeaf(host string) *tls.Certificate {
	var stored storedLeaf
	err := m.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(leafBucket).Get([]byte(host))
		if raw == nil {
			return fmt.Errorf("not found")
		}
		return json.Unmarshal(raw, &stored)
	})
	if err != nil {
		return nil
	}
	cert, err := tls.X509KeyPair(stored.CertPEM, stored.KeyPEM)
	if err != nil {
		return nil
	}
	// Drop leaves close to expiry so they get re-minted.
	if leaf, errParse := x509.ParseCertificate(cert.Certificate[0]); errParse == nil {
		if time.Until(leaf.NotAfter) < 24*time.Hour {
			return nil
		}
	}
	return &cert
}

func (m *CertManager) storeLeaf(host string, certPEM, keyPEM []byte) {
	raw, err := json.Marshal(storedLeaf{CertPEM: certPEM, KeyPEM: keyPEM})
	if err != nil {
		return
	}
	if err = m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(leafBucket).Put([]byte(host), raw)
	}); err != nil {
		log.Warnf("certs: persist leaf for %s failed: %v", host, err)
	}
}
