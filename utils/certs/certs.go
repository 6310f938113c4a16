package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
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

	"github.com/fr13n8/connmux/config"
	"github.com/rs/zerolog/log"
)

// CertManager defines the interface for managing TLS configuration
type CertManager interface {
	GetTLSConfig() (*tls.Config, error)
}

// SelfSignedCertManager generates a self-signed certificate for Host. With
// an empty CertDir the certificate only lives in memory.
type SelfSignedCertManager struct {
	Host     string
	CertDir  string
	CertPath string
	KeyPath  string
	cert     *tls.Certificate
}

func NewSelfSignedCertManager(host, certDir string) *SelfSignedCertManager {
	cm := &SelfSignedCertManager{
		Host:    host,
		CertDir: certDir,
	}
	if certDir != "" {
		cm.CertPath = filepath.Join(certDir, fmt.Sprintf("%s_cert.pem", host))
		cm.KeyPath = filepath.Join(certDir, fmt.Sprintf("%s_key.pem", host))
	}
	return cm
}

// GetCertHash returns the SHA-256 fingerprint of the leaf certificate.
func (cm *SelfSignedCertManager) GetCertHash() ([]byte, error) {
	cert, err := cm.GetCertificate()
	if err != nil {
		return nil, err
	}
	fingerprint := sha256.Sum256(cert.Certificate[0])
	return fingerprint[:], nil
}

// GetTLSConfig returns a server config presenting the self-signed certificate.
func (cm *SelfSignedCertManager) GetTLSConfig() (*tls.Config, error) {
	cert, err := cm.GetCertificate()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// GetCertificate loads the certificate from CertDir or generates a new one.
func (cm *SelfSignedCertManager) GetCertificate() (*tls.Certificate, error) {
	if cm.cert != nil {
		return cm.cert, nil
	}

	var (
		cert *tls.Certificate
		err  error
	)
	if cm.CertDir != "" && certExists(cm.CertPath, cm.KeyPath) {
		cert, err = loadCertificate(cm.CertPath, cm.KeyPath)
	} else {
		cert, err = cm.generateSelfSignedCert()
	}
	if err != nil {
		return nil, err
	}
	cm.cert = cert
	return cert, nil
}

func (cm *SelfSignedCertManager) generateSelfSignedCert() (*tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute)
	notAfter := notBefore.Add(365 * 24 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("could not generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: cm.Host,
		},
		DNSNames:    []string{cm.Host, "localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("could not create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("could not marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if cm.CertDir != "" {
		if err := os.MkdirAll(cm.CertDir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create cert dir: %w", err)
		}
		if err := os.WriteFile(cm.CertPath, certPEM, 0o644); err != nil {
			return nil, fmt.Errorf("could not write certificate: %w", err)
		}
		if err := os.WriteFile(cm.KeyPath, keyPEM, 0o600); err != nil {
			return nil, fmt.Errorf("could not write key: %w", err)
		}
		log.Info().Str("cert", cm.CertPath).Msg("generated self-signed certificate")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// CertPool returns a pool holding only the manager's certificate, for
// clients that trust it directly.
func (cm *SelfSignedCertManager) CertPool() (*x509.CertPool, error) {
	cert, err := cm.GetCertificate()
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return pool, nil
}

// ServerTLSConfig builds the listener side config. Without a certificate
// pair a self-signed certificate is generated in memory. A CA file turns on
// client certificate verification.
func ServerTLSConfig(c config.TLSConfig) (*tls.Config, error) {
	var cert *tls.Certificate
	if c.CertFile != "" || c.KeyFile != "" {
		loaded, err := loadCertificate(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("could not load certificate: %w", err)
		}
		cert = loaded
	} else {
		host := c.ServerName
		if host == "" {
			host = "connmux"
		}
		generated, err := NewSelfSignedCertManager(host, "").GetCertificate()
		if err != nil {
			return nil, err
		}
		cert = generated
	}

	conf := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.CAFile != "" {
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		conf.ClientCAs = pool
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return conf, nil
}

// ClientTLSConfig builds the connector side config. The CA file is added to
// the system roots; a certificate pair is presented as the client identity.
func ClientTLSConfig(c config.TLSConfig) (*tls.Config, error) {
	conf := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	conf.RootCAs, _ = x509.SystemCertPool()
	if conf.RootCAs == nil {
		conf.RootCAs = x509.NewCertPool()
	}
	if c.CAFile != "" {
		raw, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("could not read ca file: %w", err)
		}
		if !conf.RootCAs.AppendCertsFromPEM(raw) {
			return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
		}
	}
	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := loadCertificate(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("could not load client certificate: %w", err)
		}
		conf.Certificates = []tls.Certificate{*cert}
	}
	return conf, nil
}

// PinCertificate makes conf accept exactly the peer whose leaf certificate
// has the given SHA-256 fingerprint, instead of verifying the chain.
func PinCertificate(conf *tls.Config, fingerprint []byte) {
	conf.InsecureSkipVerify = true
	conf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("peer presented no certificate")
		}
		sum := sha256.Sum256(rawCerts[0])
		if !bytes.Equal(sum[:], fingerprint) {
			return fmt.Errorf("certificate fingerprint %X does not match", sum[:])
		}
		return nil
	}
}

func certExists(certPath, keyPath string) bool {
	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		return false
	}
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		return false
	}
	return true
}

func loadCertificate(certPath, keyPath string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
