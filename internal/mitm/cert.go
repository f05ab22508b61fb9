package mitm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultCertCacheSize = 1024
	leafCacheTTL         = 12 * time.Hour
	leafValidity         = 365 * 24 * time.Hour
)

// CacheObserver is notified of every leaf certificate lookup.
type CacheObserver interface {
	ObserveCertCache(hit bool, size int)
}

// CertManager signs leaf certificates on demand and keeps them in an LRU keyed by
// hostname. Two concurrent misses for one host may both sign a certificate; the
// last one stored wins and both are valid.
type CertManager struct {
	ca       *CA
	cache    *expirable.LRU[string, *tls.Certificate]
	observer CacheObserver
}

func NewCertManager(ca *CA, size int, observer CacheObserver) *CertManager {
	if size <= 0 {
		size = DefaultCertCacheSize
	}
	return &CertManager{
		ca:       ca,
		cache:    expirable.NewLRU[string, *tls.Certificate](size, nil, leafCacheTTL),
		observer: observer,
	}
}

func (cm *CertManager) CA() *CA {
	return cm.ca
}

// GetCertificate satisfies tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		host = "localhost"
	}
	return cm.GetCertificateForHost(host)
}

func (cm *CertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if cached, ok := cm.cache.Get(host); ok {
		cm.observe(true)
		return cached, nil
	}

	cert, err := cm.generateCert(host)
	if err != nil {
		return nil, err
	}
	cm.cache.Add(host, cert)
	cm.observe(false)
	return cert, nil
}

func (cm *CertManager) observe(hit bool) {
	if cm.observer != nil {
		cm.observer.ObserveCertCache(hit, cm.cache.Len())
	}
}

func (cm *CertManager) generateCert(host string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	notAfter := time.Now().Add(leafValidity)
	if notAfter.After(cm.ca.Certificate.NotAfter) {
		notAfter = cm.ca.Certificate.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{"seclab interception"},
		},
		NotBefore:   time.Now().Add(-1 * time.Hour),
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.ca.Certificate, &key.PublicKey, cm.ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create leaf certificate for %s: %w", host, err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse leaf certificate for %s: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, cm.ca.Certificate.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
