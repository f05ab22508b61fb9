package mitm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

const (
	caCertFile = "ca.pem"
	caKeyFile  = "ca-key.pem"

	// CAFileName is the name offered when the root certificate is downloaded.
	CAFileName = "seclab-root-ca.pem"
)

type CA struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

// LoadOrCreateCA reads the root CA from dir, generating and persisting a new one
// when dir holds none.
func LoadOrCreateCA(dir string) (*CA, error) {
	ca, err := LoadCAFromDir(dir)
	if err == nil {
		return ca, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	ca, err = GenerateCA()
	if err != nil {
		return nil, err
	}
	if err := ca.Save(dir); err != nil {
		return nil, err
	}
	slog.Info("Generated MITM root CA", slog.String("dir", dir), slog.String("subject", ca.Certificate.Subject.CommonName))
	return ca, nil
}

func LoadCAFromDir(dir string) (*CA, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, caCertFile))
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, caKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse CA key pair: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("%s is not a CA certificate", filepath.Join(dir, caCertFile))
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("CA private key does not implement crypto.Signer")
	}
	return &CA{Certificate: cert, PrivateKey: signer}, nil
}

// LoadCA decodes a base64 PKCS#12 bundle.
func LoadCA(p12Base64, passphrase string) (*CA, error) {
	if p12Base64 == "" {
		return nil, fmt.Errorf("no PKCS#12 provided")
	}
	return DecodeP12(p12Base64, passphrase)
}

func GenerateCA() (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA private key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   "seclab Root CA",
			Organization: []string{"seclab"},
		},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return &CA{
		Certificate: cert,
		PrivateKey:  key,
	}, nil
}

// Save writes the certificate and key as PEM into dir. The key file is private to
// the current user.
func (ca *CA) Save(dir string) error {
	keyPEM, err := ca.KeyPEM()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create CA dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, caKeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, caCertFile), ca.CertPEM(), 0o644); err != nil {
		return fmt.Errorf("write CA certificate: %w", err)
	}
	return nil
}

func DecodeP12(p12Base64, passphrase string) (*CA, error) {
	p12Data, err := base64.StdEncoding.DecodeString(p12Base64)
	if err != nil {
		return nil, fmt.Errorf("failed to base64-decode PKCS#12: %w", err)
	}
	return DecodeP12Bytes(p12Data, passphrase)
}

func DecodeP12Bytes(p12Data []byte, passphrase string) (*CA, error) {
	privateKey, cert, err := pkcs12.Decode(p12Data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12: %w", err)
	}

	signer, ok := privateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("PKCS#12 private key does not implement crypto.Signer")
	}

	return &CA{
		Certificate: cert,
		PrivateKey:  signer,
	}, nil
}

// P12 encodes the certificate and key as a PKCS#12 bundle.
func (ca *CA) P12(passphrase string) ([]byte, error) {
	p12Data, err := pkcs12.Modern.Encode(ca.PrivateKey, ca.Certificate, nil, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12: %w", err)
	}
	return p12Data, nil
}

// EncodeP12 is P12 in base64, the form accepted by LoadCA.
func (ca *CA) EncodeP12(passphrase string) (string, error) {
	p12Data, err := ca.P12(passphrase)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(p12Data), nil
}

func (ca *CA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: ca.Certificate.Raw,
	})
}

func (ca *CA) KeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("marshal CA key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func randomSerial() (*big.Int, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serialNumber, nil
}
