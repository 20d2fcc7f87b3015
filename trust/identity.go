// Package trust owns the local device identity certificate and the records of
// peers we have paired with. A peer is trusted only while the certificate
// fingerprint presented by its live session matches the fingerprint stored at
// pairing time, byte for byte.
package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	certFileName = "cert.pem"
	keyFileName  = "key.pem"

	// Device certificates are long-lived: trust is anchored on the pinned
	// fingerprint, not on chain validity windows.
	certValidity = 10 * 365 * 24 * time.Hour

	certFilePerms = 0o600
)

var errNoPeerCertificate = errors.New("session presented no peer certificate")

// Identity is this device's keypair and self-signed certificate, generated on
// first run and persisted under the state directory.
type Identity struct {
	DeviceID    string
	Certificate tls.Certificate
	Fingerprint string
}

// LoadOrCreateIdentity loads cert.pem/key.pem from dir, generating and
// persisting a fresh self-signed certificate when none exists yet. Corrupt
// existing material is a hard error: silently regenerating would change our
// fingerprint and break every existing pairing.
func LoadOrCreateIdentity(dir, deviceID string) (*Identity, error) {
	certPath := filepath.Join(dir, certFileName)
	keyPath := filepath.Join(dir, keyFileName)

	if fileExists(certPath) || fileExists(keyPath) {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load identity certificate: %w", err)
		}

		return identityFromCertificate(deviceID, cert)
	}

	cert, err := generateIdentityCertificate(deviceID)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	if err := saveCertificate(certPath, keyPath, cert); err != nil {
		return nil, err
	}

	return identityFromCertificate(deviceID, cert)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// NewEphemeralIdentity generates an in-memory identity. Used by tests and by
// tools that never persist state.
func NewEphemeralIdentity(deviceID string) (*Identity, error) {
	cert, err := generateIdentityCertificate(deviceID)
	if err != nil {
		return nil, err
	}

	return identityFromCertificate(deviceID, cert)
}

func identityFromCertificate(deviceID string, cert tls.Certificate) (*Identity, error) {
	if len(cert.Certificate) == 0 {
		return nil, errors.New("certificate chain is empty")
	}

	return &Identity{
		DeviceID:    deviceID,
		Certificate: cert,
		Fingerprint: FingerprintDER(cert.Certificate[0]),
	}, nil
}

func generateIdentityCertificate(deviceID string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate device key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceID,
			Organization:       []string{"cosmic-connect"},
			OrganizationalUnit: []string{"device"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create device certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}

func saveCertificate(certPath, keyPath string, cert tls.Certificate) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})

	if err := os.WriteFile(certPath, certPEM, certFilePerms); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	if err := os.WriteFile(keyPath, keyPEM, certFilePerms); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	return nil
}

// ServerTLSConfig returns the TLS configuration for the protocol listener and
// payload upload endpoints. Peers present self-signed certificates; chain
// verification is replaced by fingerprint pinning after the handshake.
func (i *Identity) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{i.Certificate},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientTLSConfig returns the TLS configuration for outbound protocol and
// payload connections.
func (i *Identity) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{i.Certificate},
		InsecureSkipVerify: true, // self-signed peers, pinned by fingerprint
		MinVersion:         tls.VersionTLS12,
	}
}

// CertificateDER returns the raw DER bytes of the device certificate, used by
// transports that present certificates in-band instead of through TLS.
func (i *Identity) CertificateDER() []byte {
	return i.Certificate.Certificate[0]
}

// FingerprintDER computes the canonical fingerprint of a DER certificate:
// SHA-256, lowercase hex, colon-separated byte pairs.
func FingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	raw := hex.EncodeToString(sum[:])

	var b strings.Builder

	for i := 0; i < len(raw); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}

		b.WriteString(raw[i : i+2])
	}

	return b.String()
}

// SessionFingerprint extracts the peer fingerprint from a completed TLS
// handshake.
func SessionFingerprint(state tls.ConnectionState) (string, error) {
	if len(state.PeerCertificates) == 0 {
		return "", errNoPeerCertificate
	}

	return FingerprintDER(state.PeerCertificates[0].Raw), nil
}

