package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/signhub/rqes/internal/models"
	"golang.org/x/crypto/ocsp"
)

// LocalCA implements Client using a CA private key held in this process.
// This is intended for local development and tests - not for production use.
type LocalCA struct {
	caKey  *ecdsa.PrivateKey
	caCert *x509.Certificate

	mu          sync.Mutex
	endEntities map[string]models.EndEntity
	issued      map[string][]*big.Int // endEntityName -> serials
	revoked     []x509.RevocationListEntry
	crlNumber   int64
}

// NewLocalCA creates a LocalCA from PEM-encoded key and certificate files.
func NewLocalCA(caKeyPath, caCertPath string) (*LocalCA, error) {
	keyData, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key file: %w", err)
	}

	keyBlock, _ := pem.Decode(keyData)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}

	caKey, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA private key: %w", err)
	}

	certData, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert file: %w", err)
	}

	certBlock, _ := pem.Decode(certData)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode CA cert PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	certPub, ok := caCert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !caKey.PublicKey.Equal(certPub) {
		return nil, fmt.Errorf("CA key and certificate do not match")
	}

	return newLocalCA(caKey, caCert), nil
}

// NewEphemeralCA generates a throwaway self-signed CA. Used by tests and
// local development when no CA material is configured.
func NewEphemeralCA(commonName string) (*LocalCA, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to self-sign CA certificate: %w", err)
	}

	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return newLocalCA(caKey, caCert), nil
}

func newLocalCA(caKey *ecdsa.PrivateKey, caCert *x509.Certificate) *LocalCA {
	return &LocalCA{
		caKey:       caKey,
		caCert:      caCert,
		endEntities: make(map[string]models.EndEntity),
		issued:      make(map[string][]*big.Int),
		crlNumber:   1,
	}
}

// CreateEndEntity registers a new identity.
func (c *LocalCA) CreateEndEntity(ctx context.Context, ee models.EndEntity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.endEntities[ee.Username]; exists {
		return ErrEndEntityAlreadyExists
	}

	c.endEntities[ee.Username] = ee
	log.Debug().Str("end_entity", ee.Username).Msg("Registered end entity")
	return nil
}

// IssueCertificate issues a certificate for a registered end entity from a
// DER-encoded CSR. Returns [leaf, ca] as DER.
func (c *LocalCA) IssueCertificate(ctx context.Context, endEntityName string, csrDER []byte, validity time.Duration) ([][]byte, error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature invalid: %w", err)
	}

	c.mu.Lock()
	if _, exists := c.endEntities[endEntityName]; !exists {
		c.mu.Unlock()
		return nil, ErrEndEntityNotFound
	}
	c.mu.Unlock()

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, c.caCert, csr.PublicKey, c.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}

	c.mu.Lock()
	c.issued[endEntityName] = append(c.issued[endEntityName], serial)
	c.mu.Unlock()

	log.Debug().
		Str("end_entity", endEntityName).
		Str("serial", serial.Text(16)).
		Msg("Issued certificate")

	return [][]byte{der, c.caCert.Raw}, nil
}

// RevocationEvidence returns a fresh CRL and an OCSP response for the
// certificate.
func (c *LocalCA) RevocationEvidence(ctx context.Context, certDER []byte) ([][]byte, [][]byte, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	c.mu.Lock()
	revoked := make([]x509.RevocationListEntry, len(c.revoked))
	copy(revoked, c.revoked)
	c.crlNumber++
	crlNumber := c.crlNumber
	c.mu.Unlock()

	now := time.Now()
	crlTemplate := &x509.RevocationList{
		Number:                    big.NewInt(crlNumber),
		ThisUpdate:                now,
		NextUpdate:                now.Add(24 * time.Hour),
		RevokedCertificateEntries: revoked,
	}

	crlDER, err := x509.CreateRevocationList(rand.Reader, crlTemplate, c.caCert, c.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CRL: %w", err)
	}

	status := ocsp.Good
	var revokedAt time.Time
	for _, entry := range revoked {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			status = ocsp.Revoked
			revokedAt = entry.RevocationTime
			break
		}
	}

	ocspTemplate := ocsp.Response{
		Status:       status,
		SerialNumber: cert.SerialNumber,
		ThisUpdate:   now,
		NextUpdate:   now.Add(24 * time.Hour),
		RevokedAt:    revokedAt,
	}

	ocspDER, err := ocsp.CreateResponse(c.caCert, c.caCert, ocspTemplate, c.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OCSP response: %w", err)
	}

	return [][]byte{crlDER}, [][]byte{ocspDER}, nil
}

// DeleteEndEntity removes the identity and revokes every certificate issued
// to it.
func (c *LocalCA) DeleteEndEntity(ctx context.Context, endEntityName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.endEntities[endEntityName]; !exists {
		return ErrEndEntityNotFound
	}

	now := time.Now()
	for _, serial := range c.issued[endEntityName] {
		c.revoked = append(c.revoked, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: now,
			ReasonCode:     ocsp.CessationOfOperation,
		})
	}

	delete(c.endEntities, endEntityName)
	delete(c.issued, endEntityName)

	log.Debug().Str("end_entity", endEntityName).Msg("Deleted end entity")
	return nil
}

// Certificate returns the CA certificate.
func (c *LocalCA) Certificate() *x509.Certificate {
	return c.caCert
}
