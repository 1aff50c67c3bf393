// Package hsm provides the signing backend: crypto tokens holding key-pair
// slots and the signing primitive applied to pre-computed digests.
package hsm

import (
	"context"
	"crypto/x509/pkix"
	"errors"
	"strings"

	"github.com/signhub/rqes/internal/models"
)

// Supported signature algorithm identifiers.
const (
	AlgoSHA256WithRSA   = "SHA256withRSA"
	AlgoSHA256WithECDSA = "SHA256withECDSA"
)

// Key profiles accepted by GenerateKeyPair.
const (
	ProfileRSA2048 = "rsa2048"
	ProfileP256    = "p256"
)

// Sentinel errors shared by backend implementations.
var (
	ErrKeyNotFound      = errors.New("key not found in crypto token")
	ErrKeyAlreadyExists = errors.New("key alias already occupied")
	ErrTokenFull        = errors.New("crypto token has no free slots")
	ErrUnknownAlgorithm = errors.New("unknown signature algorithm")
	ErrUnknownProfile   = errors.New("unknown key profile")
)

// SigningBackend is the logical contract of the signing collaborator. The
// wire mechanics of a remote backend are out of scope; implementations here
// are a PKCS#11 token and an in-memory soft token.
type SigningBackend interface {
	// GenerateKeyPair creates a key pair in the named token under alias.
	GenerateKeyPair(ctx context.Context, tokenName, alias, profile string) error

	// CertificateRequest produces a DER-encoded CSR for the key, signed by
	// the key itself. The subject DN string, e.g. "CN=alias,O=Example", is
	// parsed into the CSR subject; a bare value is taken as the common name.
	CertificateRequest(ctx context.Context, key models.CryptoTokenKey, subjectDN string) ([]byte, error)

	// Sign applies the signature algorithm to a pre-computed digest.
	Sign(ctx context.Context, key models.CryptoTokenKey, digest []byte, algorithm string) ([]byte, error)

	// DeleteKeyPair destroys the key pair, freeing its slot.
	DeleteKeyPair(ctx context.Context, key models.CryptoTokenKey) error
}

// parseSubjectDN converts a comma-separated DN string into a CSR subject.
// Unknown attribute types are dropped. A value with no attribute marker at
// all is treated as the common name.
func parseSubjectDN(subjectDN string) pkix.Name {
	var name pkix.Name
	if !strings.Contains(subjectDN, "=") {
		name.CommonName = strings.TrimSpace(subjectDN)
		return name
	}

	for _, part := range strings.Split(subjectDN, ",") {
		attr, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(attr)) {
		case "CN":
			name.CommonName = value
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "C":
			name.Country = append(name.Country, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "ST":
			name.Province = append(name.Province, value)
		}
	}
	return name
}
