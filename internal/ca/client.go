// Package ca defines the certificate authority collaborator contract and a
// local implementation for development and tests. The wire mechanics of a
// remote CA are out of scope; only the logical operations matter here.
package ca

import (
	"context"
	"errors"
	"time"

	"github.com/signhub/rqes/internal/models"
)

// Sentinel errors shared by CA implementations.
var (
	ErrEndEntityNotFound      = errors.New("end entity not found")
	ErrEndEntityAlreadyExists = errors.New("end entity already exists")
)

// Client is the logical contract of the certificate authority collaborator.
type Client interface {
	// CreateEndEntity registers a new identity with the CA.
	CreateEndEntity(ctx context.Context, ee models.EndEntity) error

	// IssueCertificate issues a certificate for the end entity from a
	// DER-encoded CSR. Returns the chain as DER, leaf first.
	IssueCertificate(ctx context.Context, endEntityName string, csr []byte, validity time.Duration) ([][]byte, error)

	// RevocationEvidence returns CRL and OCSP evidence for a DER-encoded
	// certificate.
	RevocationEvidence(ctx context.Context, certDER []byte) (crls [][]byte, ocsps [][]byte, err error)

	// DeleteEndEntity removes the identity and revokes its certificates.
	DeleteEndEntity(ctx context.Context, endEntityName string) error
}
