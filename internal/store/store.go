package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/signhub/rqes/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrCredentialNotFound      = errors.New("credential not found")
	ErrCredentialAlreadyExists = errors.New("credential already exists")
	ErrQualifierNotFound       = errors.New("no credential class for qualifier")
)

// CredentialStore is the durable registry for credential metadata. It is the
// only writer of registry state: sessions and the key pool never mutate it.
type CredentialStore interface {
	// Create persists new credential metadata.
	Create(ctx context.Context, meta *models.CredentialMetadata) error

	// Get retrieves credential metadata by ID. Disabled credentials are
	// still returned so callers can distinguish disabled from missing.
	Get(ctx context.Context, id uuid.UUID) (*models.CredentialMetadata, error)

	// GetByQualifier resolves the ephemeral credential class for a
	// (userID, signatureQualifier) pair.
	GetByQualifier(ctx context.Context, userID, qualifier string) (*models.QualifierCredentialMetadata, error)

	// Disable permanently removes a credential from resolution. There is
	// no re-enable.
	Disable(ctx context.Context, id uuid.UUID) error

	// ListByUser returns all credential metadata for a user.
	ListByUser(ctx context.Context, userID string) ([]*models.CredentialMetadata, error)

	// CreateQualifierClass registers an ephemeral credential class.
	CreateQualifierClass(ctx context.Context, meta *models.QualifierCredentialMetadata) error
}
