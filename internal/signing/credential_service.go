package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/signhub/rqes/internal/ca"
	"github.com/signhub/rqes/internal/errs"
	"github.com/signhub/rqes/internal/hsm"
	"github.com/signhub/rqes/internal/models"
	"github.com/signhub/rqes/internal/store"
)

// CredentialService manages durable credentials: provisioning a dedicated
// key and certificate, lookups, and permanent disablement.
type CredentialService struct {
	store        store.CredentialStore
	backend      hsm.SigningBackend
	ca           ca.Client
	certValidity time.Duration
}

// NewCredentialService creates a credential service.
func NewCredentialService(st store.CredentialStore, backend hsm.SigningBackend, caClient ca.Client, certValidity time.Duration) (*CredentialService, error) {
	if st == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("signing backend is required")
	}
	if caClient == nil {
		return nil, fmt.Errorf("CA client is required")
	}
	if certValidity == 0 {
		certValidity = 365 * 24 * time.Hour
	}

	return &CredentialService{
		store:        st,
		backend:      backend,
		ca:           caClient,
		certValidity: certValidity,
	}, nil
}

// CreateCredentialRequest describes a durable credential to provision.
type CreateCredentialRequest struct {
	UserID             string
	SignatureQualifier string
	Multisign          int
	Scal               string
	CryptoTokenName    string
	KeyProfile         string
	SubjectDN          string
}

func (r *CreateCredentialRequest) validate() error {
	if r.UserID == "" {
		return errs.Validation(errs.CodeBadRequest, "user id is required", nil)
	}
	if r.SignatureQualifier == "" {
		return errs.Validation(errs.CodeBadRequest, "signature qualifier is required", nil)
	}
	if r.Multisign < 1 {
		return errs.Validation(errs.CodeBadRequest,
			fmt.Sprintf("multisign must be >= 1, got %d", r.Multisign), nil)
	}
	if r.Scal != models.ScalSingle && r.Scal != models.ScalMulti {
		return errs.Validation(errs.CodeBadRequest,
			fmt.Sprintf("scal must be %q or %q, got %q", models.ScalSingle, models.ScalMulti, r.Scal), nil)
	}
	if r.CryptoTokenName == "" {
		return errs.Validation(errs.CodeBadRequest, "crypto token name is required", nil)
	}
	if r.KeyProfile == "" {
		return errs.Validation(errs.CodeBadRequest, "key profile is required", nil)
	}
	return nil
}

// CreateCredential provisions a durable credential: a dedicated key pair, a
// CA end entity, an issued certificate, and a registry record.
func (s *CredentialService) CreateCredential(ctx context.Context, req CreateCredentialRequest) (*models.CredentialMetadata, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errs.Invariant(errs.CodeStateViolation, "failed to generate credential id", err)
	}
	alias := fmt.Sprintf("cred-%s", id)

	if err := s.backend.GenerateKeyPair(ctx, req.CryptoTokenName, alias, req.KeyProfile); err != nil {
		if errors.Is(err, hsm.ErrTokenFull) {
			return nil, errs.Resource(errs.CodeKeyPoolExhausted, "crypto token has no free slots", err)
		}
		return nil, errs.External(errs.CodeBackendUnavailable, "key pair generation failed", err)
	}
	keyRef := models.CryptoTokenKey{TokenName: req.CryptoTokenName, KeyAlias: alias}

	subjectDN := req.SubjectDN
	if subjectDN == "" {
		subjectDN = fmt.Sprintf("CN=%s", alias)
	}

	password, err := uuid.NewRandom()
	if err != nil {
		s.undoProvision(keyRef, "")
		return nil, errs.Invariant(errs.CodeStateViolation, "failed to generate end entity password", err)
	}

	ee := models.EndEntity{
		Username:  alias,
		Password:  password.String(),
		SubjectDN: subjectDN,
	}
	if err := s.ca.CreateEndEntity(ctx, ee); err != nil {
		s.undoProvision(keyRef, "")
		return nil, errs.External(errs.CodeCAUnavailable, "end entity creation failed", err)
	}

	csr, err := s.backend.CertificateRequest(ctx, keyRef, subjectDN)
	if err != nil {
		s.undoProvision(keyRef, ee.Username)
		return nil, errs.External(errs.CodeBackendUnavailable, "certificate request failed", err)
	}

	chain, err := s.ca.IssueCertificate(ctx, ee.Username, csr, s.certValidity)
	if err != nil {
		s.undoProvision(keyRef, ee.Username)
		return nil, errs.External(errs.CodeCAUnavailable, "certificate issuance failed", err)
	}

	now := time.Now()
	meta := &models.CredentialMetadata{
		ID:                 id,
		UserID:             req.UserID,
		KeyAlias:           alias,
		SignatureQualifier: req.SignatureQualifier,
		Multisign:          req.Multisign,
		Scal:               req.Scal,
		CryptoTokenName:    req.CryptoTokenName,
		ChainDER:           chain,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.store.Create(ctx, meta); err != nil {
		s.undoProvision(keyRef, ee.Username)
		return nil, errs.External(errs.CodeCAUnavailable, "failed to persist credential", err)
	}

	log.Info().
		Str("credential_id", id.String()).
		Str("user_id", req.UserID).
		Str("qualifier", req.SignatureQualifier).
		Str("scal", req.Scal).
		Msg("Created credential")

	return meta, nil
}

// undoProvision rolls back a half-provisioned credential, best effort.
func (s *CredentialService) undoProvision(keyRef models.CryptoTokenKey, endEntityName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.backend.DeleteKeyPair(ctx, keyRef); err != nil && !errors.Is(err, hsm.ErrKeyNotFound) {
		log.Warn().Err(err).Str("alias", keyRef.KeyAlias).Msg("Failed to roll back key pair")
	}
	if endEntityName == "" {
		return
	}
	if err := s.ca.DeleteEndEntity(ctx, endEntityName); err != nil && !errors.Is(err, ca.ErrEndEntityNotFound) {
		log.Warn().Err(err).Str("end_entity", endEntityName).Msg("Failed to roll back end entity")
	}
}

// CredentialInfo returns the registry record for a credential, including the
// disabled flag.
func (s *CredentialService) CredentialInfo(ctx context.Context, id uuid.UUID) (*models.CredentialMetadata, error) {
	meta, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrCredentialNotFound) {
			return nil, errs.Resource(errs.CodeNotFound, "credential not found", err)
		}
		return nil, errs.External(errs.CodeCAUnavailable, "credential lookup failed", err)
	}
	return meta, nil
}

// ListCredentials returns all registry records for a user.
func (s *CredentialService) ListCredentials(ctx context.Context, userID string) ([]*models.CredentialMetadata, error) {
	return s.store.ListByUser(ctx, userID)
}

// DisableCredential permanently removes a credential from resolution. There
// is no re-enable.
func (s *CredentialService) DisableCredential(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Disable(ctx, id); err != nil {
		if errors.Is(err, store.ErrCredentialNotFound) {
			return errs.Resource(errs.CodeNotFound, "credential not found", err)
		}
		return errs.External(errs.CodeCAUnavailable, "failed to disable credential", err)
	}
	return nil
}

// CreateQualifierClass registers an ephemeral credential class resolved by
// (userID, signatureQualifier) and backed by one-time keys.
func (s *CredentialService) CreateQualifierClass(ctx context.Context, meta *models.QualifierCredentialMetadata) error {
	if meta.UserID == "" || meta.SignatureQualifier == "" {
		return errs.Validation(errs.CodeBadRequest, "user id and signature qualifier are required", nil)
	}
	if meta.Multisign < 1 {
		return errs.Validation(errs.CodeBadRequest,
			fmt.Sprintf("multisign must be >= 1, got %d", meta.Multisign), nil)
	}
	if meta.Scal != models.ScalSingle && meta.Scal != models.ScalMulti {
		return errs.Validation(errs.CodeBadRequest,
			fmt.Sprintf("scal must be %q or %q, got %q", models.ScalSingle, models.ScalMulti, meta.Scal), nil)
	}

	if err := s.store.CreateQualifierClass(ctx, meta); err != nil {
		if errors.Is(err, store.ErrCredentialAlreadyExists) {
			return errs.Validation(errs.CodeBadRequest, "qualifier class already exists", err)
		}
		return errs.External(errs.CodeCAUnavailable, "failed to persist qualifier class", err)
	}
	return nil
}
