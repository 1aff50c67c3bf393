package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/signhub/rqes/internal/models"
	"github.com/signhub/rqes/internal/store"
)

// CredentialStoreConfig configures the PostgreSQL-backed credential store.
type CredentialStoreConfig struct {
	Pool PoolConfig

	// AutoMigrate runs pending schema migrations on startup.
	AutoMigrate bool
}

// CredentialStore implements store.CredentialStore using PostgreSQL.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a new PostgreSQL-backed credential store,
// optionally running migrations.
func NewCredentialStore(ctx context.Context, cfg *CredentialStoreConfig) (*CredentialStore, error) {
	pool, err := NewPool(ctx, &cfg.Pool)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &CredentialStore{pool: pool}, nil
}

// NewCredentialStoreWithPool wraps an existing pool. The caller owns the pool.
func NewCredentialStoreWithPool(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

// Close releases the connection pool.
func (s *CredentialStore) Close() {
	s.pool.Close()
}

// Create persists new credential metadata.
func (s *CredentialStore) Create(ctx context.Context, meta *models.CredentialMetadata) error {
	query := `
		INSERT INTO credentials (
			credential_id, user_id, key_alias, signature_qualifier,
			multisign, scal, crypto_token_name, disabled,
			chain_der, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	_, err := s.pool.Exec(ctx, query,
		meta.ID,
		meta.UserID,
		meta.KeyAlias,
		meta.SignatureQualifier,
		meta.Multisign,
		meta.Scal,
		meta.CryptoTokenName,
		meta.Disabled,
		meta.ChainDER,
		meta.CreatedAt,
		meta.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrCredentialAlreadyExists
		}
		return fmt.Errorf("failed to create credential: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("credential_id", meta.ID.String()).
		Str("user_id", meta.UserID).
		Str("scal", meta.Scal).
		Msg("Created credential")

	return nil
}

// Get retrieves credential metadata by ID. Disabled credentials are still
// returned.
func (s *CredentialStore) Get(ctx context.Context, id uuid.UUID) (*models.CredentialMetadata, error) {
	query := `
		SELECT
			credential_id, user_id, key_alias, signature_qualifier,
			multisign, scal, crypto_token_name, disabled,
			chain_der, created_at, updated_at
		FROM credentials
		WHERE credential_id = $1
	`

	var m models.CredentialMetadata
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&m.ID,
		&m.UserID,
		&m.KeyAlias,
		&m.SignatureQualifier,
		&m.Multisign,
		&m.Scal,
		&m.CryptoTokenName,
		&m.Disabled,
		&m.ChainDER,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", mapPostgresError(err))
	}

	return &m, nil
}

// GetByQualifier resolves the ephemeral credential class for a
// (userID, signatureQualifier) pair.
func (s *CredentialStore) GetByQualifier(ctx context.Context, userID, qualifier string) (*models.QualifierCredentialMetadata, error) {
	query := `
		SELECT
			user_id, signature_qualifier, multisign, scal,
			crypto_token_name, key_profile
		FROM qualifier_classes
		WHERE user_id = $1 AND signature_qualifier = $2
	`

	var m models.QualifierCredentialMetadata
	err := s.pool.QueryRow(ctx, query, userID, qualifier).Scan(
		&m.UserID,
		&m.SignatureQualifier,
		&m.Multisign,
		&m.Scal,
		&m.CryptoTokenName,
		&m.KeyProfile,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrQualifierNotFound
		}
		return nil, fmt.Errorf("failed to get qualifier class: %w", mapPostgresError(err))
	}

	return &m, nil
}

// Disable permanently removes a credential from resolution.
func (s *CredentialStore) Disable(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE credentials
		SET disabled = TRUE, updated_at = now()
		WHERE credential_id = $1
	`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to disable credential: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrCredentialNotFound
	}

	log.Info().Str("credential_id", id.String()).Msg("Disabled credential")
	return nil
}

// ListByUser returns all credential metadata for a user.
func (s *CredentialStore) ListByUser(ctx context.Context, userID string) ([]*models.CredentialMetadata, error) {
	query := `
		SELECT
			credential_id, user_id, key_alias, signature_qualifier,
			multisign, scal, crypto_token_name, disabled,
			chain_der, created_at, updated_at
		FROM credentials
		WHERE user_id = $1
		ORDER BY created_at
	`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var result []*models.CredentialMetadata
	for rows.Next() {
		var m models.CredentialMetadata
		if err := rows.Scan(
			&m.ID,
			&m.UserID,
			&m.KeyAlias,
			&m.SignatureQualifier,
			&m.Multisign,
			&m.Scal,
			&m.CryptoTokenName,
			&m.Disabled,
			&m.ChainDER,
			&m.CreatedAt,
			&m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		result = append(result, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credentials: %w", mapPostgresError(err))
	}

	return result, nil
}

// CreateQualifierClass registers an ephemeral credential class.
func (s *CredentialStore) CreateQualifierClass(ctx context.Context, meta *models.QualifierCredentialMetadata) error {
	query := `
		INSERT INTO qualifier_classes (
			user_id, signature_qualifier, multisign, scal,
			crypto_token_name, key_profile
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		meta.UserID,
		meta.SignatureQualifier,
		meta.Multisign,
		meta.Scal,
		meta.CryptoTokenName,
		meta.KeyProfile,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrCredentialAlreadyExists
		}
		return fmt.Errorf("failed to create qualifier class: %w", mapPostgresError(err))
	}

	return nil
}
