package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signhub/rqes/internal/models"
	"github.com/signhub/rqes/internal/store"
)

// CredentialStore implements store.CredentialStore using in-memory storage.
// This implementation is for testing and local development - data is lost on
// restart.
type CredentialStore struct {
	mu sync.RWMutex

	credentials map[uuid.UUID]*models.CredentialMetadata
	byUser      map[string][]uuid.UUID
	qualifiers  map[string]*models.QualifierCredentialMetadata // userID|qualifier
}

// NewCredentialStore creates a new in-memory credential store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		credentials: make(map[uuid.UUID]*models.CredentialMetadata),
		byUser:      make(map[string][]uuid.UUID),
		qualifiers:  make(map[string]*models.QualifierCredentialMetadata),
	}
}

// Create persists new credential metadata in memory.
func (s *CredentialStore) Create(ctx context.Context, meta *models.CredentialMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.credentials[meta.ID]; exists {
		return store.ErrCredentialAlreadyExists
	}

	// Clone to avoid external modifications
	clone := *meta
	s.credentials[meta.ID] = &clone
	s.byUser[meta.UserID] = append(s.byUser[meta.UserID], meta.ID)

	return nil
}

// Get retrieves credential metadata by ID.
func (s *CredentialStore) Get(ctx context.Context, id uuid.UUID) (*models.CredentialMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, exists := s.credentials[id]
	if !exists {
		return nil, store.ErrCredentialNotFound
	}

	clone := *meta
	return &clone, nil
}

// GetByQualifier resolves the ephemeral credential class for a user and
// signature qualifier.
func (s *CredentialStore) GetByQualifier(ctx context.Context, userID, qualifier string) (*models.QualifierCredentialMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, exists := s.qualifiers[qualifierKey(userID, qualifier)]
	if !exists {
		return nil, store.ErrQualifierNotFound
	}

	clone := *meta
	return &clone, nil
}

// Disable permanently removes a credential from resolution.
func (s *CredentialStore) Disable(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, exists := s.credentials[id]
	if !exists {
		return store.ErrCredentialNotFound
	}

	meta.Disabled = true
	meta.UpdatedAt = time.Now()
	return nil
}

// ListByUser returns all credential metadata for a user.
func (s *CredentialStore) ListByUser(ctx context.Context, userID string) ([]*models.CredentialMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	result := make([]*models.CredentialMetadata, 0, len(ids))
	for _, id := range ids {
		if meta, exists := s.credentials[id]; exists {
			clone := *meta
			result = append(result, &clone)
		}
	}

	return result, nil
}

// CreateQualifierClass registers an ephemeral credential class.
func (s *CredentialStore) CreateQualifierClass(ctx context.Context, meta *models.QualifierCredentialMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := qualifierKey(meta.UserID, meta.SignatureQualifier)
	if _, exists := s.qualifiers[key]; exists {
		return store.ErrCredentialAlreadyExists
	}

	clone := *meta
	s.qualifiers[key] = &clone
	return nil
}

func qualifierKey(userID, qualifier string) string {
	return userID + "|" + qualifier
}
