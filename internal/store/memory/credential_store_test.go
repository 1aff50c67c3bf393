package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/signhub/rqes/internal/models"
	"github.com/signhub/rqes/internal/store"
)

func newMetadata(t *testing.T, userID string) *models.CredentialMetadata {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	now := time.Now()
	return &models.CredentialMetadata{
		ID:                 id,
		UserID:             userID,
		KeyAlias:           "signer-" + id.String()[:8],
		SignatureQualifier: "eu_eidas_qes",
		Multisign:          1,
		Scal:               models.ScalSingle,
		CryptoTokenName:    "token1",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestCredentialStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewCredentialStore()

	meta := newMetadata(t, "user1")
	require.NoError(t, s.Create(ctx, meta))

	t.Run("get returns stored metadata", func(t *testing.T) {
		got, err := s.Get(ctx, meta.ID)
		require.NoError(t, err)
		require.Equal(t, meta.KeyAlias, got.KeyAlias)
		require.False(t, got.Disabled)
	})

	t.Run("duplicate create fails", func(t *testing.T) {
		err := s.Create(ctx, meta)
		require.ErrorIs(t, err, store.ErrCredentialAlreadyExists)
	})

	t.Run("unknown id", func(t *testing.T) {
		other, err := uuid.NewV7()
		require.NoError(t, err)
		_, err = s.Get(ctx, other)
		require.ErrorIs(t, err, store.ErrCredentialNotFound)
	})

	t.Run("returned value is a copy", func(t *testing.T) {
		got, err := s.Get(ctx, meta.ID)
		require.NoError(t, err)
		got.KeyAlias = "mutated"

		again, err := s.Get(ctx, meta.ID)
		require.NoError(t, err)
		require.NotEqual(t, "mutated", again.KeyAlias)
	})
}

func TestCredentialStore_Disable(t *testing.T) {
	ctx := context.Background()
	s := NewCredentialStore()

	meta := newMetadata(t, "user1")
	require.NoError(t, s.Create(ctx, meta))

	require.NoError(t, s.Disable(ctx, meta.ID))

	got, err := s.Get(ctx, meta.ID)
	require.NoError(t, err)
	require.True(t, got.Disabled)

	t.Run("disable unknown id", func(t *testing.T) {
		other, err := uuid.NewV7()
		require.NoError(t, err)
		require.ErrorIs(t, s.Disable(ctx, other), store.ErrCredentialNotFound)
	})
}

func TestCredentialStore_ListByUser(t *testing.T) {
	ctx := context.Background()
	s := NewCredentialStore()

	require.NoError(t, s.Create(ctx, newMetadata(t, "alice")))
	require.NoError(t, s.Create(ctx, newMetadata(t, "alice")))
	require.NoError(t, s.Create(ctx, newMetadata(t, "bob")))

	list, err := s.ListByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)

	empty, err := s.ListByUser(ctx, "carol")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestCredentialStore_QualifierClass(t *testing.T) {
	ctx := context.Background()
	s := NewCredentialStore()

	class := &models.QualifierCredentialMetadata{
		UserID:             "alice",
		SignatureQualifier: "eu_eidas_qes",
		Multisign:          1,
		Scal:               models.ScalSingle,
		CryptoTokenName:    "token1",
		KeyProfile:         "rsa2048",
	}
	require.NoError(t, s.CreateQualifierClass(ctx, class))

	t.Run("resolves by user and qualifier", func(t *testing.T) {
		got, err := s.GetByQualifier(ctx, "alice", "eu_eidas_qes")
		require.NoError(t, err)
		require.Equal(t, "token1", got.CryptoTokenName)
	})

	t.Run("wrong user", func(t *testing.T) {
		_, err := s.GetByQualifier(ctx, "bob", "eu_eidas_qes")
		require.ErrorIs(t, err, store.ErrQualifierNotFound)
	})

	t.Run("duplicate class fails", func(t *testing.T) {
		err := s.CreateQualifierClass(ctx, class)
		require.ErrorIs(t, err, store.ErrCredentialAlreadyExists)
	})
}
