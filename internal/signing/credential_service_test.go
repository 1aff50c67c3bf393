package signing

import (
	"context"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signhub/rqes/internal/ca"
	"github.com/signhub/rqes/internal/errs"
	"github.com/signhub/rqes/internal/hsm"
	"github.com/signhub/rqes/internal/models"
	"github.com/signhub/rqes/internal/store/memory"
)

func newService(t *testing.T) *CredentialService {
	t.Helper()

	authority, err := ca.NewEphemeralCA("Credential Test CA")
	require.NoError(t, err)

	svc, err := NewCredentialService(memory.NewCredentialStore(), hsm.NewSoftToken(100), authority, 0)
	require.NoError(t, err)
	return svc
}

func TestCredentialService_CreateCredential(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	t.Run("provisions key and certificate", func(t *testing.T) {
		meta, err := svc.CreateCredential(ctx, CreateCredentialRequest{
			UserID:             testUser,
			SignatureQualifier: testQES,
			Multisign:          3,
			Scal:               models.ScalMulti,
			CryptoTokenName:    testToken,
			KeyProfile:         hsm.ProfileP256,
		})
		require.NoError(t, err)
		require.NotEmpty(t, meta.KeyAlias)
		require.Len(t, meta.ChainDER, 2)

		cert, err := x509.ParseCertificate(meta.ChainDER[0])
		require.NoError(t, err)
		require.Equal(t, meta.KeyAlias, cert.Subject.CommonName)

		got, err := svc.CredentialInfo(ctx, meta.ID)
		require.NoError(t, err)
		require.Equal(t, meta.ID, got.ID)
		require.False(t, got.Disabled)
	})

	t.Run("rejects bad scal", func(t *testing.T) {
		_, err := svc.CreateCredential(ctx, CreateCredentialRequest{
			UserID:             testUser,
			SignatureQualifier: testQES,
			Multisign:          1,
			Scal:               "3",
			CryptoTokenName:    testToken,
			KeyProfile:         hsm.ProfileP256,
		})
		require.Error(t, err)
		require.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))
	})

	t.Run("rejects zero multisign", func(t *testing.T) {
		_, err := svc.CreateCredential(ctx, CreateCredentialRequest{
			UserID:             testUser,
			SignatureQualifier: testQES,
			Scal:               models.ScalSingle,
			CryptoTokenName:    testToken,
			KeyProfile:         hsm.ProfileP256,
		})
		require.Error(t, err)
	})
}

func TestCredentialService_Disable(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	meta, err := svc.CreateCredential(ctx, CreateCredentialRequest{
		UserID:             testUser,
		SignatureQualifier: testQES,
		Multisign:          1,
		Scal:               models.ScalSingle,
		CryptoTokenName:    testToken,
		KeyProfile:         hsm.ProfileP256,
	})
	require.NoError(t, err)

	require.NoError(t, svc.DisableCredential(ctx, meta.ID))

	// Disabled credentials stay visible so callers can tell disabled from
	// missing.
	got, err := svc.CredentialInfo(ctx, meta.ID)
	require.NoError(t, err)
	require.True(t, got.Disabled)

	// Disable is permanent; a second call still succeeds.
	require.NoError(t, svc.DisableCredential(ctx, meta.ID))
}

func TestCredentialService_CreateQualifierClass(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	meta := &models.QualifierCredentialMetadata{
		UserID:             testUser,
		SignatureQualifier: testQES,
		Multisign:          1,
		Scal:               models.ScalSingle,
		CryptoTokenName:    testToken,
		KeyProfile:         hsm.ProfileP256,
	}
	require.NoError(t, svc.CreateQualifierClass(ctx, meta))

	t.Run("duplicate rejected", func(t *testing.T) {
		err := svc.CreateQualifierClass(ctx, meta)
		require.Error(t, err)
		require.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))
	})
}
