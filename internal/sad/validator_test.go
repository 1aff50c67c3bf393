package sad

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/signhub/rqes/internal/errs"
)

const (
	testIssuer   = "https://authz.example.com"
	testAudience = "rqes"
	testKid      = "sad-key-1"
)

type sadOpts struct {
	credentialID       string
	signatureQualifier string
	numSignatures      int
	hashes             []string
	issuedAt           time.Time
	expiresAt          time.Time
	issuer             string
	audience           string
	kid                string
	jti                string
	method             jwt.SigningMethod
}

func defaultOpts() sadOpts {
	now := time.Now()
	return sadOpts{
		signatureQualifier: "eu_eidas_qes",
		numSignatures:      1,
		hashes:             []string{"aabbcc"},
		issuedAt:           now,
		expiresAt:          now.Add(5 * time.Minute),
		issuer:             testIssuer,
		audience:           testAudience,
		kid:                testKid,
		jti:                "sad-1",
		method:             jwt.SigningMethodES256,
	}
}

func mintSAD(t *testing.T, key any, opts sadOpts) string {
	t.Helper()

	claims := &sadClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    opts.issuer,
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{opts.audience},
			IssuedAt:  jwt.NewNumericDate(opts.issuedAt),
			ExpiresAt: jwt.NewNumericDate(opts.expiresAt),
			ID:        opts.jti,
		},
		CredentialID:       opts.credentialID,
		SignatureQualifier: opts.signatureQualifier,
		NumSignatures:      opts.numSignatures,
		Hashes:             opts.hashes,
	}

	token := jwt.NewWithClaims(opts.method, claims)
	token.Header["kid"] = opts.kid

	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newValidator(t *testing.T) (*Validator, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	v, err := NewValidator(ValidatorConfig{
		Keys:     NewStaticProvider(map[string]crypto.PublicKey{testKid: &key.PublicKey}),
		Issuer:   testIssuer,
		Audience: testAudience,
	})
	require.NoError(t, err)
	return v, key
}

func TestValidator_Validate(t *testing.T) {
	ctx := context.Background()
	v, key := newValidator(t)

	t.Run("valid token", func(t *testing.T) {
		opts := defaultOpts()
		opts.numSignatures = 3
		opts.hashes = []string{"aabbcc", "ddeeff"}

		sad, err := v.Validate(ctx, mintSAD(t, key, opts), []string{"aabbcc", "ddeeff"})
		require.NoError(t, err)
		require.Equal(t, "sad-1", sad.ID)
		require.Equal(t, "user-1", sad.UserID)
		require.Equal(t, "eu_eidas_qes", sad.SignatureQualifier)
		require.Empty(t, sad.CredentialID)
		require.Equal(t, 3, sad.NumSignatures)
		require.False(t, sad.IsExpired(time.Now()))
	})

	t.Run("hash order does not matter", func(t *testing.T) {
		opts := defaultOpts()
		opts.hashes = []string{"aabbcc", "ddeeff"}

		_, err := v.Validate(ctx, mintSAD(t, key, opts), []string{"ddeeff", "aabbcc"})
		require.NoError(t, err)
	})

	t.Run("hash case does not matter", func(t *testing.T) {
		opts := defaultOpts()
		opts.hashes = []string{"AABBCC"}

		_, err := v.Validate(ctx, mintSAD(t, key, opts), []string{"aabbcc"})
		require.NoError(t, err)
	})

	t.Run("subset of claimed hashes", func(t *testing.T) {
		// A multi-signature SAD covers several calls, each presenting only
		// the hashes it signs.
		opts := defaultOpts()
		opts.numSignatures = 3
		opts.hashes = []string{"aabbcc", "ddeeff", "112233"}

		_, err := v.Validate(ctx, mintSAD(t, key, opts), []string{"ddeeff"})
		require.NoError(t, err)
	})

	t.Run("hash mismatch", func(t *testing.T) {
		_, err := v.Validate(ctx, mintSAD(t, key, defaultOpts()), []string{"112233"})
		require.Error(t, err)
		require.Equal(t, errs.CodeHashMismatch, errs.CodeOf(err))
	})

	t.Run("hash outside the claimed set", func(t *testing.T) {
		opts := defaultOpts()
		opts.hashes = []string{"aabbcc", "ddeeff"}

		_, err := v.Validate(ctx, mintSAD(t, key, opts), []string{"aabbcc", "112233"})
		require.Error(t, err)
		require.Equal(t, errs.CodeHashMismatch, errs.CodeOf(err))
	})

	t.Run("more documents than claimed hashes", func(t *testing.T) {
		_, err := v.Validate(ctx, mintSAD(t, key, defaultOpts()), []string{"aabbcc", "aabbcc"})
		require.Error(t, err)
		require.Equal(t, errs.CodeHashMismatch, errs.CodeOf(err))
	})

	t.Run("no document hashes", func(t *testing.T) {
		_, err := v.Validate(ctx, mintSAD(t, key, defaultOpts()), nil)
		require.Error(t, err)
		require.Equal(t, errs.CodeHashMismatch, errs.CodeOf(err))
	})
}

func TestValidator_RejectsExpired(t *testing.T) {
	ctx := context.Background()
	v, key := newValidator(t)

	// A validly signed token past its expiry is always rejected.
	opts := defaultOpts()
	opts.issuedAt = time.Now().Add(-time.Hour)
	opts.expiresAt = time.Now().Add(-30 * time.Minute)

	_, err := v.Validate(ctx, mintSAD(t, key, opts), []string{"aabbcc"})
	require.Error(t, err)
	require.Equal(t, errs.CodeSADExpired, errs.CodeOf(err))
	require.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestValidator_RejectsBadEnvelope(t *testing.T) {
	ctx := context.Background()
	v, key := newValidator(t)

	t.Run("issued in the future", func(t *testing.T) {
		opts := defaultOpts()
		opts.issuedAt = time.Now().Add(time.Hour)
		opts.expiresAt = time.Now().Add(2 * time.Hour)

		_, err := v.Validate(ctx, mintSAD(t, key, opts), []string{"aabbcc"})
		require.Error(t, err)
		require.Equal(t, errs.CodeSADNotYetValid, errs.CodeOf(err))
	})

	t.Run("wrong audience", func(t *testing.T) {
		opts := defaultOpts()
		opts.audience = "someone-else"

		_, err := v.Validate(ctx, mintSAD(t, key, opts), []string{"aabbcc"})
		require.Error(t, err)
		require.Equal(t, errs.CodeBadAudience, errs.CodeOf(err))
	})

	t.Run("wrong issuer", func(t *testing.T) {
		opts := defaultOpts()
		opts.issuer = "https://rogue.example.com"

		_, err := v.Validate(ctx, mintSAD(t, key, opts), []string{"aabbcc"})
		require.Error(t, err)
		require.Equal(t, errs.CodeBadIssuer, errs.CodeOf(err))
	})

	t.Run("wrong signing key", func(t *testing.T) {
		other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)

		_, err = v.Validate(ctx, mintSAD(t, other, defaultOpts()), []string{"aabbcc"})
		require.Error(t, err)
		require.True(t, errs.IsKind(err, errs.KindValidation))
	})

	t.Run("disallowed algorithm", func(t *testing.T) {
		opts := defaultOpts()
		opts.method = jwt.SigningMethodHS256

		_, err := v.Validate(ctx, mintSAD(t, []byte("shared-secret"), opts), []string{"aabbcc"})
		require.Error(t, err)
		require.True(t, errs.IsKind(err, errs.KindValidation))
	})

	t.Run("unknown kid", func(t *testing.T) {
		opts := defaultOpts()
		opts.kid = "rotated-away"

		_, err := v.Validate(ctx, mintSAD(t, key, opts), []string{"aabbcc"})
		require.Error(t, err)
	})
}

func TestValidator_RejectsBadClaims(t *testing.T) {
	ctx := context.Background()
	v, key := newValidator(t)

	t.Run("both credential id and qualifier", func(t *testing.T) {
		opts := defaultOpts()
		opts.credentialID = "cred-1"

		_, err := v.Validate(ctx, mintSAD(t, key, opts), []string{"aabbcc"})
		require.Error(t, err)
		require.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))
	})

	t.Run("neither credential id nor qualifier", func(t *testing.T) {
		opts := defaultOpts()
		opts.signatureQualifier = ""

		_, err := v.Validate(ctx, mintSAD(t, key, opts), []string{"aabbcc"})
		require.Error(t, err)
		require.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))
	})

	t.Run("zero signatures", func(t *testing.T) {
		opts := defaultOpts()
		opts.numSignatures = 0

		_, err := v.Validate(ctx, mintSAD(t, key, opts), []string{"aabbcc"})
		require.Error(t, err)
		require.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))
	})

	t.Run("missing token id", func(t *testing.T) {
		opts := defaultOpts()
		opts.jti = ""

		_, err := v.Validate(ctx, mintSAD(t, key, opts), []string{"aabbcc"})
		require.Error(t, err)
		require.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))
	})
}
