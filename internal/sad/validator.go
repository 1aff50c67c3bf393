// Package sad converts bearer tokens into trusted signature activation data.
// A token is accepted only if it is provably issued by the trusted authority
// and bound to the hashes of the current request.
package sad

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/signhub/rqes/internal/errs"
	"github.com/signhub/rqes/internal/models"
	"github.com/signhub/rqes/internal/telemetry"
)

// ValidatorConfig wires the validator to the trusted key set and the expected
// token envelope.
type ValidatorConfig struct {
	Keys     KeySetProvider
	Issuer   string
	Audience string

	// ClockSkew is the leeway applied to exp and iat checks.
	ClockSkew time.Duration
}

// ApplyDefaults sets default values for unset fields
func (c *ValidatorConfig) ApplyDefaults() {
	if c.ClockSkew == 0 {
		c.ClockSkew = 30 * time.Second
	}
}

// Validate checks the configuration
func (c *ValidatorConfig) Validate() error {
	if c.Keys == nil {
		return fmt.Errorf("key set provider is required")
	}
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if c.Audience == "" {
		return fmt.Errorf("audience is required")
	}
	return nil
}

// Validator verifies SAD tokens.
type Validator struct {
	cfg    ValidatorConfig
	parser *jwt.Parser
}

// sadClaims is the SAD token payload.
type sadClaims struct {
	jwt.RegisteredClaims

	CredentialID       string   `json:"credentialID,omitempty"`
	SignatureQualifier string   `json:"signatureQualifier,omitempty"`
	NumSignatures      int      `json:"numSignatures"`
	Hashes             []string `json:"hashes"`
}

// NewValidator creates a SAD validator.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid validator config: %w", err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"ES256", "RS256"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)

	return &Validator{cfg: cfg, parser: parser}, nil
}

// Validate verifies token and binds it to the request's document hashes.
// The returned activation data is immutable; callers must not rely on any
// claim the validator did not copy into it.
func (v *Validator) Validate(ctx context.Context, token string, documentHashes []string) (models.SignatureActivationData, error) {
	sad, err := v.validate(ctx, token, documentHashes)
	if err != nil {
		telemetry.GetMetrics().SADRejectionsTotal.Add(ctx, 1)
		log.Debug().Err(err).Msg("SAD rejected")
		return models.SignatureActivationData{}, err
	}
	return sad, nil
}

func (v *Validator) validate(ctx context.Context, token string, documentHashes []string) (models.SignatureActivationData, error) {
	var none models.SignatureActivationData

	claims := &sadClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return v.cfg.Keys.Key(ctx, kid, "sig")
	})
	if err != nil {
		return none, mapJWTError(err)
	}
	if !parsed.Valid {
		return none, errs.Validation(errs.CodeBadSignature, "SAD token invalid", nil)
	}

	if claims.Subject == "" {
		return none, errs.Validation(errs.CodeBadRequest, "SAD has no subject", nil)
	}
	if claims.ID == "" {
		return none, errs.Validation(errs.CodeBadRequest, "SAD has no token id", nil)
	}
	if (claims.CredentialID == "") == (claims.SignatureQualifier == "") {
		return none, errs.Validation(errs.CodeBadRequest,
			"SAD must name exactly one of credentialID or signatureQualifier", nil)
	}
	if claims.NumSignatures < 1 {
		return none, errs.Validation(errs.CodeBadRequest,
			fmt.Sprintf("SAD authorizes %d signatures", claims.NumSignatures), nil)
	}
	if len(claims.Hashes) == 0 {
		return none, errs.Validation(errs.CodeBadRequest, "SAD carries no hashes", nil)
	}

	if !hashesBound(claims.Hashes, documentHashes) {
		return none, errs.Validation(errs.CodeHashMismatch,
			"SAD hashes do not match the request's document hashes", nil)
	}

	sad := models.SignatureActivationData{
		ID:                 claims.ID,
		UserID:             claims.Subject,
		CredentialID:       claims.CredentialID,
		SignatureQualifier: claims.SignatureQualifier,
		NumSignatures:      claims.NumSignatures,
		Hashes:             normalizeHashes(claims.Hashes),
	}
	if claims.IssuedAt != nil {
		sad.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		sad.ExpiresAt = claims.ExpiresAt.Time
	}

	return sad, nil
}

// mapJWTError translates parse failures into the shared taxonomy.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return errs.Validation(errs.CodeSADExpired, "SAD expired", err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return errs.Validation(errs.CodeSADNotYetValid, "SAD not yet valid", err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return errs.Validation(errs.CodeBadAudience, "SAD audience mismatch", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return errs.Validation(errs.CodeBadIssuer, "SAD issuer mismatch", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return errs.Validation(errs.CodeBadSignature, "SAD signature invalid", err)
	default:
		return errs.Validation(errs.CodeBadSignature, "SAD parse failed", err)
	}
}

// hashesBound reports whether every document hash of the request appears in
// the SAD's hash claim, with a constant-time element compare. A
// multi-signature SAD spans several calls, so the request may present any
// non-empty subset of the claimed hashes; exact binding for single-use SADs
// is the caller's concern.
func hashesBound(sadHashes, documentHashes []string) bool {
	if len(documentHashes) == 0 || len(documentHashes) > len(sadHashes) {
		return false
	}

	claimed := normalizeHashes(sadHashes)
	for _, h := range normalizeHashes(documentHashes) {
		found := 0
		for _, c := range claimed {
			found |= subtle.ConstantTimeCompare([]byte(h), []byte(c))
		}
		if found == 0 {
			return false
		}
	}
	return true
}

func normalizeHashes(hashes []string) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = strings.ToLower(h)
	}
	return out
}
