package models

import "time"

// SignatureActivationData is the validated authorization token permitting
// use of a credential for a bounded number of signatures. Immutable once
// produced by the validator.
type SignatureActivationData struct {
	// ID is the token's jti claim, used to key multi-signature sessions.
	ID     string
	UserID string

	// Exactly one of CredentialID / SignatureQualifier is set: a durable
	// credential or an ephemeral qualifier-based one.
	CredentialID       string
	SignatureQualifier string

	// NumSignatures is the number of signatures this SAD authorizes.
	NumSignatures int

	// Hashes are the document hashes the SAD is bound to, hex-encoded.
	Hashes []string

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IsExpired returns true if the SAD's validity window has passed.
func (s *SignatureActivationData) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
