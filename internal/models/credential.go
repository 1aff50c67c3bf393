package models

import (
	"time"

	"github.com/google/uuid"
)

// Scal is the authorization mode of a credential: how many signatures a
// single SAD may gate.
const (
	ScalSingle = "1" // one SAD per signing call
	ScalMulti  = "2" // one SAD may open a multi-signature session
)

// EndEntity is a CA-registered identity. Owned exclusively by the key pool
// until bound to a credential.
type EndEntity struct {
	Username       string
	Password       string
	SubjectDN      string
	SubjectAltName string
}

// CryptoTokenKey references a key-pair slot inside a crypto token. One key
// occupies exactly one slot at a time.
type CryptoTokenKey struct {
	TokenName string
	KeyAlias  string
}

// Credential is a durable signing identity bound to a key and certificate.
type Credential struct {
	CredentialID       string
	Description        string
	SignatureQualifier string
	Key                CryptoTokenKey
	CertificateDER     []byte
	ChainDER           [][]byte
	// Multisign is the max signatures authorizable per SAD. Always >= 1.
	Multisign int
	// OneTime marks credentials backed by a pool key that is destroyed
	// after a single authorization.
	OneTime bool
	// EndEntityName is set for one-time credentials so the consumed key's
	// CA registration can be cleaned up.
	EndEntityName string
}

// CredentialMetadata is the registry record for a durable credential.
type CredentialMetadata struct {
	ID                 uuid.UUID
	UserID             string
	KeyAlias           string
	SignatureQualifier string
	Multisign          int
	Scal               string // ScalSingle or ScalMulti
	CryptoTokenName    string
	Disabled           bool

	// ChainDER is the credential's certificate chain, leaf first.
	ChainDER [][]byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// QualifierCredentialMetadata describes an ephemeral credential class keyed
// by (userID, signatureQualifier) rather than a stored credential ID. Each
// authorization draws a fresh one-time key from the pool.
type QualifierCredentialMetadata struct {
	UserID             string
	SignatureQualifier string
	Multisign          int
	Scal               string
	CryptoTokenName    string
	KeyProfile         string
}
