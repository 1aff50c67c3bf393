package models

import "fmt"

// ProcessKind discriminates the signature process configuration variants.
type ProcessKind string

const (
	// ProcessKindPlainHash signs caller-supplied digests as-is.
	ProcessKindPlainHash ProcessKind = "plain-hash"
	// ProcessKindDocument hashes a full document server-side before signing.
	ProcessKindDocument ProcessKind = "document"
)

// ProcessConfig is the signature process configuration as a tagged variant:
// only the fields valid for the kind are populated, enforced at construction.
type ProcessConfig struct {
	Kind ProcessKind

	// Plain-hash variant.
	HashAlgorithmOID string

	// Document variant.
	DocumentType     string
	DigestToSignWith string
}

// NewPlainHashProcess builds the plain-hash variant.
func NewPlainHashProcess(hashAlgorithmOID string) (ProcessConfig, error) {
	if hashAlgorithmOID == "" {
		return ProcessConfig{}, fmt.Errorf("plain-hash process requires a hash algorithm OID")
	}
	return ProcessConfig{
		Kind:             ProcessKindPlainHash,
		HashAlgorithmOID: hashAlgorithmOID,
	}, nil
}

// NewDocumentProcess builds the document variant.
func NewDocumentProcess(documentType, digest string) (ProcessConfig, error) {
	if documentType == "" {
		return ProcessConfig{}, fmt.Errorf("document process requires a document type")
	}
	if digest == "" {
		return ProcessConfig{}, fmt.Errorf("document process requires a digest algorithm")
	}
	return ProcessConfig{
		Kind:             ProcessKindDocument,
		DocumentType:     documentType,
		DigestToSignWith: digest,
	}, nil
}
