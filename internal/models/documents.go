package models

// CertificateReturnType controls how much certificate material is returned
// with a signing response.
type CertificateReturnType string

const (
	// CertReturnNone returns no certificate material, even when validation
	// info was requested.
	CertReturnNone CertificateReturnType = "none"
	// CertReturnSingle returns exactly the end-entity certificate. This is
	// the default when the request leaves the field unset.
	CertReturnSingle CertificateReturnType = "single"
	// CertReturnChain returns the full chain.
	CertReturnChain CertificateReturnType = "chain"
)

// Document is one item of a signing request: a pre-computed hash or raw
// content plus the signature algorithm to apply.
type Document struct {
	// Hash is the hex-encoded digest to be signed. Used by the plain-hash
	// process variant.
	Hash string
	// Content is the raw document, hashed server-side by the document
	// process variant.
	Content []byte
	// SignAlgo identifies the signature algorithm, e.g. "SHA256withRSA".
	SignAlgo string
}

// Signature is one produced signature value, base64 in transport form.
type Signature struct {
	Value []byte
}

// ValidationInfo carries revocation and chain evidence returned alongside
// signatures. All members are DER bytes; transport encoding is the API
// layer's concern.
type ValidationInfo struct {
	CRLs         [][]byte
	OCSPs        [][]byte
	Certificates [][]byte
}

// SignedDocuments is the assembled result of a signing call.
type SignedDocuments struct {
	Signatures []Signature
	ValidationInfo
}
