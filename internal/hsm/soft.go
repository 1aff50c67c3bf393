package hsm

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/signhub/rqes/internal/models"
)

// SoftToken is an in-memory signing backend for tests and local development.
// Keys are lost on restart. MaxSlots bounds the number of concurrent key
// pairs per token name; zero means unbounded.
type SoftToken struct {
	mu       sync.Mutex
	keys     map[string]*softKey // tokenName|alias
	perToken map[string]int
	maxSlots int
}

type softKey struct {
	profile string
	rsa     *rsa.PrivateKey
	ec      *ecdsa.PrivateKey
}

// NewSoftToken creates an in-memory soft token backend.
func NewSoftToken(maxSlots int) *SoftToken {
	return &SoftToken{
		keys:     make(map[string]*softKey),
		perToken: make(map[string]int),
		maxSlots: maxSlots,
	}
}

// GenerateKeyPair creates a key pair under the given alias.
func (t *SoftToken) GenerateKeyPair(ctx context.Context, tokenName, alias, profile string) error {
	k := &softKey{profile: profile}
	switch profile {
	case ProfileRSA2048:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return fmt.Errorf("failed to generate RSA key: %w", err)
		}
		k.rsa = key
	case ProfileP256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return fmt.Errorf("failed to generate EC key: %w", err)
		}
		k.ec = key
	default:
		return fmt.Errorf("%w: %s", ErrUnknownProfile, profile)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := slotID(tokenName, alias)
	if _, exists := t.keys[id]; exists {
		return ErrKeyAlreadyExists
	}
	if t.maxSlots > 0 && t.perToken[tokenName] >= t.maxSlots {
		return ErrTokenFull
	}

	t.keys[id] = k
	t.perToken[tokenName]++
	return nil
}

// CertificateRequest produces a DER-encoded CSR signed by the key.
func (t *SoftToken) CertificateRequest(ctx context.Context, key models.CryptoTokenKey, subjectDN string) ([]byte, error) {
	k, err := t.lookup(key)
	if err != nil {
		return nil, err
	}

	template := &x509.CertificateRequest{
		Subject: parseSubjectDN(subjectDN),
	}

	var signer any
	if k.rsa != nil {
		signer = k.rsa
	} else {
		signer = k.ec
	}

	csr, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}
	return csr, nil
}

// Sign applies the signature algorithm to a pre-computed digest.
func (t *SoftToken) Sign(ctx context.Context, key models.CryptoTokenKey, digest []byte, algorithm string) ([]byte, error) {
	k, err := t.lookup(key)
	if err != nil {
		return nil, err
	}

	switch algorithm {
	case AlgoSHA256WithRSA:
		if k.rsa == nil {
			return nil, fmt.Errorf("%w: key %s is not RSA", ErrUnknownAlgorithm, key.KeyAlias)
		}
		return rsa.SignPKCS1v15(rand.Reader, k.rsa, crypto.SHA256, digest)
	case AlgoSHA256WithECDSA:
		if k.ec == nil {
			return nil, fmt.Errorf("%w: key %s is not EC", ErrUnknownAlgorithm, key.KeyAlias)
		}
		return ecdsa.SignASN1(rand.Reader, k.ec, digest)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
	}
}

// DeleteKeyPair destroys the key pair, freeing its slot.
func (t *SoftToken) DeleteKeyPair(ctx context.Context, key models.CryptoTokenKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := slotID(key.TokenName, key.KeyAlias)
	if _, exists := t.keys[id]; !exists {
		return ErrKeyNotFound
	}

	delete(t.keys, id)
	t.perToken[key.TokenName]--
	return nil
}

func (t *SoftToken) lookup(key models.CryptoTokenKey) (*softKey, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k, exists := t.keys[slotID(key.TokenName, key.KeyAlias)]
	if !exists {
		return nil, ErrKeyNotFound
	}
	return k, nil
}

func slotID(tokenName, alias string) string {
	return tokenName + "|" + alias
}
