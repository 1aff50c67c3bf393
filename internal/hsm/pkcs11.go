package hsm

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/miekg/pkcs11"
	"github.com/rs/zerolog/log"
	"github.com/signhub/rqes/internal/models"
)

// PKCS11Config configures a PKCS#11-backed crypto token.
type PKCS11Config struct {
	// ModulePath is the PKCS#11 library, e.g. /usr/lib/softhsm/libsofthsm2.so.
	ModulePath string
	// SlotID is the token slot to open.
	SlotID uint
	// PIN is the user PIN for the token.
	PIN string
}

// PKCS11Token implements SigningBackend on a PKCS#11 module. A single
// session serves all operations; PKCS#11 forbids concurrent use of one
// session, so every call holds the token mutex for the session's lifetime
// of the operation.
type PKCS11Token struct {
	mu      sync.Mutex
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
}

// SHA256 DigestInfo prefix for PKCS#1 v1.5 padding of pre-hashed input.
var sha256DigestInfo = []byte{
	0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86,
	0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05,
	0x00, 0x04, 0x20,
}

// NewPKCS11Token opens a session against the configured module and slot.
func NewPKCS11Token(cfg PKCS11Config) (*PKCS11Token, error) {
	p := pkcs11.New(cfg.ModulePath)
	if p == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module %s", cfg.ModulePath)
	}

	if err := p.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PKCS#11 module: %w", err)
	}

	slots, err := p.GetSlotList(true)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}

	var target uint
	found := false
	for _, s := range slots {
		if s == cfg.SlotID {
			target = s
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("slot %d not found", cfg.SlotID)
	}

	session, err := p.OpenSession(target, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	if err := p.Login(session, pkcs11.CKU_USER, cfg.PIN); err != nil {
		return nil, fmt.Errorf("failed to login: %w", err)
	}

	log.Info().Str("module", cfg.ModulePath).Uint("slot", cfg.SlotID).Msg("PKCS#11 token opened")

	return &PKCS11Token{ctx: p, session: session}, nil
}

// Close logs out and releases the PKCS#11 session and module.
func (t *PKCS11Token) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = t.ctx.Logout(t.session)
	_ = t.ctx.CloseSession(t.session)
	_ = t.ctx.Finalize()
	t.ctx.Destroy()
}

// GenerateKeyPair creates an RSA key pair in the token under alias.
// Only the rsa2048 profile is supported by PKCS#11 tokens here.
func (t *PKCS11Token) GenerateKeyPair(ctx context.Context, tokenName, alias, profile string) error {
	if profile != ProfileRSA2048 {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, profile)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.findKeyLocked(pkcs11.CKO_PRIVATE_KEY, alias); err == nil {
		return ErrKeyAlreadyExists
	}

	pubTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, 2048),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{1, 0, 1}),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, alias),
		pkcs11.NewAttribute(pkcs11.CKA_ID, []byte(alias)),
	}
	privTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, alias),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_ID, []byte(alias)),
	}

	_, _, err := t.ctx.GenerateKeyPair(t.session,
		[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil)},
		pubTemplate, privTemplate)
	if err != nil {
		var pkErr pkcs11.Error
		if errors.As(err, &pkErr) && pkErr == pkcs11.CKR_DEVICE_MEMORY {
			return ErrTokenFull
		}
		return fmt.Errorf("failed to generate key pair: %w", err)
	}

	log.Debug().Str("token", tokenName).Str("alias", alias).Msg("Generated PKCS#11 key pair")
	return nil
}

// CertificateRequest produces a DER-encoded CSR signed by the token key.
func (t *PKCS11Token) CertificateRequest(ctx context.Context, key models.CryptoTokenKey, subjectDN string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	signer, err := t.signerLocked(key.KeyAlias)
	if err != nil {
		return nil, err
	}

	template := &x509.CertificateRequest{
		Subject: parseSubjectDN(subjectDN),
	}

	csr, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}
	return csr, nil
}

// Sign applies the signature algorithm to a pre-computed digest.
func (t *PKCS11Token) Sign(ctx context.Context, key models.CryptoTokenKey, digest []byte, algorithm string) ([]byte, error) {
	if algorithm != AlgoSHA256WithRSA {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	privHandle, err := t.findKeyLocked(pkcs11.CKO_PRIVATE_KEY, key.KeyAlias)
	if err != nil {
		return nil, err
	}

	// CKM_RSA_PKCS over DigestInfo || hash for pre-hashed SHA-256 input.
	mechanism := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}
	input := digest
	if len(digest) == 32 {
		input = append(append([]byte{}, sha256DigestInfo...), digest...)
	}

	if err := t.ctx.SignInit(t.session, mechanism, privHandle); err != nil {
		return nil, fmt.Errorf("failed to init sign: %w", err)
	}

	signature, err := t.ctx.Sign(t.session, input)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}

	return signature, nil
}

// DeleteKeyPair destroys both halves of the key pair, freeing the slot.
func (t *PKCS11Token) DeleteKeyPair(ctx context.Context, key models.CryptoTokenKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	deleted := 0
	for _, class := range []uint{pkcs11.CKO_PRIVATE_KEY, pkcs11.CKO_PUBLIC_KEY} {
		handle, err := t.findKeyLocked(class, key.KeyAlias)
		if err != nil {
			continue
		}
		if err := t.ctx.DestroyObject(t.session, handle); err != nil {
			return fmt.Errorf("failed to destroy key object: %w", err)
		}
		deleted++
	}

	if deleted == 0 {
		return ErrKeyNotFound
	}

	log.Debug().Str("token", key.TokenName).Str("alias", key.KeyAlias).Msg("Deleted PKCS#11 key pair")
	return nil
}

// findKeyLocked locates an object by class and label. Caller holds t.mu.
func (t *PKCS11Token) findKeyLocked(class uint, alias string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, alias),
	}
	if err := t.ctx.FindObjectsInit(t.session, template); err != nil {
		return 0, fmt.Errorf("failed to init key search: %w", err)
	}
	objs, _, err := t.ctx.FindObjects(t.session, 1)
	finalErr := t.ctx.FindObjectsFinal(t.session)
	if err != nil {
		return 0, fmt.Errorf("failed to search keys: %w", err)
	}
	if finalErr != nil {
		return 0, fmt.Errorf("failed to finalize key search: %w", finalErr)
	}
	if len(objs) == 0 {
		return 0, ErrKeyNotFound
	}
	return objs[0], nil
}

// signerLocked builds a crypto.Signer over the token key. Caller holds t.mu
// for the whole lifetime of the returned signer.
func (t *PKCS11Token) signerLocked(alias string) (crypto.Signer, error) {
	privHandle, err := t.findKeyLocked(pkcs11.CKO_PRIVATE_KEY, alias)
	if err != nil {
		return nil, err
	}
	pubHandle, err := t.findKeyLocked(pkcs11.CKO_PUBLIC_KEY, alias)
	if err != nil {
		return nil, err
	}

	attrs, err := t.ctx.GetAttributeValue(t.session, pubHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get public key attributes: %w", err)
	}

	publicKey := &rsa.PublicKey{
		N: new(big.Int).SetBytes(attrs[0].Value),
		E: int(new(big.Int).SetBytes(attrs[1].Value).Int64()),
	}

	return &pkcs11Signer{token: t, privHandle: privHandle, publicKey: publicKey}, nil
}

// pkcs11Signer adapts a token private key to crypto.Signer. Only valid while
// the creating call holds the token mutex.
type pkcs11Signer struct {
	token      *PKCS11Token
	privHandle pkcs11.ObjectHandle
	publicKey  *rsa.PublicKey
}

func (s *pkcs11Signer) Public() crypto.PublicKey {
	return s.publicKey
}

func (s *pkcs11Signer) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	mechanism := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}

	input := digest
	if len(digest) == 32 {
		input = append(append([]byte{}, sha256DigestInfo...), digest...)
	}

	if err := s.token.ctx.SignInit(s.token.session, mechanism, s.privHandle); err != nil {
		return nil, fmt.Errorf("failed to init sign: %w", err)
	}
	return s.token.ctx.Sign(s.token.session, input)
}
