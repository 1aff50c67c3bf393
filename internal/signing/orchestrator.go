// Package signing drives the end-to-end signing call: SAD validation,
// credential resolution, quota enforcement, backend signing, and response
// assembly. A request either yields all its signatures or none.
package signing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/signhub/rqes/internal/ca"
	"github.com/signhub/rqes/internal/errs"
	"github.com/signhub/rqes/internal/hsm"
	"github.com/signhub/rqes/internal/keypool"
	"github.com/signhub/rqes/internal/models"
	"github.com/signhub/rqes/internal/sad"
	"github.com/signhub/rqes/internal/session"
	"github.com/signhub/rqes/internal/store"
	"github.com/signhub/rqes/internal/telemetry"
)

// Config wires the orchestrator to its collaborators.
type Config struct {
	Store     store.CredentialStore
	Pool      *keypool.Pool
	Sessions  *session.Manager
	Validator *sad.Validator
	Backend   hsm.SigningBackend
	CA        ca.Client
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("credential store is required")
	}
	if c.Pool == nil {
		return fmt.Errorf("key pool is required")
	}
	if c.Sessions == nil {
		return fmt.Errorf("session manager is required")
	}
	if c.Validator == nil {
		return fmt.Errorf("SAD validator is required")
	}
	if c.Backend == nil {
		return fmt.Errorf("signing backend is required")
	}
	if c.CA == nil {
		return fmt.Errorf("CA client is required")
	}
	return nil
}

// Orchestrator executes signing requests.
type Orchestrator struct {
	cfg Config
}

// New creates a signing orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	return &Orchestrator{cfg: cfg}, nil
}

// SignRequest is one signing call: a SAD token plus the documents it
// authorizes.
type SignRequest struct {
	// SAD is the bearer authorization token.
	SAD string

	Documents []models.Document

	// Process selects how documents are turned into digests. The zero
	// value behaves as the plain-hash variant.
	Process models.ProcessConfig

	// CertificateReturnType defaults to returning the end-entity
	// certificate when unset.
	CertificateReturnType models.CertificateReturnType

	// ReturnValidationInfo requests CRL and OCSP evidence for the signing
	// certificate.
	ReturnValidationInfo bool
}

// resolved is the outcome of credential resolution for one request.
type resolved struct {
	cred models.Credential
	scal string

	// key is set when the credential is backed by a pool key drawn or
	// reused for this request.
	key *keypool.Key

	// freshKey marks a key reserved by this request rather than reused
	// from an open session.
	freshKey bool
}

// SignHash signs the request's document hashes. On any failure no partial
// signatures are returned.
func (o *Orchestrator) SignHash(ctx context.Context, req SignRequest) (*models.SignedDocuments, error) {
	start := time.Now()
	m := telemetry.GetMetrics()
	m.SignRequestsTotal.Add(ctx, 1)

	out, err := o.signHash(ctx, req)
	if err != nil {
		m.SignFailuresTotal.Add(ctx, 1)
		return nil, err
	}

	m.SignaturesTotal.Add(ctx, int64(len(out.Signatures)))
	m.SignRequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	return out, nil
}

func (o *Orchestrator) signHash(ctx context.Context, req SignRequest) (*models.SignedDocuments, error) {
	if len(req.Documents) == 0 {
		return nil, errs.Validation(errs.CodeBadRequest, "request has no documents", nil)
	}

	digests, hashes, err := documentDigests(req)
	if err != nil {
		return nil, err
	}

	sadData, err := o.cfg.Validator.Validate(ctx, req.SAD, hashes)
	if err != nil {
		return nil, err
	}

	res, err := o.resolve(ctx, sadData)
	if err != nil {
		return nil, err
	}

	if err := o.authorize(sadData, res, len(req.Documents)); err != nil {
		o.abandon(sadData, res, false)
		return nil, err
	}

	signatures := make([]models.Signature, 0, len(req.Documents))
	for i, doc := range req.Documents {
		sig, err := o.cfg.Backend.Sign(ctx, res.cred.Key, digests[i], doc.SignAlgo)
		if err != nil {
			o.abandon(sadData, res, i > 0)
			return nil, errs.External(errs.CodeBackendUnavailable,
				fmt.Sprintf("backend signing failed for document %d", i), err)
		}
		signatures = append(signatures, models.Signature{Value: sig})
	}

	out := &models.SignedDocuments{Signatures: signatures}

	switch certReturn(req.CertificateReturnType) {
	case models.CertReturnNone:
		// No certificate material, even with validation info requested.
	case models.CertReturnChain:
		out.Certificates = res.cred.ChainDER
	default:
		out.Certificates = [][]byte{res.cred.CertificateDER}
	}

	if req.ReturnValidationInfo && certReturn(req.CertificateReturnType) != models.CertReturnNone {
		crls, ocsps, err := o.cfg.CA.RevocationEvidence(ctx, res.cred.CertificateDER)
		if err != nil {
			o.abandon(sadData, res, true)
			return nil, errs.External(errs.CodeCAUnavailable, "failed to fetch revocation evidence", err)
		}
		out.CRLs = crls
		out.OCSPs = ocsps
	}

	o.finish(sadData, res)

	log.Debug().
		Str("sad_id", sadData.ID).
		Str("user_id", sadData.UserID).
		Int("documents", len(req.Documents)).
		Bool("one_time", res.cred.OneTime).
		Msg("Signed documents")

	return out, nil
}

// documentDigests produces the digest to sign for every document. The
// plain-hash variant takes the caller's hex digest as-is, the document
// variant hashes the raw content server-side.
func documentDigests(req SignRequest) ([][]byte, []string, error) {
	if req.Process.Kind == models.ProcessKindDocument &&
		!strings.EqualFold(req.Process.DigestToSignWith, "SHA-256") {
		return nil, nil, errs.Validation(errs.CodeBadRequest,
			fmt.Sprintf("unsupported document digest algorithm %q", req.Process.DigestToSignWith), nil)
	}

	digests := make([][]byte, len(req.Documents))
	hashes := make([]string, len(req.Documents))
	for i, doc := range req.Documents {
		if doc.SignAlgo == "" {
			return nil, nil, errs.Validation(errs.CodeBadRequest, "document has no signature algorithm", nil)
		}

		if req.Process.Kind == models.ProcessKindDocument {
			if len(doc.Content) == 0 {
				return nil, nil, errs.Validation(errs.CodeBadRequest,
					fmt.Sprintf("document %d has no content", i), nil)
			}
			sum := sha256.Sum256(doc.Content)
			digests[i] = sum[:]
			hashes[i] = hex.EncodeToString(sum[:])
			continue
		}

		digest, err := hex.DecodeString(doc.Hash)
		if err != nil || len(digest) == 0 {
			return nil, nil, errs.Validation(errs.CodeBadRequest,
				fmt.Sprintf("document hash %q is not valid hex", doc.Hash), err)
		}
		digests[i] = digest
		hashes[i] = doc.Hash
	}
	return digests, hashes, nil
}

func certReturn(t models.CertificateReturnType) models.CertificateReturnType {
	if t == "" {
		return models.CertReturnSingle
	}
	return t
}

// resolve produces the credential for a validated SAD: a durable registry
// credential by ID, or a transient one-time-key credential by qualifier.
func (o *Orchestrator) resolve(ctx context.Context, sadData models.SignatureActivationData) (*resolved, error) {
	if sadData.CredentialID != "" {
		return o.resolveDurable(ctx, sadData)
	}
	return o.resolveEphemeral(ctx, sadData)
}

func (o *Orchestrator) resolveDurable(ctx context.Context, sadData models.SignatureActivationData) (*resolved, error) {
	id, err := uuid.Parse(sadData.CredentialID)
	if err != nil {
		return nil, errs.Validation(errs.CodeBadRequest,
			fmt.Sprintf("credential id %q is not a UUID", sadData.CredentialID), err)
	}

	meta, err := o.cfg.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrCredentialNotFound) {
			return nil, errs.Resource(errs.CodeNotFound, "credential not found", err)
		}
		return nil, errs.External(errs.CodeCAUnavailable, "credential lookup failed", err)
	}

	// A credential belonging to another user is indistinguishable from a
	// missing one.
	if meta.UserID != sadData.UserID {
		return nil, errs.Resource(errs.CodeNotFound, "credential not found", nil)
	}
	if meta.Disabled {
		return nil, errs.Resource(errs.CodeCredentialDisabled, "credential is disabled", nil)
	}

	cred := models.Credential{
		CredentialID:       meta.ID.String(),
		SignatureQualifier: meta.SignatureQualifier,
		Key: models.CryptoTokenKey{
			TokenName: meta.CryptoTokenName,
			KeyAlias:  meta.KeyAlias,
		},
		ChainDER:  meta.ChainDER,
		Multisign: meta.Multisign,
	}
	if len(meta.ChainDER) > 0 {
		cred.CertificateDER = meta.ChainDER[0]
	}

	return &resolved{cred: cred, scal: meta.Scal}, nil
}

func (o *Orchestrator) resolveEphemeral(ctx context.Context, sadData models.SignatureActivationData) (*resolved, error) {
	qmeta, err := o.cfg.Store.GetByQualifier(ctx, sadData.UserID, sadData.SignatureQualifier)
	if err != nil {
		if errors.Is(err, store.ErrQualifierNotFound) {
			return nil, errs.Resource(errs.CodeNotFound,
				fmt.Sprintf("no credential class for qualifier %s", sadData.SignatureQualifier), err)
		}
		return nil, errs.External(errs.CodeCAUnavailable, "qualifier lookup failed", err)
	}

	// A multi-signature SAD already holding a session keeps its key for
	// the whole authorization window.
	if qmeta.Scal == models.ScalMulti {
		if s, ok := o.cfg.Sessions.Get(sadData.ID); ok {
			key, ok := o.cfg.Pool.Lookup(s.KeyAlias())
			if !ok {
				return nil, errs.Invariant(errs.CodeStateViolation,
					fmt.Sprintf("session %s references unknown key %s", sadData.ID, s.KeyAlias()), nil)
			}
			return &resolved{
				cred: transientCredential(qmeta, key),
				scal: qmeta.Scal,
				key:  key,
			}, nil
		}
	}

	key, err := o.cfg.Pool.ReserveOrGenerate(ctx, qmeta.CryptoTokenName, qmeta.KeyProfile)
	if err != nil {
		return nil, err
	}

	return &resolved{
		cred:     transientCredential(qmeta, key),
		scal:     qmeta.Scal,
		key:      key,
		freshKey: true,
	}, nil
}

func transientCredential(qmeta *models.QualifierCredentialMetadata, key *keypool.Key) models.Credential {
	return models.Credential{
		SignatureQualifier: qmeta.SignatureQualifier,
		Key:                key.Ref(),
		CertificateDER:     key.CertificateDER,
		ChainDER:           key.ChainDER,
		Multisign:          qmeta.Multisign,
		OneTime:            true,
		EndEntityName:      key.EndEntityName,
	}
}

// authorize enforces the scal mode: a single-use SAD must authorize exactly
// the request's document count, a multi-use SAD spends session quota.
func (o *Orchestrator) authorize(sadData models.SignatureActivationData, res *resolved, numDocs int) error {
	switch res.scal {
	case models.ScalSingle:
		if sadData.NumSignatures != numDocs {
			return errs.Validation(errs.CodeBadRequest,
				fmt.Sprintf("SAD authorizes %d signatures, request has %d documents",
					sadData.NumSignatures, numDocs), nil)
		}
		// A single-use SAD must bind exactly the request's documents, not a
		// superset.
		if len(sadData.Hashes) != numDocs {
			return errs.Validation(errs.CodeHashMismatch,
				fmt.Sprintf("single-use SAD binds %d hashes, request has %d documents",
					len(sadData.Hashes), numDocs), nil)
		}
		if res.cred.Multisign < numDocs {
			return errs.Resource(errs.CodeQuotaExceeded,
				fmt.Sprintf("credential allows %d signatures per SAD, request has %d documents",
					res.cred.Multisign, numDocs), nil)
		}
		return nil

	case models.ScalMulti:
		if res.freshKey || !res.cred.OneTime {
			if _, ok := o.cfg.Sessions.Get(sadData.ID); !ok {
				if err := o.openSession(sadData, res); err != nil {
					return err
				}
			}
		}

		_, err := o.cfg.Sessions.Consume(sadData.ID, numDocs)
		return err

	default:
		return errs.Invariant(errs.CodeStateViolation,
			fmt.Sprintf("credential has unknown scal %q", res.scal), nil)
	}
}

func (o *Orchestrator) openSession(sadData models.SignatureActivationData, res *resolved) error {
	var onClose func()
	if res.cred.OneTime {
		key := res.key
		onClose = func() {
			if err := o.cfg.Pool.Consume(key); err != nil {
				log.Warn().Err(err).Str("alias", key.Alias).Msg("Failed to consume key on session close")
			}
		}
	}

	_, err := o.cfg.Sessions.Open(sadData, res.cred.Key.KeyAlias, res.cred.EndEntityName, res.cred.Multisign, onClose)
	return err
}

// abandon unwinds a failed request. A one-time key that produced no
// signature returns to the idle pool; once any signature exists the key is
// spent and must be retired.
func (o *Orchestrator) abandon(sadData models.SignatureActivationData, res *resolved, signatureProduced bool) {
	if res.key == nil {
		return
	}

	if res.scal == models.ScalMulti {
		if !signatureProduced {
			return
		}
		// The key signed something under this SAD; end the authorization
		// window so the key cannot be reused.
		o.cfg.Sessions.Close(sadData.ID)
		return
	}

	if !res.freshKey {
		return
	}
	if signatureProduced {
		if err := o.cfg.Pool.Consume(res.key); err != nil {
			log.Warn().Err(err).Str("alias", res.key.Alias).Msg("Failed to consume dirty key")
		}
		return
	}
	if err := o.cfg.Pool.Unreserve(res.key); err != nil {
		log.Warn().Err(err).Str("alias", res.key.Alias).Msg("Failed to return key to pool")
	}
}

// finish consumes a one-time key once the response is fully assembled. Keys
// bound to a multi-signature session are consumed when the session closes.
func (o *Orchestrator) finish(sadData models.SignatureActivationData, res *resolved) {
	if !res.cred.OneTime || res.scal != models.ScalSingle {
		return
	}
	if err := o.cfg.Pool.Consume(res.key); err != nil {
		log.Warn().Err(err).Str("alias", res.key.Alias).Msg("Failed to consume one-time key")
	}
}
