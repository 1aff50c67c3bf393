// Package keypool owns the one-time signing keys: bounded-concurrency
// generation, atomic reservation, and asynchronous retirement. A key occupies
// exactly one crypto-token slot and is never double-issued.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/signhub/rqes/internal/ca"
	"github.com/signhub/rqes/internal/errs"
	"github.com/signhub/rqes/internal/hsm"
	"github.com/signhub/rqes/internal/models"
	"github.com/signhub/rqes/internal/telemetry"
)

// State is the lifecycle position of a single key.
//
// Idle → Reserved → Consumed → Deleted, with Orphaned as a retry-only
// holding state when deletion attempts are exhausted. Idle and Reserved are
// the only states a request path may act on.
type State int32

const (
	StateIdle State = iota
	StateReserved
	StateConsumed
	StateDeleted
	StateOrphaned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReserved:
		return "reserved"
	case StateConsumed:
		return "consumed"
	case StateDeleted:
		return "deleted"
	case StateOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

// Key is a pool-owned one-time key together with the end entity and
// certificate material produced at generation time. State transitions go
// through the pool; the exported fields are immutable after generation.
type Key struct {
	Alias          string
	TokenName      string
	Profile        string
	EndEntityName  string
	CertificateDER []byte
	ChainDER       [][]byte

	state      atomic.Int32
	queued     atomic.Bool
	reservedAt atomic.Int64
}

// Ref returns the crypto-token slot reference for backend calls.
func (k *Key) Ref() models.CryptoTokenKey {
	return models.CryptoTokenKey{TokenName: k.TokenName, KeyAlias: k.Alias}
}

// State returns the current lifecycle state.
func (k *Key) State() State {
	return State(k.state.Load())
}

func (k *Key) cas(from, to State) bool {
	return k.state.CompareAndSwap(int32(from), int32(to))
}

// Config wires the pool to its collaborators and bounds.
type Config struct {
	CA      ca.Client
	Backend hsm.SigningBackend

	Concurrency models.ConcurrencySettings
	Cleanup     models.OneTimeKeysCleanupPolicy

	// ReserveTTL is the staleness threshold after which Sweep reclaims a
	// key stuck in Reserved.
	ReserveTTL time.Duration

	// CertValidity is the validity window requested for issued certificates.
	CertValidity time.Duration

	// DeleteMaxTries bounds deletion retries before a key is quarantined.
	DeleteMaxTries uint
}

// ApplyDefaults sets default values for unset fields
func (c *Config) ApplyDefaults() {
	c.Concurrency.ApplyDefaults()
	c.Cleanup.ApplyDefaults()
	if c.ReserveTTL == 0 {
		c.ReserveTTL = 5 * time.Minute
	}
	if c.CertValidity == 0 {
		c.CertValidity = 24 * time.Hour
	}
	if c.DeleteMaxTries == 0 {
		c.DeleteMaxTries = 5
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.CA == nil {
		return fmt.Errorf("CA client is required")
	}
	if c.Backend == nil {
		return fmt.Errorf("signing backend is required")
	}
	if err := c.Concurrency.Validate(); err != nil {
		return err
	}
	return c.Cleanup.Validate()
}

// Pool manages the one-time key inventory. Generation concurrency is bounded
// by a semaphore sized maxKeyGeneration; deletion runs on a worker pool that
// never touches the request path.
type Pool struct {
	cfg Config

	genSem   chan struct{}
	deleteCh chan *Key

	mu   sync.RWMutex
	keys map[string]*Key

	workers  atomic.Int32
	burstCap int32

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates the pool and starts its steady deletion workers.
func New(cfg Config) (*Pool, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid key pool config: %w", err)
	}

	burst := int32(cfg.Cleanup.MaxSize)
	if int32(cfg.Concurrency.MaxKeyDeletion) < burst {
		burst = int32(cfg.Concurrency.MaxKeyDeletion)
	}

	p := &Pool{
		cfg:      cfg,
		genSem:   make(chan struct{}, cfg.Concurrency.MaxKeyGeneration),
		deleteCh: make(chan *Key, cfg.Cleanup.QueueCapacity),
		keys:     make(map[string]*Key),
		burstCap: burst,
		stopCh:   make(chan struct{}),
	}

	core := cfg.Cleanup.CoreSize
	if int32(core) > burst {
		core = int(burst)
	}

	for i := 0; i < core; i++ {
		p.workers.Add(1)
		p.wg.Add(1)
		go p.deleteLoop(fmt.Sprintf("%s-%d", cfg.Cleanup.NamePrefix, i))
	}

	return p, nil
}

// ReserveOrGenerate claims an idle key for the given token and profile, or
// generates a fresh one when none is available. Generation blocks while the
// generation pool is saturated; work queues, it is never dropped.
func (p *Pool) ReserveOrGenerate(ctx context.Context, tokenName, profile string) (*Key, error) {
	if key := p.tryReserve(tokenName, profile); key != nil {
		log.Debug().
			Str("alias", key.Alias).
			Str("token", tokenName).
			Str("profile", profile).
			Msg("Reserved idle key")
		return key, nil
	}

	select {
	case p.genSem <- struct{}{}:
	case <-ctx.Done():
		return nil, errs.Resource(errs.CodeKeyPoolExhausted, "key generation slot wait aborted", ctx.Err())
	case <-p.stopCh:
		return nil, errs.Resource(errs.CodeKeyPoolExhausted, "key pool shutting down", nil)
	}
	defer func() { <-p.genSem }()

	// An idle key may have appeared while we waited on the semaphore.
	if key := p.tryReserve(tokenName, profile); key != nil {
		return key, nil
	}

	return p.generate(ctx, tokenName, profile)
}

// tryReserve claims any idle key matching token and profile.
func (p *Pool) tryReserve(tokenName, profile string) *Key {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, key := range p.keys {
		if key.TokenName != tokenName || key.Profile != profile {
			continue
		}
		if key.cas(StateIdle, StateReserved) {
			key.reservedAt.Store(time.Now().UnixNano())
			telemetry.GetMetrics().IdleKeys.Add(context.Background(), -1)
			return key
		}
	}
	return nil
}

// generate provisions a new key: backend slot, end entity, certificate. No
// pool lock is held across collaborator calls.
func (p *Pool) generate(ctx context.Context, tokenName, profile string) (*Key, error) {
	start := time.Now()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errs.Invariant(errs.CodeStateViolation, "failed to generate key id", err)
	}
	alias := fmt.Sprintf("otk-%s", id)

	if err := p.cfg.Backend.GenerateKeyPair(ctx, tokenName, alias, profile); err != nil {
		if errors.Is(err, hsm.ErrTokenFull) {
			return nil, errs.Resource(errs.CodeKeyPoolExhausted, "crypto token has no free slots", err)
		}
		return nil, errs.External(errs.CodeBackendUnavailable, "key pair generation failed", err)
	}

	keyRef := models.CryptoTokenKey{TokenName: tokenName, KeyAlias: alias}

	password, err := uuid.NewRandom()
	if err != nil {
		p.undoGenerate(keyRef, "")
		return nil, errs.Invariant(errs.CodeStateViolation, "failed to generate end entity password", err)
	}

	ee := models.EndEntity{
		Username:  alias,
		Password:  password.String(),
		SubjectDN: fmt.Sprintf("CN=%s", alias),
	}

	if err := p.cfg.CA.CreateEndEntity(ctx, ee); err != nil {
		p.undoGenerate(keyRef, "")
		return nil, errs.External(errs.CodeCAUnavailable, "end entity creation failed", err)
	}

	csr, err := p.cfg.Backend.CertificateRequest(ctx, keyRef, ee.SubjectDN)
	if err != nil {
		p.undoGenerate(keyRef, ee.Username)
		return nil, errs.External(errs.CodeBackendUnavailable, "certificate request failed", err)
	}

	chain, err := p.cfg.CA.IssueCertificate(ctx, ee.Username, csr, p.cfg.CertValidity)
	if err != nil {
		p.undoGenerate(keyRef, ee.Username)
		return nil, errs.External(errs.CodeCAUnavailable, "certificate issuance failed", err)
	}
	if len(chain) == 0 {
		p.undoGenerate(keyRef, ee.Username)
		return nil, errs.External(errs.CodeCAUnavailable, "certificate issuance returned an empty chain", nil)
	}

	key := &Key{
		Alias:          alias,
		TokenName:      tokenName,
		Profile:        profile,
		EndEntityName:  ee.Username,
		CertificateDER: chain[0],
		ChainDER:       chain,
	}
	key.state.Store(int32(StateReserved))
	key.reservedAt.Store(time.Now().UnixNano())

	p.mu.Lock()
	p.keys[alias] = key
	p.mu.Unlock()

	m := telemetry.GetMetrics()
	m.KeysGeneratedTotal.Add(ctx, 1)
	m.GenerationDuration.Record(ctx, float64(time.Since(start).Milliseconds()))

	log.Debug().
		Str("alias", alias).
		Str("token", tokenName).
		Str("profile", profile).
		Dur("elapsed", time.Since(start)).
		Msg("Generated one-time key")

	return key, nil
}

// undoGenerate rolls back a half-provisioned key. Best effort only; anything
// it cannot remove is picked up by out-of-band remediation.
func (p *Pool) undoGenerate(keyRef models.CryptoTokenKey, endEntityName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.cfg.Backend.DeleteKeyPair(ctx, keyRef); err != nil && !errors.Is(err, hsm.ErrKeyNotFound) {
		log.Warn().Err(err).Str("alias", keyRef.KeyAlias).Msg("Failed to roll back key pair")
	}

	if endEntityName == "" {
		return
	}
	if err := p.cfg.CA.DeleteEndEntity(ctx, endEntityName); err != nil && !errors.Is(err, ca.ErrEndEntityNotFound) {
		log.Warn().Err(err).Str("end_entity", endEntityName).Msg("Failed to roll back end entity")
	}
}

// Unreserve returns a reserved key to the idle pool. Used when a request
// fails before any signature was produced with the key.
func (p *Pool) Unreserve(key *Key) error {
	if !key.cas(StateReserved, StateIdle) {
		return errs.Invariant(errs.CodeStateViolation,
			fmt.Sprintf("cannot unreserve key %s in state %s", key.Alias, key.State()), nil)
	}
	telemetry.GetMetrics().IdleKeys.Add(context.Background(), 1)
	log.Debug().Str("alias", key.Alias).Msg("Returned key to idle pool")
	return nil
}

// Consume irreversibly marks a reserved key as spent and schedules its
// asynchronous deletion.
func (p *Pool) Consume(key *Key) error {
	if !key.cas(StateReserved, StateConsumed) {
		return errs.Invariant(errs.CodeStateViolation,
			fmt.Sprintf("cannot consume key %s in state %s", key.Alias, key.State()), nil)
	}
	telemetry.GetMetrics().KeysConsumedTotal.Add(context.Background(), 1)

	p.Release(key)
	return nil
}

// Release submits a consumed key to the deletion pool. At most one submission
// is in flight per key; repeated calls are no-ops. When the queue is full and
// burst capacity remains, a one-shot worker is spawned; otherwise the submit
// blocks until the queue drains.
func (p *Pool) Release(key *Key) {
	if key.State() != StateConsumed && key.State() != StateOrphaned {
		return
	}
	if !key.queued.CompareAndSwap(false, true) {
		return
	}

	select {
	case p.deleteCh <- key:
		return
	case <-p.stopCh:
		key.queued.Store(false)
		return
	default:
	}

	// Queue full. Burst a temporary worker if the deletion bound allows.
	if n := p.workers.Add(1); n <= p.burstCap {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.workers.Add(-1)
			p.deleteKey(key)
		}()
		return
	}
	p.workers.Add(-1)

	select {
	case p.deleteCh <- key:
	case <-p.stopCh:
		key.queued.Store(false)
	}
}

// Sweep reclaims keys stuck in Reserved past the staleness threshold and
// re-queues orphaned keys for deletion. Returns the number of stale keys
// reclaimed. Called externally on a timer.
func (p *Pool) Sweep(now time.Time) int {
	p.mu.RLock()
	var stale, orphaned []*Key
	for _, key := range p.keys {
		switch key.State() {
		case StateReserved:
			if now.Sub(time.Unix(0, key.reservedAt.Load())) > p.cfg.ReserveTTL {
				stale = append(stale, key)
			}
		case StateOrphaned:
			orphaned = append(orphaned, key)
		}
	}
	p.mu.RUnlock()

	swept := 0
	for _, key := range stale {
		if !key.cas(StateReserved, StateConsumed) {
			continue
		}
		swept++
		log.Warn().
			Str("alias", key.Alias).
			Time("reserved_at", time.Unix(0, key.reservedAt.Load())).
			Msg("Reclaiming key abandoned in reserved state")
		p.Release(key)
	}
	if swept > 0 {
		telemetry.GetMetrics().KeysSweptTotal.Add(context.Background(), int64(swept))
	}

	for _, key := range orphaned {
		if !key.queued.CompareAndSwap(false, true) {
			continue
		}
		select {
		case p.deleteCh <- key:
		default:
			// Queue full, try again next sweep.
			key.queued.Store(false)
		}
	}

	return swept
}

// deleteLoop is a steady deletion worker. On shutdown it drains the queue
// before returning.
func (p *Pool) deleteLoop(name string) {
	defer p.wg.Done()

	log.Debug().Str("worker", name).Msg("Deletion worker started")

	for {
		select {
		case key := <-p.deleteCh:
			p.deleteKey(key)

		case <-p.stopCh:
			for {
				select {
				case key := <-p.deleteCh:
					p.deleteKey(key)
				default:
					log.Debug().Str("worker", name).Msg("Deletion worker stopped")
					return
				}
			}
		}
	}
}

// deleteKey retires one key with bounded exponential-backoff retries. On
// exhaustion the key is quarantined as Orphaned for the sweep to retry;
// deletion failures never fail a signing request.
func (p *Pool) deleteKey(key *Key) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.removeKey(ctx, key)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(p.cfg.DeleteMaxTries),
	)

	m := telemetry.GetMetrics()
	if err != nil {
		key.state.Store(int32(StateOrphaned))
		key.queued.Store(false)
		m.KeysOrphanedTotal.Add(ctx, 1)
		log.Error().
			Err(err).
			Str("alias", key.Alias).
			Uint("max_tries", p.cfg.DeleteMaxTries).
			Msg("Key deletion retries exhausted, key quarantined")
		return
	}

	key.state.Store(int32(StateDeleted))
	m.KeysDeletedTotal.Add(ctx, 1)

	p.mu.Lock()
	delete(p.keys, key.Alias)
	p.mu.Unlock()

	log.Debug().Str("alias", key.Alias).Msg("Deleted one-time key")
}

// removeKey performs one deletion attempt against both collaborators.
// Not-found responses count as success so retries stay idempotent.
func (p *Pool) removeKey(ctx context.Context, key *Key) error {
	if err := p.cfg.CA.DeleteEndEntity(ctx, key.EndEntityName); err != nil && !errors.Is(err, ca.ErrEndEntityNotFound) {
		return fmt.Errorf("failed to delete end entity %s: %w", key.EndEntityName, err)
	}

	if err := p.cfg.Backend.DeleteKeyPair(ctx, key.Ref()); err != nil && !errors.Is(err, hsm.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete key pair %s: %w", key.Alias, err)
	}

	return nil
}

// Lookup returns the pool's key for alias, if it exists.
func (p *Pool) Lookup(alias string) (*Key, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	key, ok := p.keys[alias]
	return key, ok
}

// Stats reports the pool's current state counts.
func (p *Pool) Stats() map[State]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[State]int)
	for _, key := range p.keys {
		stats[key.State()]++
	}
	return stats
}

// Close stops the deletion workers after draining the queue. Safe to call
// more than once.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
}
