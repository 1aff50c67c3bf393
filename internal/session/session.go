// Package session holds the in-memory authorization windows for
// multi-signature SADs: one session per validated SAD, carrying the remaining
// signature quota. Single-authorization SADs (scal "1") never create one.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/signhub/rqes/internal/errs"
	"github.com/signhub/rqes/internal/models"
	"github.com/signhub/rqes/internal/telemetry"
)

// Session binds one SAD to one credential key and a remaining-signature
// quota. Quota mutation is atomic per session; different sessions proceed in
// parallel.
type Session struct {
	sad           models.SignatureActivationData
	keyAlias      string
	endEntityName string

	mu        sync.Mutex
	remaining int
	closed    bool
	onClose   func()
}

// KeyAlias returns the crypto-token alias of the key the session authorizes.
func (s *Session) KeyAlias() string { return s.keyAlias }

// EndEntityName returns the CA end entity bound to the session's key.
func (s *Session) EndEntityName() string { return s.endEntityName }

// SAD returns the activation data the session was opened for.
func (s *Session) SAD() models.SignatureActivationData { return s.sad }

// Remaining returns the signatures still authorized.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// consume decrements the quota by n, failing without mutation when n exceeds
// the remaining count. Returns the new remaining count and whether the quota
// was already spent.
func (s *Session) consume(n int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, true, errs.Resource(errs.CodeQuotaExceeded, "session already closed", nil)
	}
	if n > s.remaining {
		return s.remaining, s.remaining == 0, errs.Resource(errs.CodeQuotaExceeded,
			fmt.Sprintf("requested %d signatures, %d remaining", n, s.remaining), nil)
	}
	s.remaining -= n
	return s.remaining, false, nil
}

// close runs the close callback exactly once. Callers hold no manager lock.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	telemetry.GetMetrics().SessionsClosedTotal.Add(context.Background(), 1)

	log.Debug().
		Str("sad_id", s.sad.ID).
		Str("key_alias", s.keyAlias).
		Msg("Closed credential session")
}

// Manager owns the session table, keyed by SAD ID.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Open creates a session for a validated multi-authorization SAD. The quota
// is the credential's multisign cap, bounded by the signature count the SAD
// itself authorizes when that is smaller. onClose releases the underlying
// key; it runs exactly once when the session closes.
func (m *Manager) Open(sad models.SignatureActivationData, keyAlias, endEntityName string, multisign int, onClose func()) (*Session, error) {
	if sad.ID == "" {
		return nil, errs.Validation(errs.CodeBadRequest, "SAD has no token id", nil)
	}
	if multisign < 1 {
		return nil, errs.Validation(errs.CodeBadRequest,
			fmt.Sprintf("multisign must be >= 1, got %d", multisign), nil)
	}

	quota := multisign
	if sad.NumSignatures > 0 && sad.NumSignatures < quota {
		quota = sad.NumSignatures
	}

	s := &Session{
		sad:           sad,
		keyAlias:      keyAlias,
		endEntityName: endEntityName,
		remaining:     quota,
		onClose:       onClose,
	}

	m.mu.Lock()
	if _, exists := m.sessions[sad.ID]; exists {
		m.mu.Unlock()
		return nil, errs.Invariant(errs.CodeStateViolation,
			fmt.Sprintf("session already open for SAD %s", sad.ID), nil)
	}
	m.sessions[sad.ID] = s
	m.mu.Unlock()

	telemetry.GetMetrics().SessionsOpenedTotal.Add(context.Background(), 1)

	log.Debug().
		Str("sad_id", sad.ID).
		Str("key_alias", keyAlias).
		Int("quota", quota).
		Msg("Opened credential session")

	return s, nil
}

// Get returns the open session for a SAD ID.
func (m *Manager) Get(sadID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sadID]
	return s, ok
}

// Consume spends n signatures from the session for sadID. A call that finds
// the quota already exhausted closes the session as a side effect.
func (m *Manager) Consume(sadID string, n int) (int, error) {
	s, ok := m.Get(sadID)
	if !ok {
		return 0, errs.Resource(errs.CodeNotFound,
			fmt.Sprintf("no open session for SAD %s", sadID), nil)
	}

	remaining, spent, err := s.consume(n)
	if err != nil {
		telemetry.GetMetrics().QuotaExceededTotal.Add(context.Background(), 1)
		if spent {
			m.Close(sadID)
		}
		return remaining, err
	}
	return remaining, nil
}

// Close removes the session for sadID and releases its key. No-op for an
// unknown ID.
func (m *Manager) Close(sadID string) {
	m.mu.Lock()
	s, ok := m.sessions[sadID]
	if ok {
		delete(m.sessions, sadID)
	}
	m.mu.Unlock()

	if ok {
		s.close()
	}
}

// SweepExpired closes every session whose SAD validity window has passed.
// Returns the number closed. Called externally on a timer.
func (m *Manager) SweepExpired(now time.Time) int {
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.sad.IsExpired(now) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		log.Debug().
			Str("sad_id", s.sad.ID).
			Time("expires_at", s.sad.ExpiresAt).
			Msg("Closing expired session")
		s.close()
	}
	return len(expired)
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
