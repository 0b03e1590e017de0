package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// AuditFunc receives a short description of each rotation event
type AuditFunc func(event string, fields map[string]string)

// TokenManager holds the currently accepted bearer token. Rotation keeps the
// previous token valid for a grace window so in-flight handshakes do not race
// the swap. Already authenticated sessions are unaffected by rotation; only
// new handshakes consult the manager.
type TokenManager struct {
	mu        sync.RWMutex
	current   string
	previous  string
	rotatedAt time.Time
	grace     time.Duration
	audit     AuditFunc
	now       func() time.Time
}

// NewTokenManager creates a token manager accepting the given initial token
func NewTokenManager(initial string, grace time.Duration) *TokenManager {
	return &TokenManager{
		current: initial,
		grace:   grace,
		now:     time.Now,
	}
}

// SetAudit installs an audit hook for rotation events
func (tm *TokenManager) SetAudit(fn AuditFunc) {
	tm.mu.Lock()
	tm.audit = fn
	tm.mu.Unlock()
}

// Current returns the active token. For logging use Fingerprint instead;
// the raw value must never be logged.
func (tm *TokenManager) Current() string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.current
}

// Fingerprint returns a short hash prefix of the active token, safe to log
func (tm *TokenManager) Fingerprint() string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return fingerprint(tm.current)
}

// Accepts reports whether candidate matches the current token, or the
// previous token while still inside the rotation grace window. Comparisons
// are constant-time.
func (tm *TokenManager) Accepts(candidate string) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	if constantTimeEqual(candidate, tm.current) {
		return true
	}
	if tm.previous != "" && tm.now().Sub(tm.rotatedAt) <= tm.grace {
		return constantTimeEqual(candidate, tm.previous)
	}
	return false
}

// Rotate atomically swaps in a new token. The old token remains accepted for
// the grace window. Rotating to the same value is a no-op.
func (tm *TokenManager) Rotate(next string) {
	tm.mu.Lock()
	if next == tm.current {
		tm.mu.Unlock()
		return
	}
	tm.previous = tm.current
	tm.current = next
	tm.rotatedAt = tm.now()
	audit := tm.audit
	fp := fingerprint(next)
	tm.mu.Unlock()

	if audit != nil {
		audit("token.rotated", map[string]string{"token_fp": fp})
	}
}

// Generate returns a new random 32-byte hex token
func Generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func constantTimeEqual(a, b string) bool {
	// Hash both sides so the comparison is constant-time even for
	// different-length inputs.
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}
