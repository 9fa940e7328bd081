// Package auth authenticates callers of the metering API.
//
// Authentication model:
//   - Product services present the shared service key (Authorization: Bearer
//     or X-API-Key) on every /v1/users route
//   - Admin routes additionally require the X-Admin-Secret header
//   - The billing webhook is authenticated by its payload signature instead
//   - With no service key configured (development) service routes are open
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Manager validates service keys and the admin secret. Only SHA-256
// digests are held; comparisons are constant time.
type Manager struct {
	serviceKeys [][]byte
	adminSecret []byte
}

// NewManager creates a manager. Empty keys are ignored.
func NewManager(serviceKeys []string, adminSecret string) *Manager {
	m := &Manager{}
	for _, k := range serviceKeys {
		if k = strings.TrimSpace(k); k != "" {
			m.serviceKeys = append(m.serviceKeys, digest(k))
		}
	}
	if adminSecret != "" {
		m.adminSecret = digest(adminSecret)
	}
	return m
}

// Open reports whether no service key is configured.
func (m *Manager) Open() bool {
	return len(m.serviceKeys) == 0
}

// ValidateKey checks a raw service key, accepting an optional "Bearer "
// prefix.
func (m *Manager) ValidateKey(raw string) error {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return ErrNoAPIKey
	}
	d := digest(raw)
	ok := 0
	for _, k := range m.serviceKeys {
		ok |= subtle.ConstantTimeCompare(k, d)
	}
	if ok != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}

// ValidateAdmin checks the admin secret. It always fails when no secret is
// configured.
func (m *Manager) ValidateAdmin(raw string) bool {
	if m.adminSecret == nil || raw == "" {
		return false
	}
	return subtle.ConstantTimeCompare(m.adminSecret, digest(raw)) == 1
}

func digest(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}
