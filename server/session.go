package server

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionManager hands out the single client session token. The terminal
// serves one controlling client at a time (first come, first served); the
// websocket connection is the session handle, and the token expires after
// a quiet period without traffic.
type SessionManager struct {
	log       zerolog.Logger
	apiSecret string
	timeout   time.Duration

	mu    sync.RWMutex
	token string
	timer *time.Timer
}

// NewSessionManager creates a session manager. apiSecret may be empty, in
// which case no handshake secret is required.
func NewSessionManager(apiSecret string, timeout time.Duration, log zerolog.Logger) *SessionManager {
	return &SessionManager{
		log:       log,
		apiSecret: apiSecret,
		timeout:   timeout,
	}
}

func generateSessionToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("session token generation failed: %v", err))
	}
	return fmt.Sprintf("%x", b)
}

// Acquire claims the session. Returns the token, or empty when the secret
// is wrong or the session is already held.
func (m *SessionManager) Acquire(secret, origin, remoteAddr string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.apiSecret != "" && secret != m.apiSecret {
		return ""
	}
	if m.token != "" {
		return ""
	}

	m.token = generateSessionToken()

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.timeout, func() {
		m.log.Info().Msg("session timeout, token released")
		m.Release()
	})

	m.log.Info().Str("origin", origin).Str("ip", remoteAddr).Msg("session acquired")
	return m.token
}

// Release frees the session for the next client.
func (m *SessionManager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == "" {
		return
	}
	m.token = ""
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.log.Info().Msg("session released")
}

// RefreshTimeout pushes the expiry back after client activity.
func (m *SessionManager) RefreshTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Reset(m.timeout)
	}
}
