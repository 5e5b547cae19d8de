// Package security models the seed-key unlock handshake of the SRT-4 PCM
// and tracks the unlocked access level for one connection.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"log"
	"time"

	"github.com/srttools/srtdiag/pkg/seedkey"
	"github.com/srttools/srtdiag/pkg/uds"
)

// DefaultSeedTTL bounds how long an issued seed stays answerable. An
// expired challenge counts as a failed key: the tester must request a
// fresh seed.
const DefaultSeedTTL = 10 * time.Second

type challenge struct {
	level    byte
	seed     []byte
	issuedAt time.Time
}

// Manager is the per-connection security access state machine:
// Locked -> SeedIssued -> Unlocked|Locked. It is not safe for concurrent
// use; the owning session serializes requests.
type Manager struct {
	level    byte
	pending  *challenge
	seedTTL  time.Duration
	now      func() time.Time
	randRead func([]byte) (int, error)
}

type Option func(*Manager)

func WithSeedTTL(d time.Duration) Option {
	return func(m *Manager) { m.seedTTL = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithRand(read func([]byte) (int, error)) Option {
	return func(m *Manager) { m.randRead = read }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		seedTTL:  DefaultSeedTTL,
		now:      time.Now,
		randRead: rand.Read,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequestSeed issues a fresh pseudorandom seed for level, replacing any
// pending challenge. If the connection is already unlocked at or above
// level, an all-zero seed is returned and no challenge is created; a zero
// seed means "already granted".
func (m *Manager) RequestSeed(level byte) ([]byte, error) {
	n, err := seedkey.SeedLength(level)
	if err != nil {
		return nil, fmt.Errorf("request seed: %w: %w", err, uds.ErrRequestOutOfRange)
	}
	if m.level >= level && m.level > 0 {
		m.pending = nil
		return make([]byte, n), nil
	}
	seed := make([]byte, n)
	if _, err := m.randRead(seed); err != nil {
		return nil, fmt.Errorf("request seed: %w", err)
	}
	m.pending = &challenge{level: level, seed: seed, issuedAt: m.now()}
	return seed, nil
}

// SubmitKey verifies key against the pending challenge. The challenge is
// consumed no matter the outcome; a failed attempt requires a new seed.
func (m *Manager) SubmitKey(level byte, key []byte) error {
	ch := m.pending
	m.pending = nil
	if ch == nil {
		return fmt.Errorf("submit key: no pending seed challenge: %w", uds.ErrRequestSequenceError)
	}
	if m.seedTTL > 0 && m.now().Sub(ch.issuedAt) > m.seedTTL {
		return fmt.Errorf("submit key: %w", uds.ErrChallengeExpired)
	}
	if level != ch.level {
		return fmt.Errorf("submit key: key for level %d against challenge for level %d: %w", level, ch.level, uds.ErrInvalidKey)
	}
	want, err := seedkey.Calculate(ch.level, ch.seed)
	if err != nil {
		return fmt.Errorf("submit key: %w", err)
	}
	if subtle.ConstantTimeCompare(key, want) != 1 {
		return fmt.Errorf("submit key: %w", uds.ErrInvalidKey)
	}
	m.level = ch.level
	log.Printf("security access granted, level %d", m.level)
	return nil
}

// Level returns the unlocked access level, 0 when locked.
func (m *Manager) Level() byte {
	return m.level
}

// Unlocked reports whether the connection holds at least level.
func (m *Manager) Unlocked(level byte) bool {
	return m.level > 0 && m.level >= level
}

// Lock drops back to level 0 and discards any pending challenge. Called on
// disconnect, ECU reset and return to the default session.
func (m *Manager) Lock() {
	m.level = 0
	m.pending = nil
}
