package security_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/srttools/srtdiag/pkg/security"
	"github.com/srttools/srtdiag/pkg/seedkey"
	"github.com/srttools/srtdiag/pkg/uds"
)

func unlock(t *testing.T, m *security.Manager, level byte) {
	t.Helper()
	seed, err := m.RequestSeed(level)
	if err != nil {
		t.Fatalf("RequestSeed(%d) failed: %v", level, err)
	}
	key, err := seedkey.Calculate(level, seed)
	if err != nil {
		t.Fatalf("Calculate() failed: %v", err)
	}
	if err := m.SubmitKey(level, key); err != nil {
		t.Fatalf("SubmitKey(%d) failed: %v", level, err)
	}
}

func TestSeedLengths(t *testing.T) {
	tests := []struct {
		level byte
		want  int
	}{
		{1, 2},
		{2, 4},
		{3, 6},
		{5, 8},
	}
	m := security.NewManager()
	for _, tt := range tests {
		seed, err := m.RequestSeed(tt.level)
		if err != nil {
			t.Fatalf("RequestSeed(%d) failed: %v", tt.level, err)
		}
		if len(seed) != tt.want {
			t.Errorf("RequestSeed(%d) returned %d bytes, want %d", tt.level, len(seed), tt.want)
		}
	}
}

func TestUnlock(t *testing.T) {
	m := security.NewManager()
	unlock(t, m, 5)
	if m.Level() != 5 {
		t.Errorf("Level() = %d, want 5", m.Level())
	}
	if !m.Unlocked(3) {
		t.Error("Unlocked(3) = false after level 5 unlock")
	}
	if m.Unlocked(0) {
		// level 0 means locked, never a grantable level
		t.Error("Unlocked(0) = true")
	}
}

func TestWrongKeyConsumesChallenge(t *testing.T) {
	m := security.NewManager()
	seed, err := m.RequestSeed(1)
	if err != nil {
		t.Fatalf("RequestSeed() failed: %v", err)
	}
	key, err := seedkey.Calculate(1, seed)
	if err != nil {
		t.Fatalf("Calculate() failed: %v", err)
	}
	bad := bytes.Clone(key)
	bad[0] ^= 0xFF

	if err := m.SubmitKey(1, bad); !errors.Is(err, uds.ErrInvalidKey) {
		t.Fatalf("SubmitKey(bad) error = %v, want ErrInvalidKey", err)
	}
	if m.Level() != 0 {
		t.Errorf("Level() = %d after failed unlock, want 0", m.Level())
	}

	// the challenge was consumed: even the correct key must be refused now
	if err := m.SubmitKey(1, key); !errors.Is(err, uds.ErrRequestSequenceError) {
		t.Errorf("SubmitKey(replay) error = %v, want ErrRequestSequenceError", err)
	}
}

func TestChallengeExpiry(t *testing.T) {
	now := time.Now()
	m := security.NewManager(
		security.WithSeedTTL(10*time.Second),
		security.WithClock(func() time.Time { return now }),
	)
	seed, err := m.RequestSeed(1)
	if err != nil {
		t.Fatalf("RequestSeed() failed: %v", err)
	}
	key, err := seedkey.Calculate(1, seed)
	if err != nil {
		t.Fatalf("Calculate() failed: %v", err)
	}

	now = now.Add(11 * time.Second)
	if err := m.SubmitKey(1, key); !errors.Is(err, uds.ErrChallengeExpired) {
		t.Errorf("SubmitKey() error = %v, want ErrChallengeExpired", err)
	}
	if m.Level() != 0 {
		t.Errorf("Level() = %d after expired challenge, want 0", m.Level())
	}
}

func TestInvalidLevel(t *testing.T) {
	m := security.NewManager()
	if _, err := m.RequestSeed(9); !errors.Is(err, uds.ErrRequestOutOfRange) {
		t.Errorf("RequestSeed(9) error = %v, want ErrRequestOutOfRange", err)
	}
}

func TestAlreadyUnlockedZeroSeed(t *testing.T) {
	m := security.NewManager()
	unlock(t, m, 3)

	seed, err := m.RequestSeed(3)
	if err != nil {
		t.Fatalf("RequestSeed() failed: %v", err)
	}
	if !bytes.Equal(seed, make([]byte, len(seed))) {
		t.Errorf("RequestSeed() after unlock = % X, want all zero", seed)
	}
}

func TestHigherLevelReRequest(t *testing.T) {
	m := security.NewManager()
	unlock(t, m, 1)

	seed, err := m.RequestSeed(5)
	if err != nil {
		t.Fatalf("RequestSeed(5) failed: %v", err)
	}
	if bytes.Equal(seed, make([]byte, len(seed))) {
		t.Fatal("RequestSeed(5) returned zero seed while only level 1 is unlocked")
	}

	// a failed attempt at the higher level keeps the old grant
	bad := make([]byte, 8)
	if err := m.SubmitKey(5, bad); err == nil {
		t.Fatal("SubmitKey() succeeded unexpectedly")
	}
	if m.Level() != 1 {
		t.Errorf("Level() = %d after failed level 5 attempt, want 1", m.Level())
	}

	unlock(t, m, 5)
	if m.Level() != 5 {
		t.Errorf("Level() = %d, want 5", m.Level())
	}
}

func TestKeyDeterminism(t *testing.T) {
	m := security.NewManager(security.WithRand(func(p []byte) (int, error) {
		for i := range p {
			p[i] = byte(i + 1)
		}
		return len(p), nil
	}))
	seed, err := m.RequestSeed(2)
	if err != nil {
		t.Fatalf("RequestSeed() failed: %v", err)
	}
	k1, err := seedkey.Calculate(2, seed)
	if err != nil {
		t.Fatalf("Calculate() failed: %v", err)
	}
	k2, err := seedkey.Calculate(2, seed)
	if err != nil {
		t.Fatalf("Calculate() failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Errorf("Calculate() not deterministic: % X vs % X", k1, k2)
	}
	if err := m.SubmitKey(2, k1); err != nil {
		t.Errorf("SubmitKey() failed: %v", err)
	}
}
