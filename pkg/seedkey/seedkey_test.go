package seedkey_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/srttools/srtdiag/pkg/seedkey"
)

// One pinned reference vector per algorithm variant.
func TestCalculateVectors(t *testing.T) {
	tests := []struct {
		name  string
		level byte
		seed  []byte
		want  []byte
	}{
		{"level 1 BitRotateXor", 1, []byte{0x12, 0x34}, []byte{0x89, 0x28}},
		{"level 2 AddComplement", 2, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0xFF, 0x3F, 0x00, 0x11}},
		{"level 3 XorRotate", 3, make([]byte, 6), []byte{0x52, 0xAD, 0xA9, 0x56, 0x54, 0xAB}},
		{"level 5 AddressRollingXor", 5, make([]byte, 8), []byte{0xC5, 0xE7, 0xC5, 0xE7, 0xC5, 0xE7, 0xC5, 0xE7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := seedkey.Calculate(tt.level, tt.seed)
			if err != nil {
				t.Fatalf("Calculate() failed: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Calculate() = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestCalculateDeterministic(t *testing.T) {
	seed := []byte{0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6, 0x07, 0x18}
	first, err := seedkey.Calculate(5, seed)
	if err != nil {
		t.Fatalf("Calculate() failed: %v", err)
	}
	second, err := seedkey.Calculate(5, seed)
	if err != nil {
		t.Fatalf("Calculate() failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("Calculate() not deterministic: % X vs % X", first, second)
	}
}

func TestSeedLength(t *testing.T) {
	tests := []struct {
		level byte
		want  int
	}{
		{1, 2},
		{2, 4},
		{3, 6},
		{5, 8},
	}
	for _, tt := range tests {
		got, err := seedkey.SeedLength(tt.level)
		if err != nil {
			t.Fatalf("SeedLength(%d) failed: %v", tt.level, err)
		}
		if got != tt.want {
			t.Errorf("SeedLength(%d) = %d, want %d", tt.level, got, tt.want)
		}
	}
}

func TestUnknownLevel(t *testing.T) {
	if _, err := seedkey.Calculate(4, []byte{0x00, 0x00}); !errors.Is(err, seedkey.ErrUnknownLevel) {
		t.Errorf("Calculate(4) error = %v, want ErrUnknownLevel", err)
	}
	if _, err := seedkey.SeedLength(0); !errors.Is(err, seedkey.ErrUnknownLevel) {
		t.Errorf("SeedLength(0) error = %v, want ErrUnknownLevel", err)
	}
}

func TestWrongSeedLength(t *testing.T) {
	if _, err := seedkey.Calculate(1, []byte{0x01, 0x02, 0x03}); err == nil {
		t.Error("Calculate() succeeded with wrong seed length")
	}
}
