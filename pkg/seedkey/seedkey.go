// Package seedkey holds the per-level seed to key transforms for the SRT-4
// security access handshake. The transforms are simple bit obfuscation, not
// cryptography; they exist so the simulator and tester agree on the math.
package seedkey

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/srttools/srtdiag/pkg/checksum"
)

var ErrUnknownLevel = errors.New("unknown security access level")

// Transform derives a key from a seed. Every transform is a pure function.
type Transform func(seed []byte) []byte

type variant struct {
	name      string
	seedLen   int
	transform Transform
}

// One variant per access level. The PCM selects the algorithm by level
// number, never by tester choice.
var levels = map[byte]variant{
	1: {"BitRotateXor", 2, bitRotateXor},
	2: {"AddComplement", 4, addComplement},
	3: {"XorRotate", 6, xorRotate},
	5: {"AddressRollingXor", 8, addressRollingXor},
}

// SeedLength returns how many seed bytes the level's challenge carries.
func SeedLength(level byte) (int, error) {
	v, ok := levels[level]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownLevel, level)
	}
	return v.seedLen, nil
}

// AlgorithmName returns the named variant used for level.
func AlgorithmName(level byte) (string, error) {
	v, ok := levels[level]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownLevel, level)
	}
	return v.name, nil
}

// Calculate derives the expected key for a seed issued at level.
func Calculate(level byte, seed []byte) ([]byte, error) {
	v, ok := levels[level]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLevel, level)
	}
	if len(seed) != v.seedLen {
		return nil, fmt.Errorf("level %d seed must be %d bytes, got %d", level, v.seedLen, len(seed))
	}
	return v.transform(seed), nil
}

func bitRotateXor(seed []byte) []byte {
	k := bits.RotateLeft16(binary.BigEndian.Uint16(seed), 7) ^ 0x9321
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, k)
	return out
}

func addComplement(seed []byte) []byte {
	k := ^(binary.BigEndian.Uint32(seed) + 0x00C0FFEE)
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, k)
	return out
}

func xorRotate(seed []byte) []byte {
	out := make([]byte, 6)
	for j := 0; j < 3; j++ {
		w := binary.BigEndian.Uint16(seed[j*2:])
		binary.BigEndian.PutUint16(out[j*2:], bits.RotateLeft16(w^0xA55A, -(j+1)))
	}
	return out
}

// addressRollingXor keys the highest level off the Proprietary-A rolling
// checksum of the seed itself.
func addressRollingXor(seed []byte) []byte {
	t, _ := checksum.Compute(checksum.ProprietaryA, seed, 0)
	out := make([]byte, len(seed))
	for i, b := range seed {
		if i%2 == 0 {
			out[i] = b ^ byte(t>>8)
		} else {
			out[i] = b ^ byte(t)
		}
	}
	return out
}
