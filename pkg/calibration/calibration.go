// Package calibration describes the SRT-4 calibration memory layout: the
// checksummed regions of the image, tuning map definitions and the store
// boundary the toolkit resolves them from.
package calibration

import (
	"errors"
	"fmt"

	"github.com/srttools/srtdiag/pkg/checksum"
)

// TrailerSlack is how far past a region's end a stored checksum field may
// legally sit (documented trailer area).
const TrailerSlack = 8

// Region is one named, fixed-address checksummed area of the image.
// Regions are defined once at startup and never mutated.
type Region struct {
	Name           string
	BaseAddress    uint32
	Size           uint32
	Algorithm      checksum.Algorithm // zero value means no checksum
	HasChecksum    bool
	ChecksumOffset uint32 // absolute address of the stored checksum field
	ChecksumWidth  int
}

func (r Region) End() uint32 {
	return r.BaseAddress + r.Size
}

func (r Region) Contains(addr uint32) bool {
	return addr >= r.BaseAddress && addr < r.End()
}

// Overlaps reports whether the window [addr, addr+length) touches r.
func (r Region) Overlaps(addr, length uint32) bool {
	return addr < r.End() && addr+length > r.BaseAddress
}

func (r Region) String() string {
	return fmt.Sprintf("%s %08X-%08X (%s)", r.Name, r.BaseAddress, r.End(), r.Algorithm)
}

// Validate enforces that a declared checksum field lies inside the region
// or in its trailer area.
func (r Region) Validate() error {
	if !r.HasChecksum {
		return nil
	}
	switch r.ChecksumWidth {
	case 1, 2, 4:
	default:
		return fmt.Errorf("region %s: invalid checksum width %d", r.Name, r.ChecksumWidth)
	}
	end := r.ChecksumOffset + uint32(r.ChecksumWidth)
	if r.ChecksumOffset >= r.BaseAddress && end <= r.End() {
		return nil
	}
	if r.ChecksumOffset >= r.End() && end <= r.End()+TrailerSlack {
		return nil
	}
	return fmt.Errorf("region %s: checksum field %08X outside region and trailer", r.Name, r.ChecksumOffset)
}

// MapDefinition locates one tuning map inside the calibration.
type MapDefinition struct {
	Address       uint32
	Size          uint32
	AxisX         int
	AxisY         int
	ScalingFactor float64
}

// Calibration is the map catalog for one identified ECU.
type Calibration struct {
	ID   string
	Maps map[string]MapDefinition
}

var ErrNotFound = errors.New("calibration not found")

// Store resolves which maps exist for an identified ECU. The toolkit never
// persists through this boundary.
type Store interface {
	GetCalibration(id string) (*Calibration, error)
}

// MemStore is an in-memory Store, used by the simulator and tests.
type MemStore struct {
	cals map[string]*Calibration
}

func NewMemStore(cals ...*Calibration) *MemStore {
	s := &MemStore{cals: make(map[string]*Calibration, len(cals))}
	for _, c := range cals {
		s.cals[c.ID] = c
	}
	return s
}

func (s *MemStore) GetCalibration(id string) (*Calibration, error) {
	c, ok := s.cals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}
