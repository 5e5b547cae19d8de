// Package rom verifies and repairs the checksums of a full calibration
// image against its region catalog, and gates images before flashing.
package rom

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/srttools/srtdiag/pkg/calibration"
	"github.com/srttools/srtdiag/pkg/checksum"
)

var ErrImageTooSmall = errors.New("image too small")

// DefaultMaxPadFraction rejects images that are mostly erased flash
// (0x00 or 0xFF filler) in PreFlashCheck.
const DefaultMaxPadFraction = 0.90

type Verifier struct {
	regions        []calibration.Region
	minSize        uint32
	sizeMin        uint32
	sizeMax        uint32
	maxPadFraction float64
}

type Option func(*Verifier)

// WithSizeBand overrides the accepted image size range for PreFlashCheck.
// The default is the exact size implied by the region catalog.
func WithSizeBand(min, max uint32) Option {
	return func(v *Verifier) {
		v.sizeMin, v.sizeMax = min, max
	}
}

// WithMaxPadFraction overrides the padding rejection threshold.
func WithMaxPadFraction(f float64) Option {
	return func(v *Verifier) {
		v.maxPadFraction = f
	}
}

func NewVerifier(regions []calibration.Region, opts ...Option) (*Verifier, error) {
	var minSize uint32
	for _, r := range regions {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if end := r.End(); end > minSize {
			minSize = end
		}
		if r.HasChecksum {
			if end := r.ChecksumOffset + uint32(r.ChecksumWidth); end > minSize {
				minSize = end
			}
		}
	}
	v := &Verifier{
		regions:        regions,
		minSize:        minSize,
		sizeMin:        minSize,
		sizeMax:        minSize,
		maxPadFraction: DefaultMaxPadFraction,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// RegionResult is the outcome for one checksummed region.
type RegionResult struct {
	Name     string
	Computed uint32
	Stored   uint32
	Matches  bool
}

type VerificationReport struct {
	Regions []RegionResult
	Valid   bool
}

type PatchReport struct {
	Patched []string
}

// VerifyImage recomputes every region checksum and compares it to the
// stored field. Regions without a checksum are skipped.
func (v *Verifier) VerifyImage(img []byte) (*VerificationReport, error) {
	if uint32(len(img)) < v.minSize {
		return nil, fmt.Errorf("%w: %d bytes, region catalog needs %d", ErrImageTooSmall, len(img), v.minSize)
	}
	report := &VerificationReport{Valid: true}
	for _, r := range v.regions {
		if !r.HasChecksum {
			continue
		}
		computed, err := v.computeRegion(img, r)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", r.Name, err)
		}
		stored := readField(img, r.ChecksumOffset, r.ChecksumWidth)
		res := RegionResult{
			Name:     r.Name,
			Computed: computed,
			Stored:   stored,
			Matches:  computed == stored,
		}
		if !res.Matches {
			report.Valid = false
		}
		report.Regions = append(report.Regions, res)
	}
	return report, nil
}

// PatchImage recomputes every region checksum and writes it back into the
// stored field. Only regions whose stored value actually changed are
// reported.
func (v *Verifier) PatchImage(img []byte) (*PatchReport, error) {
	if uint32(len(img)) < v.minSize {
		return nil, fmt.Errorf("%w: %d bytes, region catalog needs %d", ErrImageTooSmall, len(img), v.minSize)
	}
	report := &PatchReport{}
	for _, r := range v.regions {
		if !r.HasChecksum {
			continue
		}
		computed, err := v.computeRegion(img, r)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", r.Name, err)
		}
		if readField(img, r.ChecksumOffset, r.ChecksumWidth) == computed {
			continue
		}
		writeField(img, r.ChecksumOffset, r.ChecksumWidth, computed)
		report.Patched = append(report.Patched, r.Name)
	}
	return report, nil
}

// PreFlashCheck gates an image before any transfer is attempted: the size
// must fall inside the accepted band and the image must not be mostly
// erased-flash padding.
func (v *Verifier) PreFlashCheck(img []byte) error {
	size := uint32(len(img))
	if size < v.sizeMin || size > v.sizeMax {
		return fmt.Errorf("image size %d outside accepted band %d..%d", size, v.sizeMin, v.sizeMax)
	}
	var pad int
	for _, b := range img {
		if b == 0x00 || b == 0xFF {
			pad++
		}
	}
	if frac := float64(pad) / float64(len(img)); frac > v.maxPadFraction {
		return fmt.Errorf("image is %.0f%% padding, refusing to flash", frac*100)
	}
	return nil
}

// computeRegion calculates the checksum of one region. A checksum field
// inside the region excludes itself; a field in the trailer covers the
// whole region.
func (v *Verifier) computeRegion(img []byte, r calibration.Region) (uint32, error) {
	data := img[r.BaseAddress:r.End()]
	if r.ChecksumOffset >= r.BaseAddress && r.ChecksumOffset < r.End() {
		rel := int(r.ChecksumOffset - r.BaseAddress)
		return checksum.ComputeExcluding(r.Algorithm, data, rel, r.ChecksumWidth, r.BaseAddress)
	}
	return checksum.Compute(r.Algorithm, data, r.BaseAddress)
}

func readField(img []byte, offset uint32, width int) uint32 {
	switch width {
	case 1:
		return uint32(img[offset])
	case 2:
		return uint32(binary.BigEndian.Uint16(img[offset:]))
	default:
		return binary.BigEndian.Uint32(img[offset:])
	}
}

func writeField(img []byte, offset uint32, width int, value uint32) {
	switch width {
	case 1:
		img[offset] = byte(value)
	case 2:
		binary.BigEndian.PutUint16(img[offset:], uint16(value))
	default:
		binary.BigEndian.PutUint32(img[offset:], value)
	}
}
