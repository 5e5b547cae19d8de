package calibration

import (
	"github.com/srttools/srtdiag/pkg/checksum"
)

// ImageSize is the full SRT-4 calibration+firmware image.
const ImageSize = 0x40000

// SRT4Regions is the fixed region catalog for the SRT-4 PCM. The boot block
// is CRC16 protected, the tuning areas carry the factory proprietary sums
// and the main code block a standard CRC32.
func SRT4Regions() []Region {
	return []Region{
		{Name: "boot", BaseAddress: 0x000000, Size: 0x4000, Algorithm: checksum.CRC16CCITT, HasChecksum: true, ChecksumOffset: 0x003FFE, ChecksumWidth: 2},
		{Name: "fuel", BaseAddress: 0x010000, Size: 0x8000, Algorithm: checksum.ProprietaryA, HasChecksum: true, ChecksumOffset: 0x017FFE, ChecksumWidth: 2},
		{Name: "ignition", BaseAddress: 0x018000, Size: 0x8000, Algorithm: checksum.ProprietaryB, HasChecksum: true, ChecksumOffset: 0x01FFFC, ChecksumWidth: 4},
		{Name: "boost", BaseAddress: 0x020000, Size: 0x4000, Algorithm: checksum.Sum8, HasChecksum: true, ChecksumOffset: 0x023FFF, ChecksumWidth: 1},
		{Name: "main", BaseAddress: 0x024000, Size: 0x1C000, Algorithm: checksum.CRC32IEEE, HasChecksum: true, ChecksumOffset: 0x03FFFC, ChecksumWidth: 4},
	}
}

// TuningParam describes one live tuning parameter exposed through a data
// identifier. Raw wire values are 16-bit big-endian, physical = raw * Scale.
type TuningParam struct {
	Name  string
	Scale float64
	Unit  string
}

// TuningDIDs maps the writable tuning data identifiers. Writes to these go
// through the safety validator before they are accepted.
var TuningDIDs = map[uint16]TuningParam{
	0xF190: {Name: "boost_psi", Scale: 0.1, Unit: "psi"},
	0xF191: {Name: "timing_advance", Scale: 0.1, Unit: "deg"},
	0xF192: {Name: "afr", Scale: 0.01, Unit: ":1"},
	0xF193: {Name: "wgdc", Scale: 0.5, Unit: "%"},
	0xF194: {Name: "iat_c", Scale: 0.1, Unit: "degC"},
}

// SRT4Calibration is the default map catalog served by the store boundary.
func SRT4Calibration() *Calibration {
	return &Calibration{
		ID: "srt4-stage1",
		Maps: map[string]MapDefinition{
			"fuel_base":    {Address: 0x010000, Size: 0x100, AxisX: 16, AxisY: 16, ScalingFactor: 0.0078125},
			"ignition_adv": {Address: 0x018000, Size: 0x100, AxisX: 16, AxisY: 16, ScalingFactor: 0.1},
			"boost_target": {Address: 0x020000, Size: 0x80, AxisX: 8, AxisY: 16, ScalingFactor: 0.01},
			"wgdc_base":    {Address: 0x020080, Size: 0x80, AxisX: 8, AxisY: 16, ScalingFactor: 0.5},
		},
	}
}
