// Package checksum implements the integrity algorithms used by the SRT-4
// calibration image and the security access key derivation.
package checksum

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math/bits"
)

type Algorithm uint8

const (
	Sum8 Algorithm = iota + 1
	CRC16CCITT
	CRC32IEEE
	ProprietaryA
	ProprietaryB
)

// proprietaryBConst is the fixed calibration constant folded into the final
// Proprietary-B value. It is baked into the SRT-4 flash loader.
const proprietaryBConst uint32 = 0x5AA5C33C

var ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")

func (a Algorithm) String() string {
	switch a {
	case Sum8:
		return "sum8"
	case CRC16CCITT:
		return "crc16-ccitt"
	case CRC32IEEE:
		return "crc32"
	case ProprietaryA:
		return "proprietary-a"
	case ProprietaryB:
		return "proprietary-b"
	}
	return "none"
}

// Width returns the number of bytes the stored checksum field occupies.
func (a Algorithm) Width() int {
	switch a {
	case Sum8:
		return 1
	case CRC16CCITT, ProprietaryA:
		return 2
	case CRC32IEEE, ProprietaryB:
		return 4
	}
	return 0
}

// Compute calculates the checksum of data. baseAddress only affects
// ProprietaryA, which mixes the memory location of the data into its seed.
func Compute(algo Algorithm, data []byte, baseAddress uint32) (uint32, error) {
	switch algo {
	case Sum8:
		var sum byte
		for _, b := range data {
			sum += b
		}
		return uint32(sum), nil
	case CRC16CCITT:
		return uint32(crc16(data)), nil
	case CRC32IEEE:
		return crc32.ChecksumIEEE(data), nil
	case ProprietaryA:
		return uint32(proprietaryA(data, baseAddress)), nil
	case ProprietaryB:
		return proprietaryB(data), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, algo)
	}
}

// Verify recomputes the checksum of data and compares it to expected.
func Verify(algo Algorithm, data []byte, expected uint32, baseAddress uint32) (bool, error) {
	sum, err := Compute(algo, data, baseAddress)
	if err != nil {
		return false, err
	}
	return sum == expected, nil
}

// ComputeExcluding calculates the checksum of buf with the width bytes at
// offset left out, the way a stored checksum field excludes itself.
func ComputeExcluding(algo Algorithm, buf []byte, offset, width int, baseAddress uint32) (uint32, error) {
	if err := checkField(buf, offset, width); err != nil {
		return 0, err
	}
	scratch := make([]byte, 0, len(buf)-width)
	scratch = append(scratch, buf[:offset]...)
	scratch = append(scratch, buf[offset+width:]...)
	return Compute(algo, scratch, baseAddress)
}

// PatchInPlace computes the checksum of buf excluding the checksum field
// itself and writes it back big-endian at offset. The written value is
// returned. Patching a correct buffer is a no-op.
func PatchInPlace(buf []byte, offset int, algo Algorithm, width int, baseAddress uint32) (uint32, error) {
	sum, err := ComputeExcluding(algo, buf, offset, width, baseAddress)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		buf[offset] = byte(sum)
	case 2:
		binary.BigEndian.PutUint16(buf[offset:], uint16(sum))
	case 4:
		binary.BigEndian.PutUint32(buf[offset:], sum)
	}
	return sum, nil
}

func checkField(buf []byte, offset, width int) error {
	switch width {
	case 1, 2, 4:
	default:
		return fmt.Errorf("invalid checksum field width %d", width)
	}
	if offset < 0 || offset+width > len(buf) {
		return fmt.Errorf("checksum field at %#x..%#x outside %d byte buffer", offset, offset+width, len(buf))
	}
	return nil
}

// crc16 is CRC16-CCITT: poly 0x1021, init 0xFFFF, MSB first, no final xor.
// Check value over "123456789" is 0x31C3.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// proprietaryA is the address-dependent rolling XOR used by the factory
// boot block. The three low address bytes are folded into the 0x5A5A seed,
// then every data byte is rotated in with a position weight.
func proprietaryA(data []byte, baseAddress uint32) uint16 {
	cs := uint16(0x5A5A)
	cs ^= uint16(baseAddress >> 16 & 0xFF)
	cs ^= uint16(baseAddress >> 8 & 0xFF)
	cs ^= uint16(baseAddress & 0xFF)
	for i, b := range data {
		cs = bits.RotateLeft16(cs, 1)
		cs += uint16(b) * uint16(i%8+1)
		cs ^= 0x3A
	}
	return ^cs + 0x1234
}

// proprietaryB sums big-endian 32-bit chunks with a rotate after each, the
// final partial chunk zero padded, and xors in the calibration constant.
func proprietaryB(data []byte) uint32 {
	var cs uint32
	for i := 0; i < len(data); i += 4 {
		var chunk uint32
		if i+4 <= len(data) {
			chunk = binary.BigEndian.Uint32(data[i:])
		} else {
			var tail [4]byte
			copy(tail[:], data[i:])
			chunk = binary.BigEndian.Uint32(tail[:])
		}
		cs = bits.RotateLeft32(cs+chunk, 3)
	}
	return cs ^ proprietaryBConst
}
