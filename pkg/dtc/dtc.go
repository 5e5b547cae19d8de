// Package dtc models diagnostic trouble codes, their UDS status byte and
// the 4-byte wire record used by the ReadDTCInformation service.
package dtc

import (
	"fmt"
	"strings"
)

type DTC struct {
	Code   string
	Status byte
}

func (d DTC) String() string {
	return d.Code
}

func (d DTC) StatusString() string {
	return StatusBytetoString(d.Status)
}

func (d DTC) Info() DTCInfo {
	if info, ok := SRT4DTCS[d.Code]; ok {
		return info
	}
	return DTCInfo{}
}

// Bytes encodes the DTC as a 4-byte record: three code bytes followed by
// the status byte.
func (d DTC) Bytes() ([]byte, error) {
	code, err := EncodeCode(d.Code)
	if err != nil {
		return nil, err
	}
	return append(code[:], d.Status), nil
}

// FromBytes decodes a 4-byte record produced by Bytes.
func FromBytes(b []byte) (DTC, error) {
	if len(b) != 4 {
		return DTC{}, fmt.Errorf("DTC record must be 4 bytes, got %d", len(b))
	}
	var code [3]byte
	copy(code[:], b)
	return DTC{Code: DecodeCode(code), Status: b[3]}, nil
}

const systemLetters = "PCBU"

// EncodeCode packs a code like P0234 into its 3-byte wire form: system
// letter in the top two bits, then four BCD digits, then a zero failure
// type byte.
func EncodeCode(code string) ([3]byte, error) {
	var out [3]byte
	if len(code) != 5 {
		return out, fmt.Errorf("malformed DTC %q", code)
	}
	letter := strings.IndexByte(systemLetters, code[0])
	if letter < 0 {
		return out, fmt.Errorf("malformed DTC %q: unknown system letter", code)
	}
	var digits [4]byte
	for i := 0; i < 4; i++ {
		c := code[i+1]
		if c < '0' || c > '9' {
			return out, fmt.Errorf("malformed DTC %q: bad digit %q", code, c)
		}
		digits[i] = c - '0'
	}
	if digits[0] > 3 {
		return out, fmt.Errorf("malformed DTC %q: first digit out of range", code)
	}
	out[0] = byte(letter)<<6 | digits[0]<<4 | digits[1]
	out[1] = digits[2]<<4 | digits[3]
	return out, nil
}

// DecodeCode is the inverse of EncodeCode. The failure type byte is ignored.
func DecodeCode(b [3]byte) string {
	return fmt.Sprintf("%c%d%d%d%d", systemLetters[b[0]>>6], b[0]>>4&0x3, b[0]&0xF, b[1]>>4, b[1]&0xF)
}

/*
DTC Status Byte
bit #	hex		state								description
0		0x01	testFailed							DTC failed at the time of the request
1		0x02	testFailedThisOperationCycle		DTC failed on the current operation cycle
2		0x04	pendingDTC							DTC failed on the current or previous operation cycle
3		0x08	confirmedDTC						DTC is confirmed at the time of the request
4		0x10	testNotCompletedSinceLastClear		DTC test not completed since the last code clear
5		0x20	testFailedSinceLastClear			DTC test failed at least once since last code clear
6		0x40	testNotCompletedThisOperationCycle	DTC test not completed this operation cycle
7		0x80	warningIndicatorRequested			Server is requesting warningIndicator to be active
*/
func StatusBytetoString(status byte) string {
	var statusStrings []string
	if status&0x80 != 0 {
		statusStrings = append(statusStrings, "CEL illuminated")
	}
	if status&0x40 != 0 {
		statusStrings = append(statusStrings, "test not completed this operation cycle")
	}
	if status&0x20 != 0 {
		statusStrings = append(statusStrings, "test failed at least once since last code clear")
	}
	if status&0x10 != 0 {
		statusStrings = append(statusStrings, "test not completed since the last code clear")
	}
	if status&0x08 != 0 {
		statusStrings = append(statusStrings, "confirmed at the time of the request")
	}
	if status&0x04 != 0 {
		statusStrings = append(statusStrings, "failed on the current or previous operation cycle")
	}
	if status&0x02 != 0 {
		statusStrings = append(statusStrings, "failed on the current operation cycle")
	}
	if status&0x01 != 0 {
		statusStrings = append(statusStrings, "failed at the time of the request")
	}
	return strings.Join(statusStrings, ", ")
}

type DTCInfo struct {
	Name        string
	Description string
}
