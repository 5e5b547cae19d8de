package dtc_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/srttools/srtdiag/pkg/dtc"
)

func TestEncodeCode(t *testing.T) {
	tests := []struct {
		code    string
		want    [3]byte
		wantErr bool
	}{
		{code: "P0234", want: [3]byte{0x02, 0x34, 0x00}},
		{code: "P0299", want: [3]byte{0x02, 0x99, 0x00}},
		{code: "C1234", want: [3]byte{0x52, 0x34, 0x00}},
		{code: "B0001", want: [3]byte{0x80, 0x01, 0x00}},
		{code: "U3000", want: [3]byte{0xF0, 0x00, 0x00}},
		{code: "P234", wantErr: true},
		{code: "X0234", wantErr: true},
		{code: "P4234", wantErr: true},
		{code: "P02F4", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			got, err := dtc.EncodeCode(tt.code)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeCode(%q) error = %v, wantErr %v", tt.code, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("EncodeCode(%q) = % X, want % X", tt.code, got, tt.want)
			}
		})
	}
}

func TestCodeRoundTrip(t *testing.T) {
	for _, code := range []string{"P0234", "P0299", "P1684", "C0051", "B1342", "U0101"} {
		enc, err := dtc.EncodeCode(code)
		if err != nil {
			t.Fatalf("EncodeCode(%q) failed: %v", code, err)
		}
		if got := dtc.DecodeCode(enc); got != code {
			t.Errorf("DecodeCode(EncodeCode(%q)) = %q", code, got)
		}
	}
}

func TestBytesRoundTrip(t *testing.T) {
	d := dtc.DTC{Code: "P0234", Status: 0x8C}
	b, err := d.Bytes()
	if err != nil {
		t.Fatalf("Bytes() failed: %v", err)
	}
	if want := []byte{0x02, 0x34, 0x00, 0x8C}; !bytes.Equal(b, want) {
		t.Fatalf("Bytes() = % X, want % X", b, want)
	}
	got, err := dtc.FromBytes(b)
	if err != nil {
		t.Fatalf("FromBytes() failed: %v", err)
	}
	if got != d {
		t.Errorf("FromBytes() = %+v, want %+v", got, d)
	}

	if _, err := dtc.FromBytes([]byte{0x02, 0x34}); err == nil {
		t.Error("FromBytes() accepted short record")
	}
}

func TestStatusString(t *testing.T) {
	d := dtc.DTC{Code: "P0234", Status: 0x88}
	s := d.StatusString()
	if !strings.Contains(s, "CEL illuminated") {
		t.Errorf("status %q missing CEL", s)
	}
	if !strings.Contains(s, "confirmed") {
		t.Errorf("status %q missing confirmed", s)
	}
}

func TestInfo(t *testing.T) {
	if info := (dtc.DTC{Code: "P0234"}).Info(); info.Name == "" {
		t.Error("P0234 missing from database")
	}
	if info := (dtc.DTC{Code: "P9999"}).Info(); info.Name != "" {
		t.Errorf("unknown code returned info %+v", info)
	}
}
