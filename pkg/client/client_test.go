package client_test

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/srttools/srtdiag/pkg/calibration"
	"github.com/srttools/srtdiag/pkg/client"
	"github.com/srttools/srtdiag/pkg/dtc"
	"github.com/srttools/srtdiag/pkg/ecusim"
	"github.com/srttools/srtdiag/pkg/rom"
	"github.com/srttools/srtdiag/pkg/safety"
	"github.com/srttools/srtdiag/pkg/uds"
)

func loopback(t *testing.T) (*client.Client, *ecusim.ECU) {
	t.Helper()
	img := make([]byte, calibration.ImageSize)
	for i := range img {
		img[i] = byte(i * 3)
	}
	regions := calibration.SRT4Regions()
	v, err := rom.NewVerifier(regions)
	if err != nil {
		t.Fatalf("NewVerifier() failed: %v", err)
	}
	if _, err := v.PatchImage(img); err != nil {
		t.Fatalf("PatchImage() failed: %v", err)
	}
	ecu, err := ecusim.New(ecusim.Config{
		Image:     img,
		Regions:   regions,
		Validator: safety.DefaultLimits(),
		Params:    map[uint16]float64{0xF190: 15.0},
		DTCs:      []dtc.DTC{{Code: "P0299", Status: 0x2F}},
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ecu.Connect()
	return client.New(ecu), ecu
}

// The full flash flow: default session, programming session, level 5
// unlock, 256 byte download, exit, then an upload of the same window
// reads back byte for byte.
func TestEndToEndFlashScenario(t *testing.T) {
	ctx := context.Background()
	c, ecu := loopback(t)

	if ecu.Session() != ecusim.SessionDefault || ecu.SecurityLevel() != 0 {
		t.Fatalf("fresh connection: session %s level %d", ecu.Session(), ecu.SecurityLevel())
	}

	if err := c.EnterSession(ctx, uds.SESSION_PROGRAMMING); err != nil {
		t.Fatalf("EnterSession() failed: %v", err)
	}

	seed, err := c.RequestSeed(ctx, 5)
	if err != nil {
		t.Fatalf("RequestSeed() failed: %v", err)
	}
	if len(seed) != 8 {
		t.Fatalf("level 5 seed is %d bytes, want 8", len(seed))
	}

	// Unlock re-requests a seed; the manager replaces the pending challenge.
	if err := c.Unlock(ctx, 5); err != nil {
		t.Fatalf("Unlock() failed: %v", err)
	}
	if ecu.SecurityLevel() != 5 {
		t.Fatalf("level = %d after unlock, want 5", ecu.SecurityLevel())
	}

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i ^ 0xA5)
	}
	if err := c.Download(ctx, 0x010000, payload, 128); err != nil {
		t.Fatalf("Download() failed: %v", err)
	}

	mismatches, err := c.VerifyReadback(ctx, 0x010000, payload, 128)
	if err != nil {
		t.Fatalf("VerifyReadback() failed: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("readback mismatches: %v", mismatches)
	}

	// the write dirtied the fuel region; patch and verify on-ECU
	valid, _, err := c.VerifyChecksums(ctx)
	if err != nil {
		t.Fatalf("VerifyChecksums() failed: %v", err)
	}
	if valid {
		t.Fatal("checksums still valid after raw download")
	}
	patched, err := c.PatchChecksums(ctx)
	if err != nil {
		t.Fatalf("PatchChecksums() failed: %v", err)
	}
	if patched != 1 {
		t.Errorf("patched %d regions, want 1", patched)
	}
	valid, flags, err := c.VerifyChecksums(ctx)
	if err != nil {
		t.Fatalf("VerifyChecksums() failed: %v", err)
	}
	if !valid {
		t.Errorf("checksums invalid after patch: %v", flags)
	}
}

func TestUnlockZeroSeedShortCircuit(t *testing.T) {
	ctx := context.Background()
	c, ecu := loopback(t)

	if err := c.EnterSession(ctx, uds.SESSION_EXTENDED); err != nil {
		t.Fatalf("EnterSession() failed: %v", err)
	}
	if err := c.Unlock(ctx, 3); err != nil {
		t.Fatalf("Unlock() failed: %v", err)
	}
	// already unlocked: the ECU answers with a zero seed, no key roundtrip
	if err := c.Unlock(ctx, 3); err != nil {
		t.Fatalf("second Unlock() failed: %v", err)
	}
	if ecu.SecurityLevel() != 3 {
		t.Errorf("level = %d, want 3", ecu.SecurityLevel())
	}
}

func TestVerifyReadbackLocalizesMismatch(t *testing.T) {
	ctx := context.Background()
	c, _ := loopback(t)

	if err := c.EnterSession(ctx, uds.SESSION_PROGRAMMING); err != nil {
		t.Fatalf("EnterSession() failed: %v", err)
	}
	if err := c.Unlock(ctx, 3); err != nil {
		t.Fatalf("Unlock() failed: %v", err)
	}

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	if err := c.Download(ctx, 0x020000, payload, 128); err != nil {
		t.Fatalf("Download() failed: %v", err)
	}

	// corrupt two bytes behind the client's back
	if err := c.WriteMemory(ctx, 0x020010, []byte{0xEE}); err != nil {
		t.Fatalf("WriteMemory() failed: %v", err)
	}
	if err := c.WriteMemory(ctx, 0x020080, []byte{0xEF}); err != nil {
		t.Fatalf("WriteMemory() failed: %v", err)
	}

	mismatches, err := c.VerifyReadback(ctx, 0x020000, payload, 128)
	if err != nil {
		t.Fatalf("VerifyReadback() failed: %v", err)
	}
	if len(mismatches) != 2 {
		t.Fatalf("got %d mismatches, want 2: %v", len(mismatches), mismatches)
	}
	if mismatches[0].Offset != 0x10 || mismatches[0].Readback != 0xEE || mismatches[0].Written != payload[0x10] {
		t.Errorf("first mismatch = %v", mismatches[0])
	}
	if mismatches[1].Offset != 0x80 {
		t.Errorf("second mismatch = %v", mismatches[1])
	}
}

func TestDTCFlow(t *testing.T) {
	ctx := context.Background()
	c, _ := loopback(t)

	dtcs, err := c.ReadDTCs(ctx, 0xFF)
	if err != nil {
		t.Fatalf("ReadDTCs() failed: %v", err)
	}
	if len(dtcs) != 1 || dtcs[0].Code != "P0299" {
		t.Fatalf("ReadDTCs() = %v, want [P0299]", dtcs)
	}
	if dtcs[0].Info().Name == "" {
		t.Error("P0299 missing from database")
	}

	if err := c.ClearDTCs(ctx); err != nil {
		t.Fatalf("ClearDTCs() failed: %v", err)
	}
	dtcs, err = c.ReadDTCs(ctx, 0xFF)
	if err != nil {
		t.Fatalf("ReadDTCs() failed: %v", err)
	}
	if len(dtcs) != 0 {
		t.Errorf("ReadDTCs() after clear = %v, want none", dtcs)
	}
}

func TestTuningValueRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := loopback(t)

	if err := c.EnterSession(ctx, uds.SESSION_EXTENDED); err != nil {
		t.Fatalf("EnterSession() failed: %v", err)
	}
	if err := c.Unlock(ctx, 1); err != nil {
		t.Fatalf("Unlock() failed: %v", err)
	}

	if err := c.WriteTuningValue(ctx, 0xF190, 18.5); err != nil {
		t.Fatalf("WriteTuningValue() failed: %v", err)
	}
	got, err := c.ReadTuningValue(ctx, 0xF190)
	if err != nil {
		t.Fatalf("ReadTuningValue() failed: %v", err)
	}
	if got != 18.5 {
		t.Errorf("boost = %v, want 18.5", got)
	}

	// unsafe write surfaces the violation and the sentinel
	err = c.WriteTuningValue(ctx, 0xF190, 25.0)
	if !errors.Is(err, uds.ErrUnsafeParameterRejected) {
		t.Errorf("unsafe write error = %v, want ErrUnsafeParameterRejected", err)
	}

	// 8.2 / 0.1 is 81.999... in float64; the wire raw must round to 82
	if err := c.WriteTuningValue(ctx, 0xF190, 8.2); err != nil {
		t.Fatalf("WriteTuningValue() failed: %v", err)
	}
	data, err := c.ReadDataByIdentifier(ctx, 0xF190)
	if err != nil {
		t.Fatalf("ReadDataByIdentifier() failed: %v", err)
	}
	if raw := binary.BigEndian.Uint16(data); raw != 82 {
		t.Errorf("boost raw = %d, want 82", raw)
	}
}

// pendingTransport answers responsePending a fixed number of times before
// delegating.
type pendingTransport struct {
	remaining int
	inner     client.Transport
	calls     int
}

func (p *pendingTransport) Roundtrip(ctx context.Context, req uds.Request) (uds.Response, error) {
	p.calls++
	if p.remaining > 0 {
		p.remaining--
		return uds.Negative(req.Service, uds.ErrResponsePending), nil
	}
	return p.inner.Roundtrip(ctx, req)
}

func TestResponsePendingRetry(t *testing.T) {
	ctx := context.Background()
	_, ecu := loopback(t)

	pt := &pendingTransport{remaining: 2, inner: ecu}
	c := client.New(pt, client.WithAttempts(5), client.WithRetryDelay(0))

	if err := c.TesterPresent(ctx); err != nil {
		t.Fatalf("TesterPresent() failed after pending responses: %v", err)
	}
	if pt.calls != 3 {
		t.Errorf("transport saw %d calls, want 3", pt.calls)
	}
}

func TestResponsePendingExhaustion(t *testing.T) {
	ctx := context.Background()
	_, ecu := loopback(t)

	pt := &pendingTransport{remaining: 10, inner: ecu}
	c := client.New(pt, client.WithAttempts(3), client.WithRetryDelay(0))

	err := c.TesterPresent(ctx)
	if !errors.Is(err, uds.ErrResponsePending) {
		t.Fatalf("error = %v, want ErrResponsePending after exhausted retries", err)
	}
}

func TestNegativeResponseNotRetried(t *testing.T) {
	ctx := context.Background()
	c, _ := loopback(t)

	// security access in default session is final, not retried
	_, err := c.RequestSeed(ctx, 3)
	if !errors.Is(err, uds.ErrServiceNotSupportedInActiveSession) {
		t.Fatalf("error = %v, want ErrServiceNotSupportedInActiveSession", err)
	}
}
