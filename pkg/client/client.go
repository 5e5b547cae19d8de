// Package client implements the tester side of the diagnostic protocol:
// session control, seed-key unlock, DID and memory access, block-chunked
// transfers with post-write verification, and DTC handling.
package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/srttools/srtdiag/pkg/calibration"
	"github.com/srttools/srtdiag/pkg/dtc"
	"github.com/srttools/srtdiag/pkg/seedkey"
	"github.com/srttools/srtdiag/pkg/uds"
)

// Transport carries one request PDU to the ECU and returns its response.
// The in-process simulator and the CAN adapter both satisfy this.
type Transport interface {
	Roundtrip(ctx context.Context, req uds.Request) (uds.Response, error)
}

type Client struct {
	t        Transport
	attempts uint
	delay    time.Duration
}

type Option func(*Client)

// WithAttempts sets how often a responsePending answer is retried.
func WithAttempts(n uint) Option {
	return func(c *Client) { c.attempts = n }
}

func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.delay = d }
}

func New(t Transport, opts ...Option) *Client {
	c := &Client{
		t:        t,
		attempts: 5,
		delay:    50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// send performs one request, retrying only on responsePending (0x78).
// Every other negative response is final.
func (c *Client) send(ctx context.Context, req uds.Request) ([]byte, error) {
	var data []byte
	err := retry.Do(func() error {
		resp, err := c.t.Roundtrip(ctx, req)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if err := resp.Err(); err != nil {
			if errors.Is(err, uds.ErrResponsePending) {
				return err
			}
			return retry.Unrecoverable(err)
		}
		data = resp.Data
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("service %02X: %w", req.Service, err)
	}
	return data, nil
}

func (c *Client) EnterSession(ctx context.Context, session byte) error {
	_, err := c.send(ctx, uds.Request{Service: uds.DIAGNOSTIC_SESSION_CONTROL, Subfunction: session})
	return err
}

func (c *Client) ECUReset(ctx context.Context) error {
	_, err := c.send(ctx, uds.Request{Service: uds.ECU_RESET, Subfunction: 0x01})
	return err
}

func (c *Client) TesterPresent(ctx context.Context) error {
	_, err := c.send(ctx, uds.Request{Service: uds.TESTER_PRESENT, Subfunction: 0x00})
	return err
}

func (c *Client) RequestSeed(ctx context.Context, level byte) ([]byte, error) {
	return c.send(ctx, uds.Request{Service: uds.SECURITY_ACCESS, Subfunction: level})
}

func (c *Client) SendKey(ctx context.Context, level byte, key []byte) error {
	_, err := c.send(ctx, uds.Request{Service: uds.SECURITY_ACCESS, Subfunction: level + 1, Payload: key})
	return err
}

// Unlock runs the full seed-key handshake for level. An all-zero seed
// means the level is already granted and no key is sent.
func (c *Client) Unlock(ctx context.Context, level byte) error {
	seed, err := c.RequestSeed(ctx, level)
	if err != nil {
		return err
	}
	if allZero(seed) {
		return nil
	}
	key, err := seedkey.Calculate(level, seed)
	if err != nil {
		return fmt.Errorf("unlock level %d: %w", level, err)
	}
	return c.SendKey(ctx, level, key)
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// ReadDataByIdentifier returns the value bytes, the echoed identifier
// stripped.
func (c *Client) ReadDataByIdentifier(ctx context.Context, did uint16) ([]byte, error) {
	data, err := c.send(ctx, uds.Request{Service: uds.READ_DATA_BY_IDENTIFIER, Payload: binary.BigEndian.AppendUint16(nil, did)})
	if err != nil {
		return nil, err
	}
	if len(data) < 2 || binary.BigEndian.Uint16(data) != did {
		return nil, fmt.Errorf("read DID %04X: malformed echo % X", did, data)
	}
	return data[2:], nil
}

func (c *Client) WriteDataByIdentifier(ctx context.Context, did uint16, value []byte) error {
	payload := binary.BigEndian.AppendUint16(nil, did)
	_, err := c.send(ctx, uds.Request{Service: uds.WRITE_DATA_BY_IDENTIFIER, Payload: append(payload, value...)})
	return err
}

// ReadTuningValue reads a tuning DID and applies its scaling.
func (c *Client) ReadTuningValue(ctx context.Context, did uint16) (float64, error) {
	p, ok := calibration.TuningDIDs[did]
	if !ok {
		return 0, fmt.Errorf("DID %04X is not a tuning parameter", did)
	}
	data, err := c.ReadDataByIdentifier(ctx, did)
	if err != nil {
		return 0, err
	}
	if len(data) != 2 {
		return 0, fmt.Errorf("DID %04X: value of %d bytes", did, len(data))
	}
	return float64(binary.BigEndian.Uint16(data)) * p.Scale, nil
}

// WriteTuningValue converts a physical value to raw and writes the DID.
func (c *Client) WriteTuningValue(ctx context.Context, did uint16, value float64) error {
	p, ok := calibration.TuningDIDs[did]
	if !ok {
		return fmt.Errorf("DID %04X is not a tuning parameter", did)
	}
	raw := uint16(math.Round(value / p.Scale))
	return c.WriteDataByIdentifier(ctx, did, binary.BigEndian.AppendUint16(nil, raw))
}

func (c *Client) ReadMemory(ctx context.Context, addr, length uint32) ([]byte, error) {
	p := binary.BigEndian.AppendUint32(nil, addr)
	p = binary.BigEndian.AppendUint32(p, length)
	return c.send(ctx, uds.Request{Service: uds.READ_MEMORY_BY_ADDRESS, Payload: p})
}

func (c *Client) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	p := binary.BigEndian.AppendUint32(nil, addr)
	_, err := c.send(ctx, uds.Request{Service: uds.WRITE_MEMORY_BY_ADDRESS, Payload: append(p, data...)})
	return err
}

func transferReq(service byte, addr, length uint32, blockCap uint16) uds.Request {
	p := binary.BigEndian.AppendUint32(nil, addr)
	p = binary.BigEndian.AppendUint32(p, length)
	if blockCap > 0 {
		p = binary.BigEndian.AppendUint16(p, blockCap)
	}
	return uds.Request{Service: service, Payload: p}
}

// nextSequence wraps mod 256, skipping 0.
func nextSequence(seq byte) byte {
	seq++
	if seq == 0 {
		seq = 1
	}
	return seq
}

// Download writes data to addr through request→transfer×N→exit, chunked
// to the negotiated block size.
func (c *Client) Download(ctx context.Context, addr uint32, data []byte, blockCap uint16) error {
	resp, err := c.send(ctx, transferReq(uds.REQUEST_DOWNLOAD, addr, uint32(len(data)), blockCap))
	if err != nil {
		return err
	}
	if len(resp) != 2 {
		return fmt.Errorf("download: block size response of %d bytes", len(resp))
	}
	block := int(binary.BigEndian.Uint16(resp))

	seq := byte(1)
	for off := 0; off < len(data); off += block {
		end := off + block
		if end > len(data) {
			end = len(data)
		}
		ack, err := c.send(ctx, uds.Request{Service: uds.TRANSFER_DATA, Subfunction: seq, Payload: data[off:end]})
		if err != nil {
			return fmt.Errorf("block %d: %w", seq, err)
		}
		if len(ack) != 1 || ack[0] != seq {
			return fmt.Errorf("block %d: bad ack % X", seq, ack)
		}
		seq = nextSequence(seq)
	}

	_, err = c.send(ctx, uds.Request{Service: uds.REQUEST_TRANSFER_EXIT})
	return err
}

// Upload reads length bytes from addr, symmetric to Download.
func (c *Client) Upload(ctx context.Context, addr, length uint32, blockCap uint16) ([]byte, error) {
	resp, err := c.send(ctx, transferReq(uds.REQUEST_UPLOAD, addr, length, blockCap))
	if err != nil {
		return nil, err
	}
	if len(resp) != 2 {
		return nil, fmt.Errorf("upload: block size response of %d bytes", len(resp))
	}

	out := make([]byte, 0, length)
	seq := byte(1)
	for uint32(len(out)) < length {
		chunk, err := c.send(ctx, uds.Request{Service: uds.TRANSFER_DATA, Subfunction: seq})
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", seq, err)
		}
		if len(chunk) < 2 || chunk[0] != seq {
			return nil, fmt.Errorf("block %d: bad chunk header % X", seq, chunk[:min(len(chunk), 2)])
		}
		out = append(out, chunk[1:]...)
		seq = nextSequence(seq)
	}

	if _, err := c.send(ctx, uds.Request{Service: uds.REQUEST_TRANSFER_EXIT}); err != nil {
		return nil, err
	}
	return out, nil
}

// Mismatch is one byte that read back differently than written.
type Mismatch struct {
	Offset   uint32
	Written  byte
	Readback byte
}

func (m Mismatch) String() string {
	return fmt.Sprintf("+%06X wrote %02X read %02X", m.Offset, m.Written, m.Readback)
}

// VerifyReadback uploads the window at addr and compares it byte for byte
// against written. Mismatches are reported per offset so corruption can be
// localized; an empty slice means a clean readback.
func (c *Client) VerifyReadback(ctx context.Context, addr uint32, written []byte, blockCap uint16) ([]Mismatch, error) {
	readback, err := c.Upload(ctx, addr, uint32(len(written)), blockCap)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(readback, written) {
		return nil, nil
	}
	var out []Mismatch
	for i := range written {
		if readback[i] != written[i] {
			out = append(out, Mismatch{Offset: uint32(i), Written: written[i], Readback: readback[i]})
		}
	}
	return out, nil
}

// ReadDTCs reports the codes matching the status mask.
func (c *Client) ReadDTCs(ctx context.Context, mask byte) ([]dtc.DTC, error) {
	data, err := c.send(ctx, uds.Request{Service: uds.READ_DTC_INFORMATION, Subfunction: uds.REPORT_DTC_BY_STATUS_MASK, Payload: []byte{mask}})
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("read DTC: %d byte record list", len(data))
	}
	out := make([]dtc.DTC, 0, len(data)/4)
	for i := 0; i < len(data); i += 4 {
		d, err := dtc.FromBytes(data[i : i+4])
		if err != nil {
			return nil, fmt.Errorf("read DTC: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Client) ClearDTCs(ctx context.Context) error {
	_, err := c.send(ctx, uds.Request{Service: uds.CLEAR_DIAGNOSTIC_INFORMATION})
	return err
}

func routineReq(routine uint16, args ...byte) uds.Request {
	payload := binary.BigEndian.AppendUint16(nil, routine)
	return uds.Request{Service: uds.ROUTINE_CONTROL, Subfunction: uds.ROUTINE_START, Payload: append(payload, args...)}
}

// VerifyChecksums runs the on-ECU verification routine. The flags follow
// the ECU's region catalog order.
func (c *Client) VerifyChecksums(ctx context.Context) (bool, []bool, error) {
	data, err := c.send(ctx, routineReq(uds.ROUTINE_VERIFY_CHECKSUMS))
	if err != nil {
		return false, nil, err
	}
	if len(data) < 2 || len(data) != 2+int(data[1]) {
		return false, nil, fmt.Errorf("verify checksums: malformed result % X", data)
	}
	flags := make([]bool, data[1])
	for i := range flags {
		flags[i] = data[2+i] == 1
	}
	return data[0] == 1, flags, nil
}

// PatchChecksums runs the on-ECU checksum repair routine and returns how
// many regions were rewritten.
func (c *Client) PatchChecksums(ctx context.Context) (int, error) {
	data, err := c.send(ctx, routineReq(uds.ROUTINE_PATCH_CHECKSUMS))
	if err != nil {
		return 0, err
	}
	if len(data) != 1 {
		return 0, fmt.Errorf("patch checksums: malformed result % X", data)
	}
	return int(data[0]), nil
}

// EraseRegion erases the cataloged region containing addr.
func (c *Client) EraseRegion(ctx context.Context, addr uint32) error {
	_, err := c.send(ctx, routineReq(uds.ROUTINE_ERASE_REGION, binary.BigEndian.AppendUint32(nil, addr)...))
	return err
}
