package ecusim

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/srttools/srtdiag/pkg/ebus"
	"github.com/srttools/srtdiag/pkg/uds"
)

type Direction byte

const (
	DirectionDownload Direction = iota + 1
	DirectionUpload
)

func (d Direction) String() string {
	switch d {
	case DirectionDownload:
		return "download"
	case DirectionUpload:
		return "upload"
	}
	return "unknown"
}

// DefaultBlockSize is the block size the PCM offers; a caller-supplied
// cap can only clamp it smaller.
const DefaultBlockSize = 4096

// DefaultIdleTimeout aborts a transfer with no block activity.
const DefaultIdleTimeout = 30 * time.Second

// TransferSession tracks one in-flight block-chunked upload or download.
// At most one exists per connection.
type TransferSession struct {
	Direction    Direction
	StartAddress uint32
	TotalLength  uint32
	MaxBlockSize int
	NextSequence byte
	Transferred  uint32
	lastActivity time.Time
}

func (t *TransferSession) remaining() uint32 {
	return t.TotalLength - t.Transferred
}

// advance bumps the sequence counter, wrapping mod 256 and skipping 0.
func (t *TransferSession) advance(now time.Time) {
	t.NextSequence++
	if t.NextSequence == 0 {
		t.NextSequence = 1
	}
	t.lastActivity = now
}

// requestTransfer services RequestDownload/RequestUpload. Payload is a
// 4-byte address, a 4-byte length and an optional 2-byte block size cap.
// The response is the negotiated block size, 2 bytes big-endian.
func (e *ECU) requestTransfer(dir Direction, payload []byte) ([]byte, error) {
	if e.session != SessionProgramming {
		return nil, fmt.Errorf("%s outside programming session: %w", dir, uds.ErrServiceNotSupportedInActiveSession)
	}
	if !e.sec.Unlocked(LevelProgramming) {
		return nil, fmt.Errorf("%s: %w", dir, uds.ErrSecurityAccessDenied)
	}
	if e.transfer != nil {
		return nil, fmt.Errorf("%s while a %s is running: %w", dir, e.transfer.Direction, uds.ErrConditionsNotCorrect)
	}
	if len(payload) != 8 && len(payload) != 10 {
		return nil, fmt.Errorf("%s payload of %d bytes: %w", dir, len(payload), uds.ErrIncorrectMessageLength)
	}
	addr := binary.BigEndian.Uint32(payload)
	length := binary.BigEndian.Uint32(payload[4:])
	if length == 0 {
		return nil, fmt.Errorf("zero length %s: %w", dir, uds.ErrIncorrectMessageLength)
	}
	if err := e.checkWindow(addr, length); err != nil {
		return nil, err
	}
	block := DefaultBlockSize
	if len(payload) == 10 {
		if c := int(binary.BigEndian.Uint16(payload[8:])); c > 0 && c < block {
			block = c
		}
	}
	e.transfer = &TransferSession{
		Direction:    dir,
		StartAddress: addr,
		TotalLength:  length,
		MaxBlockSize: block,
		NextSequence: 1,
		lastActivity: e.now(),
	}
	log.Printf("%s %08X+%d, block size %d", dir, addr, length, block)
	return binary.BigEndian.AppendUint16(nil, uint16(block)), nil
}

// transferData services one TransferData block. The subfunction carries
// the block sequence counter; a mismatch aborts the whole transfer. The
// response echoes the sequence, followed by the chunk on upload.
func (e *ECU) transferData(seq byte, payload []byte) ([]byte, error) {
	t := e.transfer
	if t == nil {
		return nil, fmt.Errorf("transfer data with no transfer running: %w", uds.ErrRequestSequenceError)
	}
	if seq != t.NextSequence {
		e.transfer = nil
		return nil, fmt.Errorf("block %d when %d expected, transfer aborted: %w", seq, t.NextSequence, uds.ErrWrongBlockSequenceCounter)
	}

	switch t.Direction {
	case DirectionDownload:
		if len(payload) == 0 || len(payload) > t.MaxBlockSize || uint32(len(payload)) > t.remaining() {
			e.transfer = nil
			return nil, fmt.Errorf("block of %d bytes with %d remaining, transfer aborted: %w", len(payload), t.remaining(), uds.ErrIncorrectMessageLength)
		}
		copy(e.image[t.StartAddress+t.Transferred:], payload)
		e.markDirty(t.StartAddress+t.Transferred, uint32(len(payload)))
		t.Transferred += uint32(len(payload))
		t.advance(e.now())
		e.publishProgress(t)
		return []byte{seq}, nil

	case DirectionUpload:
		if len(payload) != 0 {
			e.transfer = nil
			return nil, fmt.Errorf("upload block carries data, transfer aborted: %w", uds.ErrIncorrectMessageLength)
		}
		n := uint32(t.MaxBlockSize)
		if r := t.remaining(); r < n {
			n = r
		}
		chunk := make([]byte, 1+n)
		chunk[0] = seq
		copy(chunk[1:], e.image[t.StartAddress+t.Transferred:])
		t.Transferred += n
		t.advance(e.now())
		e.publishProgress(t)
		return chunk, nil
	}
	return nil, fmt.Errorf("transfer direction %d: %w", t.Direction, uds.ErrGeneralReject)
}

// transferExit closes the transfer. A short transfer is a programming
// failure and aborts.
func (e *ECU) transferExit() ([]byte, error) {
	t := e.transfer
	if t == nil {
		return nil, fmt.Errorf("transfer exit with no transfer running: %w", uds.ErrRequestSequenceError)
	}
	e.transfer = nil
	if t.Transferred != t.TotalLength {
		return nil, fmt.Errorf("%s ended at %d of %d bytes: %w", t.Direction, t.Transferred, t.TotalLength, uds.ErrGeneralProgrammingFailure)
	}
	log.Printf("%s complete, %d bytes", t.Direction, t.Transferred)
	return nil, nil
}

// AbortTransfer drops any in-flight transfer, releasing the window.
func (e *ECU) AbortTransfer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transfer = nil
}

// expireIdleTransfer treats a transfer with no block activity inside the
// idle timeout as aborted. Called with the mutex held before dispatch.
func (e *ECU) expireIdleTransfer() {
	t := e.transfer
	if t == nil || e.idleTimeout <= 0 {
		return
	}
	if e.now().Sub(t.lastActivity) > e.idleTimeout {
		log.Printf("%s idle for more than %s, aborted", t.Direction, e.idleTimeout)
		e.transfer = nil
	}
}

func (e *ECU) publishProgress(t *TransferSession) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ebus.TopicTransferProgress, float64(t.Transferred)/float64(t.TotalLength)*100)
}

// Roundtrip lets the simulator serve as an in-process loopback transport
// for the tester client.
func (e *ECU) Roundtrip(ctx context.Context, req uds.Request) (uds.Response, error) {
	if err := ctx.Err(); err != nil {
		return uds.Response{}, err
	}
	return e.HandleRequest(req), nil
}
