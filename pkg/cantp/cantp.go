// Package cantp frames service PDUs onto 8-byte CAN frames and reassembles
// responses: single frames for short PDUs, first/flow-control/consecutive
// frames beyond that. The protocol core never sees frames.
package cantp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roffe/gocan"

	"github.com/srttools/srtdiag/pkg/uds"
)

const DefaultTimeout = 250 * time.Millisecond

// MaxPDUSize is the largest PDU the first-frame length field can carry.
const MaxPDUSize = 0xFFF

// Transport carries request PDUs to the PCM over CAN, request ID 0x7E0,
// response ID 0x7E8.
type Transport struct {
	c       *gocan.Client
	reqID   uint32
	respID  uint32
	timeout time.Duration
}

type Option func(*Transport)

func WithTimeout(d time.Duration) Option {
	return func(t *Transport) { t.timeout = d }
}

func WithIDs(req, resp uint32) Option {
	return func(t *Transport) { t.reqID = req; t.respID = resp }
}

func New(c *gocan.Client, opts ...Option) *Transport {
	t := &Transport{
		c:       c,
		reqID:   uds.REQ_CAN_ID,
		respID:  uds.RESP_CAN_ID,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SplitFrames packs a PDU into 8-byte frames: a single frame
// [len, data..., pad] when it fits in 7 bytes, otherwise a first frame
// carrying the 12-bit length and 6 bytes, then consecutive frames of 7
// bytes with a 4-bit index starting at 1 and wrapping to 0.
func SplitFrames(pdu []byte) ([][]byte, error) {
	if len(pdu) == 0 {
		return nil, errors.New("empty PDU")
	}
	if len(pdu) > MaxPDUSize {
		return nil, fmt.Errorf("PDU of %d bytes exceeds %d", len(pdu), MaxPDUSize)
	}

	if len(pdu) <= 7 {
		frame := make([]byte, 8)
		frame[0] = byte(len(pdu))
		copy(frame[1:], pdu)
		return [][]byte{frame}, nil
	}

	first := make([]byte, 8)
	first[0] = 0x10 | byte(len(pdu)>>8)
	first[1] = byte(len(pdu))
	copy(first[2:], pdu[:6])
	out := [][]byte{first}

	idx := byte(1)
	for off := 6; off < len(pdu); off += 7 {
		frame := make([]byte, 8)
		frame[0] = 0x20 | idx
		copy(frame[1:], pdu[off:min(off+7, len(pdu))])
		out = append(out, frame)
		idx = (idx + 1) & 0x0F
	}
	return out, nil
}

// IsFlowControl reports whether the frame is a clear-to-send flow control.
// Frames off the wire can be shorter than 8 bytes, including empty.
func IsFlowControl(data []byte) bool {
	return len(data) > 0 && data[0]&0xF0 == 0x30
}

// Roundtrip sends one request PDU and blocks for the reassembled response.
func (t *Transport) Roundtrip(ctx context.Context, req uds.Request) (uds.Response, error) {
	frames, err := SplitFrames(req.Bytes())
	if err != nil {
		return uds.Response{}, fmt.Errorf("roundtrip: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := t.c.SubscribeChan(ctx, t.respID)

	if err := t.c.Send(gocan.NewFrame(t.reqID, frames[0], gocan.ResponseRequired)); err != nil {
		return uds.Response{}, fmt.Errorf("roundtrip: %w", err)
	}
	if len(frames) > 1 {
		fc, err := t.recv(ctx, sub)
		if err != nil {
			return uds.Response{}, fmt.Errorf("flow control: %w", err)
		}
		if !IsFlowControl(fc.Data()) {
			return uds.Response{}, fmt.Errorf("flow control: unexpected frame % X", fc.Data())
		}
		for _, f := range frames[1:] {
			if err := t.c.Send(gocan.NewFrame(t.reqID, f, gocan.Outgoing)); err != nil {
				return uds.Response{}, fmt.Errorf("roundtrip: %w", err)
			}
		}
	}

	pdu, err := t.recvPDU(ctx, sub)
	if err != nil {
		return uds.Response{}, fmt.Errorf("roundtrip: %w", err)
	}
	return uds.ParseResponse(pdu)
}

// recvPDU reads one complete response PDU off the subscription,
// reassembling multi-frame responses.
func (t *Transport) recvPDU(ctx context.Context, sub <-chan gocan.CANFrame) ([]byte, error) {
	first, err := t.recv(ctx, sub)
	if err != nil {
		return nil, err
	}
	d := first.Data()
	if len(d) == 0 {
		return nil, errors.New("empty frame")
	}

	switch d[0] & 0xF0 {
	case 0x10:
		if len(d) < 2 {
			return nil, fmt.Errorf("short first frame % X", d)
		}
		total := int(d[0]&0x0F)<<8 | int(d[1])
		buf := append([]byte{}, d[2:]...)
		fc := make([]byte, 8)
		fc[0] = 0x30
		if err := t.c.Send(gocan.NewFrame(t.reqID, fc, gocan.Outgoing)); err != nil {
			return nil, err
		}
		idx := byte(1)
		for len(buf) < total {
			f, err := t.recv(ctx, sub)
			if err != nil {
				return nil, err
			}
			fd := f.Data()
			if fd[0]&0xF0 != 0x20 {
				return nil, fmt.Errorf("unexpected frame % X during reassembly", fd)
			}
			if fd[0]&0x0F != idx {
				return nil, fmt.Errorf("consecutive frame %d when %d expected", fd[0]&0x0F, idx)
			}
			buf = append(buf, fd[1:]...)
			idx = (idx + 1) & 0x0F
		}
		return buf[:total], nil
	default:
		n := int(d[0] & 0x0F)
		if n == 0 || n > len(d)-1 {
			return nil, fmt.Errorf("malformed single frame % X", d)
		}
		return d[1 : 1+n], nil
	}
}

func (t *Transport) recv(ctx context.Context, sub <-chan gocan.CANFrame) (gocan.CANFrame, error) {
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-sub:
		if !ok {
			return nil, errors.New("subscription closed")
		}
		return msg, nil
	case <-timer.C:
		return nil, fmt.Errorf("no frame within %s", t.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
