// Package uds defines the service PDUs, negative response codes and error
// taxonomy shared by the SRT-4 simulator, the tester client and the CAN
// transport adapter.
package uds

import (
	"fmt"
)

// Request is one reassembled service PDU. Services without a subfunction
// leave Subfunction zero; identifier and address arguments ride in Payload.
type Request struct {
	Service     byte
	Subfunction byte
	Payload     []byte
}

func (r Request) String() string {
	return fmt.Sprintf("req %02X/%02X % X", r.Service, r.Subfunction, r.Payload)
}

// Bytes encodes the request for the wire: service, subfunction, payload.
func (r Request) Bytes() []byte {
	out := make([]byte, 0, 2+len(r.Payload))
	out = append(out, r.Service, r.Subfunction)
	return append(out, r.Payload...)
}

// ParseRequest decodes a PDU produced by Request.Bytes.
func ParseRequest(data []byte) (Request, error) {
	if len(data) < 2 {
		return Request{}, fmt.Errorf("request PDU of %d bytes: %w", len(data), ErrIncorrectMessageLength)
	}
	return Request{Service: data[0], Subfunction: data[1], Payload: data[2:]}, nil
}

// Response is the service outcome. Code is the negative response code when
// Success is false. Detail survives only on in-process transports; the wire
// carries the code alone.
type Response struct {
	Service byte
	Success bool
	Data    []byte
	Code    byte
	Detail  string
}

// Positive builds a successful response echoing the service identifier.
func Positive(service byte, data []byte) Response {
	return Response{Service: service, Success: true, Data: data}
}

// Negative builds a failure response from err, keeping the full error text
// as detail.
func Negative(service byte, err error) Response {
	return Response{Service: service, Code: CodeOf(err), Detail: err.Error()}
}

// Err converts a failed response back into an error that satisfies
// errors.Is against the uds sentinels.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	base := Translate(r.Code)
	if r.Detail == "" || r.Detail == base.Error() {
		return base
	}
	return &RemoteError{Detail: r.Detail, Code: r.Code}
}

// Bytes encodes the response: SID|0x40 followed by data on success,
// 0x7F SID NRC on failure.
func (r Response) Bytes() []byte {
	if r.Success {
		out := make([]byte, 0, 1+len(r.Data))
		out = append(out, r.Service|POSITIVE_RESPONSE_MASK)
		return append(out, r.Data...)
	}
	return []byte{NEGATIVE_RESPONSE, r.Service, r.Code}
}

// ParseResponse decodes a PDU produced by Response.Bytes.
func ParseResponse(data []byte) (Response, error) {
	if len(data) < 1 {
		return Response{}, fmt.Errorf("empty response PDU: %w", ErrIncorrectMessageLength)
	}
	if data[0] == NEGATIVE_RESPONSE {
		if len(data) < 3 {
			return Response{}, fmt.Errorf("negative response PDU of %d bytes: %w", len(data), ErrIncorrectMessageLength)
		}
		return Response{Service: data[1], Code: data[2]}, nil
	}
	return Response{Service: data[0] &^ POSITIVE_RESPONSE_MASK, Success: true, Data: data[1:]}, nil
}

// RemoteError is a failed response whose detail text survived the transport.
type RemoteError struct {
	Detail string
	Code   byte
}

func (e *RemoteError) Error() string { return e.Detail }

func (e *RemoteError) Unwrap() error { return Translate(e.Code) }
