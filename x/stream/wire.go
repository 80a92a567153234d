package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire layout; all integers are little-endian.
//
//	message: id(3) rest_length(2) body(rest_length)
//	payload: type(2) data_length(2) data(data_length)
const (
	MessageHeaderLen = 5
	PayloadHeaderLen = 4

	// MaxMessageID is the largest id that fits in the 3-byte header field.
	MaxMessageID = 1<<24 - 1
	// MaxBodyLen is the largest body a message header can declare.
	MaxBodyLen = math.MaxUint16
)

var (
	// ErrShortPayloadHeader means fewer than PayloadHeaderLen bytes remain in a body.
	ErrShortPayloadHeader = errors.New("payload header truncated")
	// ErrPayloadOverrun means a payload declares more data than its body holds.
	ErrPayloadOverrun = errors.New("payload overruns message body")
)

// Payload is one sub-frame of a message body.
type Payload struct {
	Type         uint16
	Data         []byte
	MessageID    uint32
	EndOfMessage bool
}

// Len returns the on-wire footprint of the payload.
func (p Payload) Len() int {
	return len(p.Data) + PayloadHeaderLen
}

// ParsePayload reads the payload at the start of b. It returns the payload, its
// on-wire length and an error wrapping ErrShortPayloadHeader or
// ErrPayloadOverrun when b is inconsistent. The payload data is copied.
func ParsePayload(b []byte, msgID uint32) (Payload, int, error) {
	if len(b) < PayloadHeaderLen {
		return Payload{}, 0, fmt.Errorf("%w: have %d bytes", ErrShortPayloadHeader, len(b))
	}

	typ := binary.LittleEndian.Uint16(b[0:2])
	n := int(binary.LittleEndian.Uint16(b[2:4])) + PayloadHeaderLen
	if n > len(b) {
		return Payload{}, 0, fmt.Errorf("%w: type=0x%04x need %d bytes, have %d",
			ErrPayloadOverrun, typ, n, len(b))
	}

	data := make([]byte, n-PayloadHeaderLen)
	copy(data, b[PayloadHeaderLen:n])

	return Payload{
		Type:      typ,
		Data:      data,
		MessageID: msgID,
	}, n, nil
}

// parseMessageHeader returns the message id and total on-wire length.
func parseMessageHeader(b []byte) (uint32, int) {
	id := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	total := int(binary.LittleEndian.Uint16(b[3:5])) + MessageHeaderLen
	return id, total
}

// AppendPayload appends the wire encoding of one payload to dst.
func AppendPayload(dst []byte, typ uint16, data []byte) ([]byte, error) {
	if len(data) > math.MaxUint16 {
		return dst, fmt.Errorf("payload data length %d exceeds %d", len(data), math.MaxUint16)
	}
	dst = binary.LittleEndian.AppendUint16(dst, typ)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(data)))
	return append(dst, data...), nil
}

// EncodeMessage frames body as a message with the given id.
func EncodeMessage(id uint32, body []byte) ([]byte, error) {
	if id > MaxMessageID {
		return nil, fmt.Errorf("message id %d exceeds %d", id, MaxMessageID)
	}
	if len(body) > MaxBodyLen {
		return nil, fmt.Errorf("message body length %d exceeds %d", len(body), MaxBodyLen)
	}

	out := make([]byte, MessageHeaderLen, MessageHeaderLen+len(body))
	out[0], out[1], out[2] = byte(id), byte(id>>8), byte(id>>16)
	binary.LittleEndian.PutUint16(out[3:5], uint16(len(body)))
	return append(out, body...), nil
}
