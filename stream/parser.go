// Package stream implements the peer TCP stream parser: a resumable
// state machine for the typed, length-prefixed framing described in
// §4.4. It is fed arbitrary-sized byte chunks (one byte at a time,
// conceptually) and exposes each frame as soon as it completes.
//
// Grounded on the original server.c's peer_conn_handle_data, which reads
// SERVER_TCP_BUFLEN-sized chunks off a non-blocking socket and feeds them
// byte-by-byte into a parser with exactly these states.
package stream

import (
	"encoding/binary"
	"fmt"
)

// State is one of the five parser states named in §4.4.
type State int

const (
	StateNone State = iota
	StateType
	StateLength
	StatePayload
	StateError
)

// ErrorFrameType is the distinguished type tag sent back to a peer as a
// best-effort notice before the connection is closed.
const ErrorFrameType = "ERRO"

const typeTagLen = 4
const lengthFieldLen = 4

// FrameError marks a framing inconsistency: an unknown type tag, or a
// length exceeding the parser's configured maximum. Once returned, the
// parser is stuck in StateError until the connection is closed and the
// parser discarded; no per-message recovery is defined.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string { return "stream: framing error: " + e.Reason }

// Frame is one completed message: a 4-byte type tag and its payload.
type Frame struct {
	Type    string
	Payload []byte
}

// Parser is the resumable per-connection state machine. It is not safe
// for concurrent use; each TCP peer owns exactly one, and it is driven
// only from the IO loop goroutine.
type Parser struct {
	state      State
	maxPayload uint32
	knownTypes map[string]bool // nil means "accept any 4-byte tag"

	typeBuf [typeTagLen]byte
	typeN   int
	curType string

	lenBuf [lengthFieldLen]byte
	lenN   int
	length uint32

	payload  []byte
	payloadN uint32

	err error
}

// NewParser creates a Parser. maxPayload bounds the accepted frame
// length; knownTypes, if non-nil, is the closed set of accepted type
// tags (ErrorFrameType should usually be included).
func NewParser(maxPayload uint32, knownTypes map[string]bool) *Parser {
	return &Parser{maxPayload: maxPayload, knownTypes: knownTypes}
}

// State reports the parser's current state.
func (p *Parser) State() State { return p.state }

// Feed processes an arbitrary-sized chunk of bytes, in whatever pieces
// they arrived over the wire, and returns every frame completed during
// this call. Once a FrameError occurs it is returned on every subsequent
// call without consuming further bytes.
func (p *Parser) Feed(data []byte) ([]Frame, error) {
	if p.err != nil {
		return nil, p.err
	}
	var frames []Frame
	for _, b := range data {
		switch p.state {
		case StateNone:
			p.typeBuf[0] = b
			p.typeN = 1
			p.state = StateType

		case StateType:
			p.typeBuf[p.typeN] = b
			p.typeN++
			if p.typeN == typeTagLen {
				tag := string(p.typeBuf[:])
				if p.knownTypes != nil && !p.knownTypes[tag] {
					p.fail(fmt.Sprintf("unknown type tag %q", tag))
					return frames, p.err
				}
				p.curType = tag
				p.lenN = 0
				p.state = StateLength
			}

		case StateLength:
			p.lenBuf[p.lenN] = b
			p.lenN++
			if p.lenN == lengthFieldLen {
				length := binary.BigEndian.Uint32(p.lenBuf[:])
				if length > p.maxPayload {
					p.fail(fmt.Sprintf("length %d exceeds max %d", length, p.maxPayload))
					return frames, p.err
				}
				p.length = length
				p.payload = make([]byte, 0, length)
				p.payloadN = 0
				if length == 0 {
					frames = append(frames, Frame{Type: p.curType})
					p.state = StateNone
				} else {
					p.state = StatePayload
				}
			}

		case StatePayload:
			p.payload = append(p.payload, b)
			p.payloadN++
			if p.payloadN == p.length {
				frames = append(frames, Frame{Type: p.curType, Payload: p.payload})
				p.state = StateNone
			}

		case StateError:
			return frames, p.err
		}
	}
	return frames, nil
}

func (p *Parser) fail(reason string) {
	p.state = StateError
	p.err = &FrameError{Reason: reason}
}

// EncodeFrame serialises a frame for transmission: 4-byte type tag,
// 4-byte big-endian length, then payload.
func EncodeFrame(frameType string, payload []byte) ([]byte, error) {
	if len(frameType) != typeTagLen {
		return nil, fmt.Errorf("stream: type tag must be %d bytes, got %q", typeTagLen, frameType)
	}
	buf := make([]byte, 0, typeTagLen+lengthFieldLen+len(payload))
	buf = append(buf, frameType...)
	var lenBytes [lengthFieldLen]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(payload)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, payload...)
	return buf, nil
}

// EncodeErrorFrame builds the best-effort error notice sent to a peer
// before the connection is closed on a framing error.
func EncodeErrorFrame() []byte {
	buf, _ := EncodeFrame(ErrorFrameType, nil)
	return buf
}
