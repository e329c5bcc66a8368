// Package protocol implements the bridge wire format spoken between
// httpbridge and its runtime worker processes.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes identify bridge frames.
var Magic = [2]byte{0x48, 0x42} // "HB"

// Version is the current protocol version.
const Version uint8 = 0x01

// FrameHeaderSize is the fixed size of a frame header in bytes.
const FrameHeaderSize = 14

// MaxHeadersSize is the largest envelope a 24-bit size field can carry.
const MaxHeadersSize = 1<<24 - 1

// Message types define the purpose of each frame.
const (
	TypeRequest     uint8 = 0x01 // bridge → worker: routed inbound message
	TypeResponse    uint8 = 0x02 // worker → bridge: reply value
	TypeWorkerReady uint8 = 0x05 // worker → bridge: worker is available
	TypeWorkerStop  uint8 = 0x06 // bridge → worker: graceful shutdown
	TypePing        uint8 = 0x07 // health check (ping/pong)
	TypeError       uint8 = 0x08 // error reporting
)

// Flags modify frame behavior.
const (
	FlagOneWay   uint8 = 1 << 0 // request expects no reply value
	FlagFallback uint8 = 1 << 1 // request was re-wrapped for the default operation
)

// Frame is a single bridge frame.
type Frame struct {
	Type  uint8
	Flags uint8
	// Seq correlates a RESPONSE or ERROR with the REQUEST it answers.
	Seq     uint16
	Headers []byte // msgpack encoded Envelope
	Payload []byte // encoded value.Node
}

// WriteFrame encodes and writes a frame to the given writer.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Headers) > MaxHeadersSize {
		return fmt.Errorf("frame headers too large: %d bytes", len(f.Headers))
	}

	header := make([]byte, FrameHeaderSize)
	header[0] = Magic[0]
	header[1] = Magic[1]
	header[2] = Version
	header[3] = f.Type
	header[4] = f.Flags
	binary.BigEndian.PutUint16(header[5:7], f.Seq)

	// uint24 big-endian
	hdrSize := len(f.Headers)
	header[7] = byte(hdrSize >> 16)
	header[8] = byte(hdrSize >> 8)
	header[9] = byte(hdrSize)

	binary.BigEndian.PutUint32(header[10:14], uint32(len(f.Payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(f.Headers) > 0 {
		if _, err := w.Write(f.Headers); err != nil {
			return fmt.Errorf("writing frame headers: %w", err)
		}
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("writing frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads and decodes a frame from the given reader. maxPayload
// bounds the payload size; zero means no limit.
func ReadFrame(r io.Reader, maxPayload uint32) (*Frame, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	if header[0] != Magic[0] || header[1] != Magic[1] {
		return nil, fmt.Errorf("invalid magic bytes: 0x%02x%02x", header[0], header[1])
	}
	if header[2] != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", header[2])
	}

	f := &Frame{
		Type:  header[3],
		Flags: header[4],
		Seq:   binary.BigEndian.Uint16(header[5:7]),
	}

	hdrSize := int(header[7])<<16 | int(header[8])<<8 | int(header[9])
	payloadSize := binary.BigEndian.Uint32(header[10:14])
	if maxPayload > 0 && payloadSize > maxPayload {
		return nil, fmt.Errorf("frame payload of %d bytes exceeds limit %d", payloadSize, maxPayload)
	}

	if hdrSize > 0 {
		f.Headers = make([]byte, hdrSize)
		if _, err := io.ReadFull(r, f.Headers); err != nil {
			return nil, fmt.Errorf("reading frame headers (%d bytes): %w", hdrSize, err)
		}
	}
	if payloadSize > 0 {
		f.Payload = make([]byte, payloadSize)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("reading frame payload (%d bytes): %w", payloadSize, err)
		}
	}

	return f, nil
}

// NewPingFrame creates a PING health check frame.
func NewPingFrame() *Frame {
	return &Frame{Type: TypePing, Payload: []byte("ping")}
}

// NewPongFrame creates a PONG response frame.
func NewPongFrame() *Frame {
	return &Frame{Type: TypePing, Payload: []byte("pong")}
}

// NewWorkerReadyFrame creates a WORKER_READY signal frame.
func NewWorkerReadyFrame() *Frame {
	return &Frame{Type: TypeWorkerReady}
}

// NewWorkerStopFrame creates a WORKER_STOP signal frame.
func NewWorkerStopFrame() *Frame {
	return &Frame{Type: TypeWorkerStop}
}

// NewErrorFrame creates an ERROR frame answering request seq.
func NewErrorFrame(seq uint16, msg string) *Frame {
	return &Frame{Type: TypeError, Seq: seq, Payload: []byte(msg)}
}

// TypeName returns a readable name for a frame type.
func TypeName(t uint8) string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	case TypeWorkerReady:
		return "WORKER_READY"
	case TypeWorkerStop:
		return "WORKER_STOP"
	case TypePing:
		return "PING"
	case TypeError:
		return "ERROR"
	}
	return fmt.Sprintf("0x%02x", t)
}
