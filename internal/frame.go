package internal

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// frame is a single decoded AMQP frame.
type frame struct {
	Type    byte
	Channel uint16
	Payload []byte
}

// frameDecodingError is connection-fatal: the octet stream is corrupt and
// the engine must tear the connection down.
type frameDecodingError struct {
	reason string
}

func (e *frameDecodingError) Error() string {
	return "frame decoding error: " + e.reason
}

func newFrameDecodingError(format string, args ...any) *frameDecodingError {
	return &frameDecodingError{reason: fmt.Sprintf(format, args...)}
}

// frameEvent is one decoded inbound event: either the 8-octet protocol
// initiation header or a complete frame.
type frameEvent struct {
	Initiation []byte // protocol header octets; nil for framed events
	Frame      *frame
}

// frameDecoder converts the inbound octet stream into frame events. It is
// stateful: a partial frame at the tail of one Decode call is retained and
// completed by the next. At construction it expects the protocol
// initiation header; the connection disables that mode once the header has
// been handled.
type frameDecoder struct {
	buf                      []byte
	expectProtocolInitiation bool
	maxFrameSize             uint32
}

func newFrameDecoder(maxFrameSize uint32) *frameDecoder {
	return &frameDecoder{
		expectProtocolInitiation: true,
		maxFrameSize:             maxFrameSize,
	}
}

// setExpectProtocolInitiation switches the decoder between header mode and
// framed mode.
func (d *frameDecoder) setExpectProtocolInitiation(expect bool) {
	d.expectProtocolInitiation = expect
}

// setMaxFrameSize installs the negotiated frame size bound; payloads larger
// than this are a framing error.
func (d *frameDecoder) setMaxFrameSize(size uint32) {
	d.maxFrameSize = size
}

// Decode consumes data and returns the complete events it yields. Data not
// forming a complete frame is buffered for the next call. A returned error
// is fatal for the connection; events decoded before the error are still
// returned so they can be dispatched first.
func (d *frameDecoder) Decode(data []byte) ([]frameEvent, error) {
	d.buf = append(d.buf, data...)

	var events []frameEvent
	for {
		if d.expectProtocolInitiation {
			if len(d.buf) < 8 {
				return events, nil
			}
			header := make([]byte, 8)
			copy(header, d.buf[:8])
			d.buf = d.buf[8:]
			if !bytes.Equal(header[:4], []byte("AMQP")) {
				return events, newFrameDecodingError("invalid protocol header prefix: %q", header[:4])
			}
			// One initiation at most; the engine may re-enable the mode
			// if it wants to allow renegotiation.
			d.expectProtocolInitiation = false
			events = append(events, frameEvent{Initiation: header})
			continue
		}

		if len(d.buf) < 7 {
			return events, nil
		}

		frameType := d.buf[0]
		switch frameType {
		case FrameMethod, FrameHeader, FrameBody, FrameHeartbeat:
		default:
			return events, newFrameDecodingError("unknown frame type %d", frameType)
		}

		channel := binary.BigEndian.Uint16(d.buf[1:3])
		size := binary.BigEndian.Uint32(d.buf[3:7])

		if d.maxFrameSize > 0 && size > d.maxFrameSize {
			return events, newFrameDecodingError("frame size %d exceeds negotiated max %d", size, d.maxFrameSize)
		}

		total := 7 + int(size) + 1
		if len(d.buf) < total {
			return events, nil
		}

		if d.buf[total-1] != FrameEnd {
			return events, newFrameDecodingError("frame-end octet missing: got %#x", d.buf[total-1])
		}

		// The payload is copied out: the accumulation buffer is reused
		// across Decode calls.
		payload := make([]byte, size)
		copy(payload, d.buf[7:7+size])
		d.buf = d.buf[total:]

		events = append(events, frameEvent{Frame: &frame{
			Type:    frameType,
			Channel: channel,
			Payload: payload,
		}})
	}
}

// encodeFrame serialises a frame into wire octets.
func encodeFrame(f *frame) []byte {
	out := make([]byte, 0, len(f.Payload)+FrameOverhead)
	out = append(out, f.Type)
	out = binary.BigEndian.AppendUint16(out, f.Channel)
	out = binary.BigEndian.AppendUint32(out, uint32(len(f.Payload)))
	out = append(out, f.Payload...)
	out = append(out, FrameEnd)
	return out
}
