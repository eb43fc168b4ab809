package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func framedDecoder(maxFrame uint32) *frameDecoder {
	dec := newFrameDecoder(maxFrame)
	dec.setExpectProtocolInitiation(false)
	return dec
}

func TestFrameDecoder_RoundTrip(t *testing.T) {
	original := &frame{
		Type:    FrameMethod,
		Channel: 7,
		Payload: []byte{0x00, 0x0a, 0x00, 0x0b, 0xde, 0xad, 0xbe, 0xef},
	}

	dec := framedDecoder(0)
	events, err := dec.Decode(encodeFrame(original))
	require.NoError(t, err)
	require.Len(t, events, 1)

	decoded := events[0].Frame
	require.NotNil(t, decoded)
	assert.Equal(t, original.Type, decoded.Type)
	assert.Equal(t, original.Channel, decoded.Channel)
	assert.Equal(t, original.Payload, decoded.Payload)
}

func TestFrameDecoder_PartialFramesAcrossCalls(t *testing.T) {
	original := &frame{Type: FrameBody, Channel: 3, Payload: []byte("partial frame payload")}
	wire := encodeFrame(original)

	dec := framedDecoder(0)

	// Feed one octet at a time; only the final octet completes a frame.
	for i := 0; i < len(wire)-1; i++ {
		events, err := dec.Decode(wire[i : i+1])
		require.NoError(t, err)
		require.Empty(t, events, "no frame should complete at octet %d", i)
	}

	events, err := dec.Decode(wire[len(wire)-1:])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, original.Payload, events[0].Frame.Payload)
}

func TestFrameDecoder_MultipleFramesOneBuffer(t *testing.T) {
	f1 := &frame{Type: FrameMethod, Channel: 1, Payload: []byte{1, 2, 3, 4}}
	f2 := &frame{Type: FrameHeartbeat, Channel: 0, Payload: nil}
	f3 := &frame{Type: FrameBody, Channel: 2, Payload: []byte("body")}

	wire := append(append(encodeFrame(f1), encodeFrame(f2)...), encodeFrame(f3)...)

	dec := framedDecoder(0)
	events, err := dec.Decode(wire)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, byte(FrameMethod), events[0].Frame.Type)
	assert.Equal(t, byte(FrameHeartbeat), events[1].Frame.Type)
	assert.Equal(t, []byte("body"), events[2].Frame.Payload)
}

func TestFrameDecoder_MissingEndMarker(t *testing.T) {
	wire := encodeFrame(&frame{Type: FrameMethod, Channel: 1, Payload: []byte{1, 2}})
	wire[len(wire)-1] = 0x00

	dec := framedDecoder(0)
	_, err := dec.Decode(wire)
	require.Error(t, err)
	var decErr *frameDecodingError
	require.ErrorAs(t, err, &decErr)
	assert.Contains(t, err.Error(), "frame-end octet missing")
}

func TestFrameDecoder_UnknownFrameType(t *testing.T) {
	wire := encodeFrame(&frame{Type: 9, Channel: 1, Payload: []byte{1}})

	dec := framedDecoder(0)
	_, err := dec.Decode(wire)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown frame type 9")
}

func TestFrameDecoder_OversizePayload(t *testing.T) {
	payload := make([]byte, 5000)
	wire := encodeFrame(&frame{Type: FrameBody, Channel: 1, Payload: payload})

	dec := framedDecoder(4096)
	_, err := dec.Decode(wire)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds negotiated max")
}

func TestFrameDecoder_MaxFrameSizeIsMutable(t *testing.T) {
	payload := make([]byte, 5000)
	wire := encodeFrame(&frame{Type: FrameBody, Channel: 1, Payload: payload})

	dec := framedDecoder(4096)
	dec.setMaxFrameSize(8192)
	events, err := dec.Decode(wire)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestFrameDecoder_ProtocolInitiation(t *testing.T) {
	dec := newFrameDecoder(0)

	header := []byte("AMQP\x00\x00\x09\x01")
	following := encodeFrame(&frame{Type: FrameMethod, Channel: 0, Payload: []byte{0, 10, 0, 11}})

	events, err := dec.Decode(append(append([]byte{}, header...), following...))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, header, events[0].Initiation)
	require.NotNil(t, events[1].Frame, "bytes after the header must revert to framed mode")
}

func TestFrameDecoder_BadProtocolHeaderPrefix(t *testing.T) {
	dec := newFrameDecoder(0)
	_, err := dec.Decode([]byte("HTTP/1.1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid protocol header prefix")
}

func TestFrameDecoder_VersionParsing(t *testing.T) {
	tests := []struct {
		header  string
		version protocolVersion
		ok      bool
	}{
		{"AMQP\x01\x01\x08\x00", protocolV0_8, true},
		{"AMQP\x01\x01\x00\x09", protocolV0_9, true},
		{"AMQP\x00\x00\x09\x01", protocolV0_91, true},
		{"AMQP\x00\x00\x0a\x00", protocolVersion{}, false},
	}
	for _, tc := range tests {
		pv, ok := parseProtocolHeader([]byte(tc.header))
		assert.Equal(t, tc.ok, ok, "header %q", tc.header)
		if tc.ok {
			assert.Equal(t, tc.version, pv, "header %q", tc.header)
		}
	}
}
