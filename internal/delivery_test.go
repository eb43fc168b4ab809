package internal

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbohinc/burrow-mq/config"
)

// newPipedConnection builds a connection whose transport is one end of a
// net.Pipe; the test reads raw frames from the other end.
func newPipedConnection(t *testing.T, opts ...ServerOption) (*connection, net.Conn) {
	t.Helper()
	opts = append([]ServerOption{WithLoggingConfig(config.LoggingConfig{DisableLogging: true})}, opts...)
	s := NewServer(opts...)

	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})

	c := newConnection(s, serverSide, 1)
	c.registry = newMethodRegistry(protocolV0_91)
	c.state = stateOpen
	return c, clientSide
}

func collectFrames(t *testing.T, conn net.Conn, n int) []*frame {
	t.Helper()
	dec := framedDecoder(0)
	var frames []*frame
	buf := make([]byte, 65536)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for len(frames) < n {
		nr, err := conn.Read(buf)
		require.NoError(t, err, "reading delivery frames")
		events, err := dec.Decode(buf[:nr])
		require.NoError(t, err)
		for _, ev := range events {
			frames = append(frames, ev.Frame)
		}
	}
	return frames
}

func testMessage(body []byte, contentEncoding string) *serverMessage {
	return &serverMessage{
		MetaData: &messageMetaData{
			PublishInfo: messagePublishInfo{Exchange: "amq.direct", RoutingKey: "key"},
			ContentHeader: contentHeader{
				ClassId:  ClassBasic,
				BodySize: uint64(len(body)),
				Properties: basicProperties{
					ContentType:     "application/octet-stream",
					ContentEncoding: contentEncoding,
				},
			},
			ArrivalTime: 1700000000000,
		},
		Body: body,
	}
}

func bodyPayloads(frames []*frame) [][]byte {
	var bodies [][]byte
	for _, f := range frames {
		if f.Type == FrameBody {
			bodies = append(bodies, f.Payload)
		}
	}
	return bodies
}

func concatBodies(frames []*frame) []byte {
	var out []byte
	for _, b := range bodyPayloads(frames) {
		out = append(out, b...)
	}
	return out
}

func TestDeliveryEncoder_FrameChunking(t *testing.T) {
	c, client := newPipedConnection(t)
	c.maxFrameSize = 4096 + FrameOverhead // body chunks of exactly 4096

	body := make([]byte, 10000)
	for i := range body {
		body[i] = byte(i % 251)
	}
	msg := testMessage(body, "")

	go func() {
		c.deliveryEncoder.writeDeliver(msg, 1, 1, "ctag")
	}()

	// method + header + ceil(10000/4096)=3 body frames
	frames := collectFrames(t, client, 5)

	assert.Equal(t, byte(FrameMethod), frames[0].Type)
	assert.Equal(t, byte(FrameHeader), frames[1].Type)

	bodies := bodyPayloads(frames)
	require.Len(t, bodies, 3)
	assert.Len(t, bodies[0], 4096)
	assert.Len(t, bodies[1], 4096)
	assert.Len(t, bodies[2], 10000-2*4096)
	assert.Equal(t, body, concatBodies(frames), "body must survive chunking byte for byte")

	for _, f := range frames {
		assert.Equal(t, uint16(1), f.Channel)
	}
}

func TestDeliveryEncoder_EmptyBodyOmitsBodyFrames(t *testing.T) {
	c, client := newPipedConnection(t)
	c.maxFrameSize = 65536

	msg := testMessage(nil, "")
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.deliveryEncoder.writeDeliver(msg, 1, 1, "ctag")
	}()

	frames := collectFrames(t, client, 2)
	<-done
	assert.Equal(t, byte(FrameMethod), frames[0].Type)
	assert.Equal(t, byte(FrameHeader), frames[1].Type)
}

func TestDeliveryEncoder_InflatesForNonSupportingClient(t *testing.T) {
	c, client := newPipedConnection(t)
	c.maxFrameSize = 65536
	c.compressionSupported = false

	compressed, err := gzipDeflate([]byte("Hello"))
	require.NoError(t, err)
	msg := testMessage(compressed, gzipContentEncoding)

	go func() {
		c.deliveryEncoder.writeDeliver(msg, 1, 1, "ctag")
	}()

	frames := collectFrames(t, client, 3)

	header, err := decodeContentHeader(bytes.NewReader(frames[1].Payload))
	require.NoError(t, err)
	assert.Empty(t, header.Properties.ContentEncoding, "content-encoding must be cleared on the bridged copy")
	assert.Equal(t, uint64(5), header.BodySize)
	assert.Equal(t, []byte("Hello"), concatBodies(frames))

	// The stored message itself is untouched.
	assert.Equal(t, gzipContentEncoding, msg.MetaData.ContentHeader.Properties.ContentEncoding)
	assert.Equal(t, compressed, msg.Body)
}

func TestDeliveryEncoder_DeflatesAboveThresholdForSupportingClient(t *testing.T) {
	c, client := newPipedConnection(t, WithBrokerConfig(config.BrokerConfig{MessageCompressionEnabled: true}))
	c.maxFrameSize = 1 << 20
	c.compressionSupported = true
	c.compressionThreshold = 1024

	body := bytes.Repeat([]byte("burrow"), 1000) // 6000 octets, compressible
	msg := testMessage(body, "")

	go func() {
		c.deliveryEncoder.writeDeliver(msg, 1, 1, "ctag")
	}()

	frames := collectFrames(t, client, 3)

	header, err := decodeContentHeader(bytes.NewReader(frames[1].Payload))
	require.NoError(t, err)
	assert.Equal(t, gzipContentEncoding, header.Properties.ContentEncoding)

	wire := concatBodies(frames)
	assert.Less(t, len(wire), len(body), "compressed body must be smaller")
	inflated, err := gzipInflate(wire)
	require.NoError(t, err)
	assert.Equal(t, body, inflated)
}

func TestDeliveryEncoder_NoDoubleCompression(t *testing.T) {
	c, client := newPipedConnection(t, WithBrokerConfig(config.BrokerConfig{MessageCompressionEnabled: true}))
	c.maxFrameSize = 1 << 20
	c.compressionSupported = true
	c.compressionThreshold = 1

	compressed, err := gzipDeflate(bytes.Repeat([]byte("x"), 5000))
	require.NoError(t, err)
	msg := testMessage(compressed, gzipContentEncoding)

	go func() {
		c.deliveryEncoder.writeDeliver(msg, 1, 1, "ctag")
	}()

	frames := collectFrames(t, client, 3)

	header, err := decodeContentHeader(bytes.NewReader(frames[1].Payload))
	require.NoError(t, err)
	assert.Equal(t, gzipContentEncoding, header.Properties.ContentEncoding, "content-encoding gzip appears exactly once")
	assert.Equal(t, compressed, concatBodies(frames), "already-compressed content must pass through unchanged")
}

func TestDeliveryEncoder_BelowThresholdUncompressed(t *testing.T) {
	c, client := newPipedConnection(t, WithBrokerConfig(config.BrokerConfig{MessageCompressionEnabled: true}))
	c.maxFrameSize = 65536
	c.compressionSupported = true
	c.compressionThreshold = 102400

	body := []byte("small payload")
	msg := testMessage(body, "")

	go func() {
		c.deliveryEncoder.writeDeliver(msg, 1, 1, "ctag")
	}()

	frames := collectFrames(t, client, 3)

	header, err := decodeContentHeader(bytes.NewReader(frames[1].Payload))
	require.NoError(t, err)
	assert.Empty(t, header.Properties.ContentEncoding)
	assert.Equal(t, body, concatBodies(frames))
}

func TestDeliveryEncoder_DeliverMethodFields(t *testing.T) {
	c, client := newPipedConnection(t)
	c.maxFrameSize = 65536

	msg := testMessage([]byte("payload"), "")
	msg.Redelivered = true

	go func() {
		c.deliveryEncoder.writeDeliver(msg, 3, 42, "consumer-1")
	}()

	frames := collectFrames(t, client, 3)

	reader := bytes.NewReader(frames[0].Payload)
	var classId, methodId uint16
	require.NoError(t, readBinary(reader, &classId))
	require.NoError(t, readBinary(reader, &methodId))
	assert.Equal(t, uint16(ClassBasic), classId)
	assert.Equal(t, uint16(MethodBasicDeliver), methodId)

	consumerTag, err := readShortString(reader)
	require.NoError(t, err)
	assert.Equal(t, "consumer-1", consumerTag)

	var deliveryTag uint64
	require.NoError(t, readBinary(reader, &deliveryTag))
	assert.Equal(t, uint64(42), deliveryTag)

	redelivered, err := reader.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(1), redelivered)

	exchange, err := readShortString(reader)
	require.NoError(t, err)
	assert.Equal(t, "amq.direct", exchange)

	routingKey, err := readShortString(reader)
	require.NoError(t, err)
	assert.Equal(t, "key", routingKey)
}
