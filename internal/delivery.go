package internal

import (
	"bytes"
	"compress/gzip"
	"io"
)

// lazyMethodBody defers building the method payload until the frame is
// actually sized or written, so the body and its frame share one
// allocation lifecycle.
type lazyMethodBody struct {
	build   func() []byte
	payload []byte
}

func (b *lazyMethodBody) bytes() []byte {
	if b.payload == nil {
		b.payload = b.build()
	}
	return b.payload
}

// deliveryEncoder builds composite outbound deliveries: the method frame,
// the content-header frame and the chunked body frames, bridging gzip
// content for clients of differing capability.
type deliveryEncoder struct {
	conn *connection
}

func newDeliveryEncoder(conn *connection) *deliveryEncoder {
	return &deliveryEncoder{conn: conn}
}

// writeDeliver emits a Basic.Deliver for the message and returns the body
// octets written.
func (e *deliveryEncoder) writeDeliver(msg *serverMessage, channelId uint16, deliveryTag uint64, consumerTag string) (int64, error) {
	pub := msg.MetaData.PublishInfo
	method := &lazyMethodBody{build: func() []byte {
		return encodeBasicDeliver(consumerTag, deliveryTag, msg.Redelivered, pub.Exchange, pub.RoutingKey)
	}}
	return e.writeMessageDelivery(msg, channelId, method)
}

// writeGetOk emits a Basic.Get-Ok for the message.
func (e *deliveryEncoder) writeGetOk(msg *serverMessage, channelId uint16, deliveryTag uint64, messageCount uint32) (int64, error) {
	pub := msg.MetaData.PublishInfo
	method := &lazyMethodBody{build: func() []byte {
		return encodeBasicGetOk(deliveryTag, msg.Redelivered, pub.Exchange, pub.RoutingKey, messageCount)
	}}
	return e.writeMessageDelivery(msg, channelId, method)
}

// writeReturn bounces an unroutable message back to its publisher.
func (e *deliveryEncoder) writeReturn(msg *serverMessage, channelId uint16, replyCode uint16, replyText string) error {
	pub := msg.MetaData.PublishInfo
	method := &lazyMethodBody{build: func() []byte {
		return encodeBasicReturn(replyCode, replyText, pub.Exchange, pub.RoutingKey)
	}}
	_, err := e.writeMessageDelivery(msg, channelId, method)
	return err
}

// writeMessageDelivery decides the compression bridging, then writes the
// composite frame sequence as one flush.
//
// Bridging rules: stored gzip content is inflated for clients that did
// not advertise compression support; stored plain content above the
// threshold is deflated for clients that did, provided no content
// encoding is already set. A bridging failure sends the message as is.
func (e *deliveryEncoder) writeMessageDelivery(msg *serverMessage, channelId uint16, method *lazyMethodBody) (int64, error) {
	conn := e.conn

	header := msg.MetaData.ContentHeader
	body := msg.Body

	msgCompressed := header.Properties.ContentEncoding == gzipContentEncoding
	compressionSupported := conn.isCompressionSupported()

	if msgCompressed && !compressionSupported {
		if inflated, err := gzipInflate(body); err == nil {
			props := header.Properties.clone()
			props.ContentEncoding = ""
			header = contentHeader{ClassId: header.ClassId, BodySize: uint64(len(inflated)), Properties: props}
			body = inflated
		} else {
			conn.server.Warn("Unable to decompress message payload for consumer, message will be sent as is: %v", err)
		}
	} else if !msgCompressed && compressionSupported &&
		header.Properties.ContentEncoding == "" &&
		len(body) > conn.compressionThreshold {
		if deflated, err := gzipDeflate(body); err == nil {
			props := header.Properties.clone()
			props.ContentEncoding = gzipContentEncoding
			header = contentHeader{ClassId: header.ClassId, BodySize: uint64(len(deflated)), Properties: props}
			body = deflated
		} else {
			conn.server.Warn("Unable to compress message payload for consumer with gzip, message will be sent as is: %v", err)
		}
	}

	headerPayload, err := header.encode()
	if err != nil {
		return 0, err
	}

	maxBodySize := int(conn.maxFrameSize) - FrameOverhead
	if maxBodySize <= 0 {
		maxBodySize = len(body)
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	if err := conn.writeFrameInternal(FrameMethod, channelId, method.bytes()); err != nil {
		return 0, err
	}
	if err := conn.writeFrameInternal(FrameHeader, channelId, headerPayload); err != nil {
		return 0, err
	}

	// Body frames each carry at most maxFrameSize minus the frame
	// overhead; an empty body produces no body frame at all.
	for offset := 0; offset < len(body); offset += maxBodySize {
		end := offset + maxBodySize
		if end > len(body) {
			end = len(body)
		}
		if err := conn.writeFrameInternal(FrameBody, channelId, body[offset:end]); err != nil {
			return 0, err
		}
	}

	if err := conn.flushLocked(); err != nil {
		return 0, err
	}
	return int64(len(body)), nil
}

func gzipDeflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipInflate(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
