package internal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"maps"
)

// basicProperties are the fourteen content-header properties of the basic
// class. Presence on the wire is governed by the property-flags word.
type basicProperties struct {
	ContentType     string
	ContentEncoding string
	Headers         map[string]interface{}
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       uint64
	Type            string
	UserId          string
	AppId           string
	ClusterId       string
}

// Property flag bits, most significant first per the content-header layout.
const (
	flagContentType     = 0x8000
	flagContentEncoding = 0x4000
	flagHeaders         = 0x2000
	flagDeliveryMode    = 0x1000
	flagPriority        = 0x0800
	flagCorrelationId   = 0x0400
	flagReplyTo         = 0x0200
	flagExpiration      = 0x0100
	flagMessageId       = 0x0080
	flagTimestamp       = 0x0040
	flagType            = 0x0020
	flagUserId          = 0x0010
	flagAppId           = 0x0008
	flagClusterId       = 0x0004
)

// persistentDeliveryMode marks a message as durable.
const persistentDeliveryMode = 2

func (p *basicProperties) propertyFlags() uint16 {
	flags := uint16(0)
	if p.ContentType != "" {
		flags |= flagContentType
	}
	if p.ContentEncoding != "" {
		flags |= flagContentEncoding
	}
	if len(p.Headers) > 0 {
		flags |= flagHeaders
	}
	if p.DeliveryMode != 0 {
		flags |= flagDeliveryMode
	}
	if p.Priority != 0 {
		flags |= flagPriority
	}
	if p.CorrelationId != "" {
		flags |= flagCorrelationId
	}
	if p.ReplyTo != "" {
		flags |= flagReplyTo
	}
	if p.Expiration != "" {
		flags |= flagExpiration
	}
	if p.MessageId != "" {
		flags |= flagMessageId
	}
	if p.Timestamp != 0 {
		flags |= flagTimestamp
	}
	if p.Type != "" {
		flags |= flagType
	}
	if p.UserId != "" {
		flags |= flagUserId
	}
	if p.AppId != "" {
		flags |= flagAppId
	}
	if p.ClusterId != "" {
		flags |= flagClusterId
	}
	return flags
}

// clone returns a deep copy; the delivery encoder mutates the copy's
// content-encoding without touching the stored message.
func (p *basicProperties) clone() basicProperties {
	out := *p
	if p.Headers != nil {
		out.Headers = make(map[string]interface{}, len(p.Headers))
		maps.Copy(out.Headers, p.Headers)
	}
	return out
}

func (p *basicProperties) encodeTo(payload *bytes.Buffer) error {
	flags := p.propertyFlags()
	binary.Write(payload, binary.BigEndian, flags)

	if flags&flagContentType != 0 {
		writeShortString(payload, p.ContentType)
	}
	if flags&flagContentEncoding != 0 {
		writeShortString(payload, p.ContentEncoding)
	}
	if flags&flagHeaders != 0 {
		if err := writeTable(payload, p.Headers); err != nil {
			return fmt.Errorf("writing headers table: %w", err)
		}
	}
	if flags&flagDeliveryMode != 0 {
		payload.WriteByte(p.DeliveryMode)
	}
	if flags&flagPriority != 0 {
		payload.WriteByte(p.Priority)
	}
	if flags&flagCorrelationId != 0 {
		writeShortString(payload, p.CorrelationId)
	}
	if flags&flagReplyTo != 0 {
		writeShortString(payload, p.ReplyTo)
	}
	if flags&flagExpiration != 0 {
		writeShortString(payload, p.Expiration)
	}
	if flags&flagMessageId != 0 {
		writeShortString(payload, p.MessageId)
	}
	if flags&flagTimestamp != 0 {
		binary.Write(payload, binary.BigEndian, p.Timestamp)
	}
	if flags&flagType != 0 {
		writeShortString(payload, p.Type)
	}
	if flags&flagUserId != 0 {
		writeShortString(payload, p.UserId)
	}
	if flags&flagAppId != 0 {
		writeShortString(payload, p.AppId)
	}
	if flags&flagClusterId != 0 {
		writeShortString(payload, p.ClusterId)
	}
	return nil
}

func decodeProperties(reader *bytes.Reader) (basicProperties, error) {
	var p basicProperties
	var flags uint16
	if err := binary.Read(reader, binary.BigEndian, &flags); err != nil {
		return p, fmt.Errorf("reading property-flags: %w", err)
	}

	var err error
	if flags&flagContentType != 0 {
		if p.ContentType, err = readShortString(reader); err != nil {
			return p, fmt.Errorf("malformed content-type: %w", err)
		}
	}
	if flags&flagContentEncoding != 0 {
		if p.ContentEncoding, err = readShortString(reader); err != nil {
			return p, fmt.Errorf("malformed content-encoding: %w", err)
		}
	}
	if flags&flagHeaders != 0 {
		if p.Headers, err = readTable(reader); err != nil {
			return p, fmt.Errorf("malformed headers table: %w", err)
		}
	}
	if flags&flagDeliveryMode != 0 {
		if err = binary.Read(reader, binary.BigEndian, &p.DeliveryMode); err != nil {
			return p, fmt.Errorf("malformed delivery-mode: %w", err)
		}
	}
	if flags&flagPriority != 0 {
		if err = binary.Read(reader, binary.BigEndian, &p.Priority); err != nil {
			return p, fmt.Errorf("malformed priority: %w", err)
		}
	}
	if flags&flagCorrelationId != 0 {
		if p.CorrelationId, err = readShortString(reader); err != nil {
			return p, fmt.Errorf("malformed correlation-id: %w", err)
		}
	}
	if flags&flagReplyTo != 0 {
		if p.ReplyTo, err = readShortString(reader); err != nil {
			return p, fmt.Errorf("malformed reply-to: %w", err)
		}
	}
	if flags&flagExpiration != 0 {
		if p.Expiration, err = readShortString(reader); err != nil {
			return p, fmt.Errorf("malformed expiration: %w", err)
		}
	}
	if flags&flagMessageId != 0 {
		if p.MessageId, err = readShortString(reader); err != nil {
			return p, fmt.Errorf("malformed message-id: %w", err)
		}
	}
	if flags&flagTimestamp != 0 {
		if err = binary.Read(reader, binary.BigEndian, &p.Timestamp); err != nil {
			return p, fmt.Errorf("malformed timestamp: %w", err)
		}
	}
	if flags&flagType != 0 {
		if p.Type, err = readShortString(reader); err != nil {
			return p, fmt.Errorf("malformed type: %w", err)
		}
	}
	if flags&flagUserId != 0 {
		if p.UserId, err = readShortString(reader); err != nil {
			return p, fmt.Errorf("malformed user-id: %w", err)
		}
	}
	if flags&flagAppId != 0 {
		if p.AppId, err = readShortString(reader); err != nil {
			return p, fmt.Errorf("malformed app-id: %w", err)
		}
	}
	if flags&flagClusterId != 0 {
		if p.ClusterId, err = readShortString(reader); err != nil {
			return p, fmt.Errorf("malformed cluster-id: %w", err)
		}
	}
	return p, nil
}

// contentHeader is the decoded content-header frame payload.
type contentHeader struct {
	ClassId    uint16
	BodySize   uint64
	Properties basicProperties
}

// encode serialises the content-header frame payload: class-id, weight,
// body-size, property-flags, properties.
func (h *contentHeader) encode() ([]byte, error) {
	payload := &bytes.Buffer{}
	binary.Write(payload, binary.BigEndian, h.ClassId)
	binary.Write(payload, binary.BigEndian, uint16(0)) // weight, deprecated
	binary.Write(payload, binary.BigEndian, h.BodySize)
	if err := h.Properties.encodeTo(payload); err != nil {
		return nil, err
	}
	return payload.Bytes(), nil
}

func decodeContentHeader(reader *bytes.Reader) (*contentHeader, error) {
	h := &contentHeader{}
	var weight uint16
	if err := binary.Read(reader, binary.BigEndian, &h.ClassId); err != nil {
		return nil, fmt.Errorf("reading class-id: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &weight); err != nil {
		return nil, fmt.Errorf("reading weight: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &h.BodySize); err != nil {
		return nil, fmt.Errorf("reading body-size: %w", err)
	}
	props, err := decodeProperties(reader)
	if err != nil {
		return nil, err
	}
	h.Properties = props
	return h, nil
}

// messagePublishInfo is the routing envelope captured from Basic.Publish.
type messagePublishInfo struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
}

const (
	metadataMandatoryFlag = 1
	metadataImmediateFlag = 2
)

// messageMetaData is the durable per-message envelope: publish info,
// content header and arrival time, treated as one unit by the store.
//
// The encoding is stable; persisted records depend on it:
//
//	content_header_size : u32
//	content_header_body : bytes
//	exchange            : short string
//	routing_key         : short string
//	flags               : u8 (bit0 mandatory, bit1 immediate)
//	arrival_time        : i64 (ms since epoch)
type messageMetaData struct {
	PublishInfo   messagePublishInfo
	ContentHeader contentHeader
	ArrivalTime   int64
}

// storableSize is the exact encoded size of the metadata record.
func (m *messageMetaData) storableSize() (int, error) {
	headerBody, err := m.ContentHeader.encode()
	if err != nil {
		return 0, err
	}
	size := len(headerBody)
	size += 4
	size += shortStringLen(m.PublishInfo.Exchange)
	size += shortStringLen(m.PublishInfo.RoutingKey)
	size += 1 // flags for immediate/mandatory
	size += 8
	return size, nil
}

func (m *messageMetaData) encode() ([]byte, error) {
	headerBody, err := m.ContentHeader.encode()
	if err != nil {
		return nil, fmt.Errorf("encoding content header: %w", err)
	}

	payload := &bytes.Buffer{}
	binary.Write(payload, binary.BigEndian, uint32(len(headerBody)))
	payload.Write(headerBody)
	writeShortString(payload, m.PublishInfo.Exchange)
	writeShortString(payload, m.PublishInfo.RoutingKey)

	flags := byte(0)
	if m.PublishInfo.Mandatory {
		flags |= metadataMandatoryFlag
	}
	if m.PublishInfo.Immediate {
		flags |= metadataImmediateFlag
	}
	payload.WriteByte(flags)
	binary.Write(payload, binary.BigEndian, m.ArrivalTime)

	return payload.Bytes(), nil
}

// decodeMessageMetaData decodes a metadata record from the front of buf and
// returns the number of octets consumed. Failures are connection-scoped:
// the record is corrupt and the broker tears the owning connection down.
func decodeMessageMetaData(buf []byte) (*messageMetaData, int, error) {
	reader := bytes.NewReader(buf)

	var headerSize uint32
	if err := binary.Read(reader, binary.BigEndian, &headerSize); err != nil {
		return nil, 0, fmt.Errorf("reading content-header size: %w", err)
	}
	if int(headerSize) > reader.Len() {
		return nil, 0, fmt.Errorf("content-header size %d exceeds available %d", headerSize, reader.Len())
	}

	headerBytes := make([]byte, headerSize)
	reader.Read(headerBytes)
	header, err := decodeContentHeader(bytes.NewReader(headerBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("decoding content header: %w", err)
	}

	exchange, err := readShortString(reader)
	if err != nil {
		return nil, 0, fmt.Errorf("reading exchange: %w", err)
	}
	routingKey, err := readShortString(reader)
	if err != nil {
		return nil, 0, fmt.Errorf("reading routing-key: %w", err)
	}
	flags, err := reader.ReadByte()
	if err != nil {
		return nil, 0, fmt.Errorf("reading flags: %w", err)
	}
	var arrivalTime int64
	if err := binary.Read(reader, binary.BigEndian, &arrivalTime); err != nil {
		return nil, 0, fmt.Errorf("reading arrival-time: %w", err)
	}

	consumed := len(buf) - reader.Len()
	return &messageMetaData{
		PublishInfo: messagePublishInfo{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  flags&metadataMandatoryFlag != 0,
			Immediate:  flags&metadataImmediateFlag != 0,
		},
		ContentHeader: *header,
		ArrivalTime:   arrivalTime,
	}, consumed, nil
}
