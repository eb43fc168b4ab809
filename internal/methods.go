package internal

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// newMethodBuffer seeds a payload buffer with the class and method ids.
func newMethodBuffer(classId, methodId uint16) *bytes.Buffer {
	payload := &bytes.Buffer{}
	binary.Write(payload, binary.BigEndian, classId)
	binary.Write(payload, binary.BigEndian, methodId)
	return payload
}

func readBits(reader *bytes.Reader) (byte, error) {
	bits, err := reader.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("reading bit flags: %w", err)
	}
	return bits, nil
}

// ---- connection class ----

type connectionStartOkBody struct {
	ClientProperties map[string]interface{}
	Mechanism        string
	Response         []byte
	Locale           string
}

func decodeConnectionStartOk(reader *bytes.Reader) (*connectionStartOkBody, error) {
	props, err := readTable(reader)
	if err != nil {
		return nil, fmt.Errorf("reading client-properties: %w", err)
	}
	mechanism, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading mechanism: %w", err)
	}
	response, err := readLongStringBytes(reader)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	locale, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading locale: %w", err)
	}
	return &connectionStartOkBody{
		ClientProperties: props,
		Mechanism:        mechanism,
		Response:         response,
		Locale:           locale,
	}, nil
}

type connectionSecureOkBody struct {
	Response []byte
}

func decodeConnectionSecureOk(reader *bytes.Reader) (*connectionSecureOkBody, error) {
	response, err := readLongStringBytes(reader)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &connectionSecureOkBody{Response: response}, nil
}

type connectionTuneOkBody struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func decodeConnectionTuneOk(reader *bytes.Reader) (*connectionTuneOkBody, error) {
	body := &connectionTuneOkBody{}
	if err := binary.Read(reader, binary.BigEndian, &body.ChannelMax); err != nil {
		return nil, fmt.Errorf("reading channel-max: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &body.FrameMax); err != nil {
		return nil, fmt.Errorf("reading frame-max: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &body.Heartbeat); err != nil {
		return nil, fmt.Errorf("reading heartbeat: %w", err)
	}
	return body, nil
}

type connectionOpenBody struct {
	VirtualHost  string
	Capabilities string
	Insist       bool
}

func decodeConnectionOpen(reader *bytes.Reader) (*connectionOpenBody, error) {
	vhost, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading virtual-host: %w", err)
	}
	capabilities, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading capabilities: %w", err)
	}
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	return &connectionOpenBody{
		VirtualHost:  vhost,
		Capabilities: capabilities,
		Insist:       bits&0x01 != 0,
	}, nil
}

type connectionCloseBody struct {
	ReplyCode uint16
	ReplyText string
	ClassId   uint16
	MethodId  uint16
}

func decodeConnectionClose(reader *bytes.Reader) (*connectionCloseBody, error) {
	body := &connectionCloseBody{}
	if err := binary.Read(reader, binary.BigEndian, &body.ReplyCode); err != nil {
		return nil, fmt.Errorf("reading reply-code: %w", err)
	}
	text, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading reply-text: %w", err)
	}
	body.ReplyText = text
	if err := binary.Read(reader, binary.BigEndian, &body.ClassId); err != nil {
		return nil, fmt.Errorf("reading class-id: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &body.MethodId); err != nil {
		return nil, fmt.Errorf("reading method-id: %w", err)
	}
	return body, nil
}

func encodeConnectionStart(versionMajor, versionMinor byte, serverProperties map[string]interface{}, mechanisms, locales string) ([]byte, error) {
	payload := newMethodBuffer(ClassConnection, MethodConnectionStart)
	payload.WriteByte(versionMajor)
	payload.WriteByte(versionMinor)
	if err := writeTable(payload, serverProperties); err != nil {
		return nil, fmt.Errorf("writing server-properties: %w", err)
	}
	writeLongString(payload, []byte(mechanisms))
	writeLongString(payload, []byte(locales))
	return payload.Bytes(), nil
}

func encodeConnectionSecure(challenge []byte) []byte {
	payload := newMethodBuffer(ClassConnection, MethodConnectionSecure)
	writeLongString(payload, challenge)
	return payload.Bytes()
}

func encodeConnectionTune(channelMax uint16, frameMax uint32, heartbeat uint16) []byte {
	payload := newMethodBuffer(ClassConnection, MethodConnectionTune)
	binary.Write(payload, binary.BigEndian, channelMax)
	binary.Write(payload, binary.BigEndian, frameMax)
	binary.Write(payload, binary.BigEndian, heartbeat)
	return payload.Bytes()
}

func encodeConnectionOpenOk(knownHosts string) []byte {
	payload := newMethodBuffer(ClassConnection, MethodConnectionOpenOk)
	writeShortString(payload, knownHosts)
	return payload.Bytes()
}

func encodeConnectionClose(methodId uint16, replyCode uint16, replyText string, classId, failingMethodId uint16) []byte {
	payload := newMethodBuffer(ClassConnection, methodId)
	binary.Write(payload, binary.BigEndian, replyCode)
	writeShortString(payload, replyText)
	binary.Write(payload, binary.BigEndian, classId)
	binary.Write(payload, binary.BigEndian, failingMethodId)
	return payload.Bytes()
}

func encodeConnectionCloseOk(methodId uint16) []byte {
	return newMethodBuffer(ClassConnection, methodId).Bytes()
}

func encodeConnectionRedirect(methodId uint16, host, knownHosts string) []byte {
	payload := newMethodBuffer(ClassConnection, methodId)
	writeShortString(payload, host)
	writeShortString(payload, knownHosts)
	return payload.Bytes()
}

// ---- channel class ----

type channelOpenBody struct {
	OutOfBand string
}

func decodeChannelOpen(reader *bytes.Reader) (*channelOpenBody, error) {
	outOfBand, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading out-of-band: %w", err)
	}
	return &channelOpenBody{OutOfBand: outOfBand}, nil
}

type channelFlowBody struct {
	Active bool
}

func decodeChannelFlow(reader *bytes.Reader) (*channelFlowBody, error) {
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	return &channelFlowBody{Active: bits&0x01 != 0}, nil
}

type channelCloseBody struct {
	ReplyCode uint16
	ReplyText string
	ClassId   uint16
	MethodId  uint16
}

func decodeChannelClose(reader *bytes.Reader) (*channelCloseBody, error) {
	body := &channelCloseBody{}
	if err := binary.Read(reader, binary.BigEndian, &body.ReplyCode); err != nil {
		return nil, fmt.Errorf("reading reply-code: %w", err)
	}
	text, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading reply-text: %w", err)
	}
	body.ReplyText = text
	if err := binary.Read(reader, binary.BigEndian, &body.ClassId); err != nil {
		return nil, fmt.Errorf("reading class-id: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &body.MethodId); err != nil {
		return nil, fmt.Errorf("reading method-id: %w", err)
	}
	return body, nil
}

func encodeChannelOpenOk(version protocolVersion) []byte {
	payload := newMethodBuffer(ClassChannel, MethodChannelOpenOk)
	if version != protocolV0_8 {
		// 0-9 and later carry a reserved long string
		writeLongString(payload, nil)
	}
	return payload.Bytes()
}

func encodeChannelFlow(active bool) []byte {
	payload := newMethodBuffer(ClassChannel, MethodChannelFlow)
	if active {
		payload.WriteByte(1)
	} else {
		payload.WriteByte(0)
	}
	return payload.Bytes()
}

func encodeChannelFlowOk(active bool) []byte {
	payload := newMethodBuffer(ClassChannel, MethodChannelFlowOk)
	if active {
		payload.WriteByte(1)
	} else {
		payload.WriteByte(0)
	}
	return payload.Bytes()
}

func encodeChannelClose(replyCode uint16, replyText string, classId, methodId uint16) []byte {
	payload := newMethodBuffer(ClassChannel, MethodChannelClose)
	binary.Write(payload, binary.BigEndian, replyCode)
	writeShortString(payload, replyText)
	binary.Write(payload, binary.BigEndian, classId)
	binary.Write(payload, binary.BigEndian, methodId)
	return payload.Bytes()
}

func encodeChannelCloseOk() []byte {
	return newMethodBuffer(ClassChannel, MethodChannelCloseOk).Bytes()
}

// ---- exchange class ----

type exchangeDeclareBody struct {
	Exchange   string
	Type       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  map[string]interface{}
}

func decodeExchangeDeclare(reader *bytes.Reader) (*exchangeDeclareBody, error) {
	var ticket uint16
	if err := binary.Read(reader, binary.BigEndian, &ticket); err != nil {
		return nil, fmt.Errorf("reading ticket: %w", err)
	}
	exchange, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading exchange: %w", err)
	}
	exchangeType, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading type: %w", err)
	}
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	arguments, err := readTable(reader)
	if err != nil {
		return nil, fmt.Errorf("reading arguments: %w", err)
	}
	return &exchangeDeclareBody{
		Exchange:   exchange,
		Type:       exchangeType,
		Passive:    bits&0x01 != 0,
		Durable:    bits&0x02 != 0,
		AutoDelete: bits&0x04 != 0,
		Internal:   bits&0x08 != 0,
		NoWait:     bits&0x10 != 0,
		Arguments:  arguments,
	}, nil
}

type exchangeDeleteBody struct {
	Exchange string
	IfUnused bool
	NoWait   bool
}

func decodeExchangeDelete(reader *bytes.Reader) (*exchangeDeleteBody, error) {
	var ticket uint16
	if err := binary.Read(reader, binary.BigEndian, &ticket); err != nil {
		return nil, fmt.Errorf("reading ticket: %w", err)
	}
	exchange, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading exchange: %w", err)
	}
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	return &exchangeDeleteBody{
		Exchange: exchange,
		IfUnused: bits&0x01 != 0,
		NoWait:   bits&0x02 != 0,
	}, nil
}

func encodeExchangeDeclareOk() []byte {
	return newMethodBuffer(ClassExchange, MethodExchangeDeclareOk).Bytes()
}

func encodeExchangeDeleteOk() []byte {
	return newMethodBuffer(ClassExchange, MethodExchangeDeleteOk).Bytes()
}

// ---- queue class ----

type queueDeclareBody struct {
	Queue      string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  map[string]interface{}
}

func decodeQueueDeclare(reader *bytes.Reader) (*queueDeclareBody, error) {
	var ticket uint16
	if err := binary.Read(reader, binary.BigEndian, &ticket); err != nil {
		return nil, fmt.Errorf("reading ticket: %w", err)
	}
	queue, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	arguments, err := readTable(reader)
	if err != nil {
		return nil, fmt.Errorf("reading arguments: %w", err)
	}
	return &queueDeclareBody{
		Queue:      queue,
		Passive:    bits&0x01 != 0,
		Durable:    bits&0x02 != 0,
		Exclusive:  bits&0x04 != 0,
		AutoDelete: bits&0x08 != 0,
		NoWait:     bits&0x10 != 0,
		Arguments:  arguments,
	}, nil
}

type queueBindBody struct {
	Queue      string
	Exchange   string
	RoutingKey string
	NoWait     bool
	Arguments  map[string]interface{}
}

func decodeQueueBind(reader *bytes.Reader) (*queueBindBody, error) {
	var ticket uint16
	if err := binary.Read(reader, binary.BigEndian, &ticket); err != nil {
		return nil, fmt.Errorf("reading ticket: %w", err)
	}
	queue, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	exchange, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading exchange: %w", err)
	}
	routingKey, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading routing-key: %w", err)
	}
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	arguments, err := readTable(reader)
	if err != nil {
		return nil, fmt.Errorf("reading arguments: %w", err)
	}
	return &queueBindBody{
		Queue:      queue,
		Exchange:   exchange,
		RoutingKey: routingKey,
		NoWait:     bits&0x01 != 0,
		Arguments:  arguments,
	}, nil
}

type queueUnbindBody struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  map[string]interface{}
}

func decodeQueueUnbind(reader *bytes.Reader) (*queueUnbindBody, error) {
	var ticket uint16
	if err := binary.Read(reader, binary.BigEndian, &ticket); err != nil {
		return nil, fmt.Errorf("reading ticket: %w", err)
	}
	queue, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	exchange, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading exchange: %w", err)
	}
	routingKey, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading routing-key: %w", err)
	}
	arguments, err := readTable(reader)
	if err != nil {
		return nil, fmt.Errorf("reading arguments: %w", err)
	}
	return &queueUnbindBody{
		Queue:      queue,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Arguments:  arguments,
	}, nil
}

type queuePurgeBody struct {
	Queue  string
	NoWait bool
}

func decodeQueuePurge(reader *bytes.Reader) (*queuePurgeBody, error) {
	var ticket uint16
	if err := binary.Read(reader, binary.BigEndian, &ticket); err != nil {
		return nil, fmt.Errorf("reading ticket: %w", err)
	}
	queue, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	return &queuePurgeBody{Queue: queue, NoWait: bits&0x01 != 0}, nil
}

type queueDeleteBody struct {
	Queue    string
	IfUnused bool
	IfEmpty  bool
	NoWait   bool
}

func decodeQueueDelete(reader *bytes.Reader) (*queueDeleteBody, error) {
	var ticket uint16
	if err := binary.Read(reader, binary.BigEndian, &ticket); err != nil {
		return nil, fmt.Errorf("reading ticket: %w", err)
	}
	queue, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	return &queueDeleteBody{
		Queue:    queue,
		IfUnused: bits&0x01 != 0,
		IfEmpty:  bits&0x02 != 0,
		NoWait:   bits&0x04 != 0,
	}, nil
}

func encodeQueueDeclareOk(queue string, messageCount, consumerCount uint32) []byte {
	payload := newMethodBuffer(ClassQueue, MethodQueueDeclareOk)
	writeShortString(payload, queue)
	binary.Write(payload, binary.BigEndian, messageCount)
	binary.Write(payload, binary.BigEndian, consumerCount)
	return payload.Bytes()
}

func encodeQueueBindOk() []byte {
	return newMethodBuffer(ClassQueue, MethodQueueBindOk).Bytes()
}

func encodeQueueUnbindOk() []byte {
	return newMethodBuffer(ClassQueue, MethodQueueUnbindOk).Bytes()
}

func encodeQueuePurgeOk(messageCount uint32) []byte {
	payload := newMethodBuffer(ClassQueue, MethodQueuePurgeOk)
	binary.Write(payload, binary.BigEndian, messageCount)
	return payload.Bytes()
}

func encodeQueueDeleteOk(messageCount uint32) []byte {
	payload := newMethodBuffer(ClassQueue, MethodQueueDeleteOk)
	binary.Write(payload, binary.BigEndian, messageCount)
	return payload.Bytes()
}

// ---- basic class ----

type basicQosBody struct {
	PrefetchSize  uint32
	PrefetchCount uint16
	Global        bool
}

func decodeBasicQos(reader *bytes.Reader) (*basicQosBody, error) {
	body := &basicQosBody{}
	if err := binary.Read(reader, binary.BigEndian, &body.PrefetchSize); err != nil {
		return nil, fmt.Errorf("reading prefetch-size: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &body.PrefetchCount); err != nil {
		return nil, fmt.Errorf("reading prefetch-count: %w", err)
	}
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	body.Global = bits&0x01 != 0
	return body, nil
}

type basicConsumeBody struct {
	Queue       string
	ConsumerTag string
	NoLocal     bool
	NoAck       bool
	Exclusive   bool
	NoWait      bool
	Arguments   map[string]interface{}
}

func decodeBasicConsume(reader *bytes.Reader) (*basicConsumeBody, error) {
	var ticket uint16
	if err := binary.Read(reader, binary.BigEndian, &ticket); err != nil {
		return nil, fmt.Errorf("reading ticket: %w", err)
	}
	queue, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	consumerTag, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading consumer-tag: %w", err)
	}
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	arguments, err := readTable(reader)
	if err != nil {
		return nil, fmt.Errorf("reading arguments: %w", err)
	}
	return &basicConsumeBody{
		Queue:       queue,
		ConsumerTag: consumerTag,
		NoLocal:     bits&0x01 != 0,
		NoAck:       bits&0x02 != 0,
		Exclusive:   bits&0x04 != 0,
		NoWait:      bits&0x08 != 0,
		Arguments:   arguments,
	}, nil
}

type basicCancelBody struct {
	ConsumerTag string
	NoWait      bool
}

func decodeBasicCancel(reader *bytes.Reader) (*basicCancelBody, error) {
	consumerTag, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading consumer-tag: %w", err)
	}
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	return &basicCancelBody{ConsumerTag: consumerTag, NoWait: bits&0x01 != 0}, nil
}

type basicPublishBody struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
}

func decodeBasicPublish(reader *bytes.Reader) (*basicPublishBody, error) {
	var ticket uint16
	if err := binary.Read(reader, binary.BigEndian, &ticket); err != nil {
		return nil, fmt.Errorf("reading ticket: %w", err)
	}
	exchange, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading exchange: %w", err)
	}
	routingKey, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading routing-key: %w", err)
	}
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	return &basicPublishBody{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Mandatory:  bits&0x01 != 0,
		Immediate:  bits&0x02 != 0,
	}, nil
}

type basicGetBody struct {
	Queue string
	NoAck bool
}

func decodeBasicGet(reader *bytes.Reader) (*basicGetBody, error) {
	var ticket uint16
	if err := binary.Read(reader, binary.BigEndian, &ticket); err != nil {
		return nil, fmt.Errorf("reading ticket: %w", err)
	}
	queue, err := readShortString(reader)
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	return &basicGetBody{Queue: queue, NoAck: bits&0x01 != 0}, nil
}

type basicAckBody struct {
	DeliveryTag uint64
	Multiple    bool
}

func decodeBasicAck(reader *bytes.Reader) (*basicAckBody, error) {
	body := &basicAckBody{}
	if err := binary.Read(reader, binary.BigEndian, &body.DeliveryTag); err != nil {
		return nil, fmt.Errorf("reading delivery-tag: %w", err)
	}
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	body.Multiple = bits&0x01 != 0
	return body, nil
}

type basicNackBody struct {
	DeliveryTag uint64
	Multiple    bool
	Requeue     bool
}

func decodeBasicNack(reader *bytes.Reader) (*basicNackBody, error) {
	body := &basicNackBody{}
	if err := binary.Read(reader, binary.BigEndian, &body.DeliveryTag); err != nil {
		return nil, fmt.Errorf("reading delivery-tag: %w", err)
	}
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	body.Multiple = bits&0x01 != 0
	body.Requeue = bits&0x02 != 0
	return body, nil
}

type basicRejectBody struct {
	DeliveryTag uint64
	Requeue     bool
}

func decodeBasicReject(reader *bytes.Reader) (*basicRejectBody, error) {
	body := &basicRejectBody{}
	if err := binary.Read(reader, binary.BigEndian, &body.DeliveryTag); err != nil {
		return nil, fmt.Errorf("reading delivery-tag: %w", err)
	}
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	body.Requeue = bits&0x01 != 0
	return body, nil
}

type basicRecoverBody struct {
	Requeue bool
}

func decodeBasicRecover(reader *bytes.Reader) (*basicRecoverBody, error) {
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	return &basicRecoverBody{Requeue: bits&0x01 != 0}, nil
}

func encodeBasicQosOk() []byte {
	return newMethodBuffer(ClassBasic, MethodBasicQosOk).Bytes()
}

func encodeBasicConsumeOk(consumerTag string) []byte {
	payload := newMethodBuffer(ClassBasic, MethodBasicConsumeOk)
	writeShortString(payload, consumerTag)
	return payload.Bytes()
}

func encodeBasicCancelOk(consumerTag string) []byte {
	payload := newMethodBuffer(ClassBasic, MethodBasicCancelOk)
	writeShortString(payload, consumerTag)
	return payload.Bytes()
}

func encodeBasicCancel(consumerTag string) []byte {
	payload := newMethodBuffer(ClassBasic, MethodBasicCancel)
	writeShortString(payload, consumerTag)
	payload.WriteByte(0) // no-wait is always false for server-sent cancel
	return payload.Bytes()
}

func encodeBasicDeliver(consumerTag string, deliveryTag uint64, redelivered bool, exchange, routingKey string) []byte {
	payload := newMethodBuffer(ClassBasic, MethodBasicDeliver)
	writeShortString(payload, consumerTag)
	binary.Write(payload, binary.BigEndian, deliveryTag)
	if redelivered {
		payload.WriteByte(1)
	} else {
		payload.WriteByte(0)
	}
	writeShortString(payload, exchange)
	writeShortString(payload, routingKey)
	return payload.Bytes()
}

func encodeBasicGetOk(deliveryTag uint64, redelivered bool, exchange, routingKey string, messageCount uint32) []byte {
	payload := newMethodBuffer(ClassBasic, MethodBasicGetOk)
	binary.Write(payload, binary.BigEndian, deliveryTag)
	if redelivered {
		payload.WriteByte(1)
	} else {
		payload.WriteByte(0)
	}
	writeShortString(payload, exchange)
	writeShortString(payload, routingKey)
	binary.Write(payload, binary.BigEndian, messageCount)
	return payload.Bytes()
}

func encodeBasicGetEmpty() []byte {
	payload := newMethodBuffer(ClassBasic, MethodBasicGetEmpty)
	writeShortString(payload, "") // cluster-id (reserved, must be empty)
	return payload.Bytes()
}

func encodeBasicReturn(replyCode uint16, replyText, exchange, routingKey string) []byte {
	payload := newMethodBuffer(ClassBasic, MethodBasicReturn)
	binary.Write(payload, binary.BigEndian, replyCode)
	writeShortString(payload, replyText)
	writeShortString(payload, exchange)
	writeShortString(payload, routingKey)
	return payload.Bytes()
}

func encodeBasicAck(deliveryTag uint64, multiple bool) []byte {
	payload := newMethodBuffer(ClassBasic, MethodBasicAck)
	binary.Write(payload, binary.BigEndian, deliveryTag)
	if multiple {
		payload.WriteByte(1)
	} else {
		payload.WriteByte(0)
	}
	return payload.Bytes()
}

func encodeBasicNack(deliveryTag uint64, multiple, requeue bool) []byte {
	payload := newMethodBuffer(ClassBasic, MethodBasicNack)
	binary.Write(payload, binary.BigEndian, deliveryTag)
	bits := byte(0)
	if multiple {
		bits |= 0x01
	}
	if requeue {
		bits |= 0x02
	}
	payload.WriteByte(bits)
	return payload.Bytes()
}

func encodeBasicRecoverOk() []byte {
	return newMethodBuffer(ClassBasic, MethodBasicRecoverOk).Bytes()
}

// ---- confirm and tx classes ----

type confirmSelectBody struct {
	NoWait bool
}

func decodeConfirmSelect(reader *bytes.Reader) (*confirmSelectBody, error) {
	bits, err := readBits(reader)
	if err != nil {
		return nil, err
	}
	return &confirmSelectBody{NoWait: bits&0x01 != 0}, nil
}

func encodeConfirmSelectOk() []byte {
	return newMethodBuffer(ClassConfirm, MethodConfirmSelectOk).Bytes()
}

func encodeTxSelectOk() []byte {
	return newMethodBuffer(ClassTx, MethodTxSelectOk).Bytes()
}

func encodeTxCommitOk() []byte {
	return newMethodBuffer(ClassTx, MethodTxCommitOk).Bytes()
}

func encodeTxRollbackOk() []byte {
	return newMethodBuffer(ClassTx, MethodTxRollbackOk).Bytes()
}
