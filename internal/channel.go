package internal

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqpError "github.com/vbohinc/burrow-mq/amqperror"
)

// channelLookupResult is the outcome of a channel-id lookup. Missing
// deterministically produces Connection.Close(CHANNEL_ERROR); Closing
// means the server already sent Channel.Close and everything but the
// Close-Ok is ignored.
type channelLookupResult int

const (
	channelFound channelLookupResult = iota
	channelClosing
	channelMissing
)

// incomingMessage assembles a publish from its method, header and body
// frames.
type incomingMessage struct {
	publishInfo messagePublishInfo
	header      *contentHeader
	body        []byte
}

func (m *incomingMessage) complete() bool {
	return m.header != nil && uint64(len(m.body)) >= m.header.BodySize
}

type unackedMessage struct {
	msg         *serverMessage
	consumerTag string
	queueName   string
	deliveryTag uint64
	delivered   time.Time
}

// confirmResult is one publisher-confirm outcome awaiting the
// receive-complete flush.
type confirmResult struct {
	tag uint64
	ack bool
}

// pendingDelivery is an outbound delivery queued for the I/O thread.
type pendingDelivery struct {
	msg         *serverMessage
	consumerTag string
	queueName   string
	noAck       bool
}

// channel is one session multiplexed over the connection. All of its
// receive* methods run on the connection's I/O goroutine; enqueueDelivery
// and canAccept are called from other connections' dispatch cycles.
type channel struct {
	id   uint16
	conn *connection

	mu sync.Mutex

	closing atomic.Bool // server sent Channel.Close, awaiting Close-Ok

	flowActive bool // client-controlled channel.flow; false pauses deliveries
	blocked    bool // broker-side block (connection flow control)

	consumers       map[string]*consumer
	consumerCounter uint64

	// Publish assembly state. Publishes route on their final content
	// frame; the publisher-confirm results accumulate and flush once per
	// inbound buffer at receivedComplete.
	currentMessage *incomingMessage
	confirmResults []confirmResult

	deliveryTag uint64
	unacked     map[uint64]*unackedMessage
	pending     []*pendingDelivery

	prefetchCount uint16
	prefetchSize  uint32

	confirmMode      bool
	nextPublishSeqNo uint64

	txMode      bool
	txPublishes []*serverMessage
	txAcks      []uint64
}

func newChannel(id uint16, conn *connection) *channel {
	return &channel{
		id:         id,
		conn:       conn,
		flowActive: true,
		consumers:  make(map[string]*consumer),
		unacked:    make(map[uint64]*unackedMessage),
	}
}

func (ch *channel) isClosing() bool {
	return ch.closing.Load()
}

// block pauses deliveries because the connection is flow-blocked.
func (ch *channel) block() {
	ch.mu.Lock()
	ch.blocked = true
	ch.mu.Unlock()
}

func (ch *channel) unblock() {
	ch.mu.Lock()
	ch.blocked = false
	consumers := ch.consumerQueuesLocked()
	ch.mu.Unlock()

	for _, q := range consumers {
		q.dispatch()
	}
	ch.conn.notifyWork()
}

// transportStateChanged is invoked when the transport toggles between
// writable and blocked; a newly writable transport needs a work cycle.
func (ch *channel) transportStateChanged() {
	ch.mu.Lock()
	hasPending := len(ch.pending) > 0
	ch.mu.Unlock()
	if hasPending {
		ch.conn.notifyWork()
	}
}

func (ch *channel) consumerQueuesLocked() []*queue {
	queues := make([]*queue, 0, len(ch.consumers))
	seen := make(map[*queue]bool)
	for _, cons := range ch.consumers {
		if !seen[cons.queue] {
			seen[cons.queue] = true
			queues = append(queues, cons.queue)
		}
	}
	return queues
}

// canAccept reports whether a delivery for the consumer may be enqueued
// now. Called from dispatch cycles on arbitrary goroutines.
func (ch *channel) canAccept(cons *consumer) bool {
	if ch.isClosing() || ch.conn.isClosing() || ch.conn.transportBlocked.Load() {
		return false
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.blocked || !ch.flowActive {
		return false
	}
	if !cons.NoAck && ch.prefetchCount > 0 {
		inFlight := len(ch.unacked) + len(ch.pending)
		if inFlight >= int(ch.prefetchCount) {
			return false
		}
	}
	return true
}

// enqueueDelivery queues an outbound delivery and wakes the I/O thread.
func (ch *channel) enqueueDelivery(cons *consumer, msg *serverMessage) {
	ch.mu.Lock()
	ch.pending = append(ch.pending, &pendingDelivery{
		msg:         msg,
		consumerTag: cons.Tag,
		queueName:   cons.queue.Name,
		noAck:       cons.NoAck,
	})
	ch.mu.Unlock()
	ch.conn.notifyWork()
}

// processPending writes queued deliveries; the return value reports
// whether work remains. Runs on the I/O goroutine only.
func (ch *channel) processPending() bool {
	if ch.conn.transportBlocked.Load() {
		return false
	}

	// A bounded batch per call keeps the round-robin fair across
	// channels.
	for i := 0; i < 10; i++ {
		ch.mu.Lock()
		if ch.isClosing() || len(ch.pending) == 0 || ch.blocked {
			remaining := len(ch.pending) > 0 && !ch.isClosing() && !ch.blocked
			ch.mu.Unlock()
			return remaining
		}
		delivery := ch.pending[0]
		ch.pending = ch.pending[1:]

		ch.deliveryTag++
		tag := ch.deliveryTag
		if !delivery.noAck {
			ch.unacked[tag] = &unackedMessage{
				msg:         delivery.msg,
				consumerTag: delivery.consumerTag,
				queueName:   delivery.queueName,
				deliveryTag: tag,
				delivered:   time.Now(),
			}
		}
		ch.mu.Unlock()

		if _, err := ch.conn.deliveryEncoder.writeDeliver(delivery.msg, ch.id, tag, delivery.consumerTag); err != nil {
			ch.conn.server.Err("Error writing delivery on channel %d: %v", ch.id, err)
			return false
		}
	}

	ch.mu.Lock()
	remaining := len(ch.pending) > 0
	ch.mu.Unlock()
	return remaining
}

// receivedComplete flushes the channel's deferred work once per inbound
// buffer: accumulated publisher-confirm results go out as a batch.
func (ch *channel) receivedComplete() error {
	ch.mu.Lock()
	results := ch.confirmResults
	ch.confirmResults = nil
	ch.mu.Unlock()

	for _, r := range results {
		var payload []byte
		if r.ack {
			payload = encodeBasicAck(r.tag, false)
		} else {
			payload = encodeBasicNack(r.tag, false, false)
		}
		if err := ch.conn.writeFrame(FrameMethod, ch.id, payload); err != nil {
			return err
		}
	}
	return nil
}

// publishComplete finishes an assembled publish: transactional channels
// buffer it for tx.commit, everything else routes now.
func (ch *channel) publishComplete(pending *incomingMessage) error {
	msg := &serverMessage{
		MetaData: &messageMetaData{
			PublishInfo:   pending.publishInfo,
			ContentHeader: *pending.header,
			ArrivalTime:   time.Now().UnixMilli(),
		},
		Body: pending.body,
	}

	ch.mu.Lock()
	if ch.txMode {
		ch.txPublishes = append(ch.txPublishes, msg)
		ch.mu.Unlock()
		return nil
	}
	confirming := ch.confirmMode
	var confirmTag uint64
	if confirming {
		confirmTag = ch.nextPublishSeqNo
		ch.nextPublishSeqNo++
	}
	ch.mu.Unlock()

	return ch.routePublish(msg, confirming, confirmTag)
}

// queueConfirm records a publisher-confirm outcome for the next
// receive-complete flush.
func (ch *channel) queueConfirm(tag uint64, ack bool) {
	ch.mu.Lock()
	ch.confirmResults = append(ch.confirmResults, confirmResult{tag: tag, ack: ack})
	ch.mu.Unlock()
}

// routePublish routes one completed publish into queues, emitting returns
// immediately and queueing confirms for the receive-complete flush.
func (ch *channel) routePublish(msg *serverMessage, confirming bool, confirmTag uint64) error {
	queueNames, err := ch.conn.vhost.route(msg.MetaData.PublishInfo)
	if err != nil {
		ch.conn.server.Err("Error routing message on channel %d: %v", ch.id, err)
		if msg.MetaData.PublishInfo.Mandatory {
			ch.conn.deliveryEncoder.writeReturn(msg, ch.id, amqpError.NoRoute.Code(), "NO_ROUTE")
		}
		if confirming {
			ch.queueConfirm(confirmTag, false)
		}
		return nil
	}

	if len(queueNames) == 0 {
		pub := msg.MetaData.PublishInfo
		if pub.Mandatory {
			ch.conn.server.Warn("No route for mandatory message on exchange '%s' with routing key '%s'",
				pub.Exchange, pub.RoutingKey)
			if err := ch.conn.deliveryEncoder.writeReturn(msg, ch.id, amqpError.NoRoute.Code(), "NO_ROUTE"); err != nil {
				return err
			}
			if confirming {
				ch.queueConfirm(confirmTag, false)
			}
			return nil
		}
		if ch.conn.closeWhenNoRoute {
			// Old qpid clients opt into a hard failure instead of a
			// silent drop when a non-mandatory message is unroutable.
			return ch.conn.sendChannelClose(ch.id, amqpError.NoRoute,
				fmt.Sprintf("No route for message on exchange '%s' with routing key '%s'",
					pub.Exchange, pub.RoutingKey))
		}
		if confirming {
			ch.queueConfirm(confirmTag, true)
		}
		return nil
	}

	for _, queueName := range queueNames {
		if err := ch.conn.vhost.enqueue(queueName, msg); err != nil {
			ch.conn.server.Err("Error enqueueing to '%s' on channel %d: %v", queueName, ch.id, err)
			if confirming {
				ch.queueConfirm(confirmTag, false)
			}
			return nil
		}
	}

	if confirming {
		ch.queueConfirm(confirmTag, true)
	}
	return nil
}

// close dissolves the channel: consumers are cancelled and everything
// undelivered or unacknowledged is requeued.
func (ch *channel) close() {
	ch.mu.Lock()
	consumers := make([]*consumer, 0, len(ch.consumers))
	for _, cons := range ch.consumers {
		consumers = append(consumers, cons)
	}
	ch.consumers = make(map[string]*consumer)

	unacked := make([]*unackedMessage, 0, len(ch.unacked))
	for _, u := range ch.unacked {
		unacked = append(unacked, u)
	}
	ch.unacked = make(map[uint64]*unackedMessage)

	pending := ch.pending
	ch.pending = nil
	ch.currentMessage = nil
	ch.confirmResults = nil
	ch.txPublishes = nil
	ch.txAcks = nil
	ch.mu.Unlock()

	for _, cons := range consumers {
		cons.stopped.Store(true)
		cons.queue.removeConsumer(cons.Tag)
	}

	for _, u := range unacked {
		if q := ch.conn.vhost.getQueue(u.queueName); q != nil {
			q.requeueFront(u.msg)
		}
	}
	for _, p := range pending {
		if q := ch.conn.vhost.getQueue(p.queueName); q != nil {
			q.requeueFront(p.msg)
		}
	}
}

// consumerCancelled tells the client a consumer disappeared underneath it
// (queue deleted). The notification is an async task so the frame is
// written on the I/O thread.
func (ch *channel) consumerCancelled(tag string) {
	ch.mu.Lock()
	delete(ch.consumers, tag)
	ch.mu.Unlock()

	ch.conn.addAsyncTask(func(c *connection) {
		if err := c.writeFrame(FrameMethod, ch.id, encodeBasicCancel(tag)); err != nil {
			c.server.Err("Failed to send basic.cancel for consumer '%s' on channel %d: %v", tag, ch.id, err)
		}
	})
}

// ---- content frames ----

func (ch *channel) receiveContentHeader(payload []byte) error {
	ch.mu.Lock()
	pending := ch.currentMessage
	ch.mu.Unlock()

	if pending == nil {
		return ch.conn.sendChannelClose(ch.id, amqpError.UnexpectedFrame,
			"header frame received without pending basic.publish")
	}

	header, err := decodeContentHeader(bytes.NewReader(payload))
	if err != nil {
		return ch.conn.sendChannelClose(ch.id, amqpError.SyntaxError,
			fmt.Sprintf("malformed content header: %v", err))
	}

	if header.ClassId != ClassBasic {
		return ch.conn.sendChannelClose(ch.id, amqpError.CommandInvalid,
			fmt.Sprintf("header frame for unexpected class %d", header.ClassId))
	}

	if max := ch.conn.maxMessageSize; max > 0 && header.BodySize > max {
		ch.mu.Lock()
		ch.currentMessage = nil
		ch.mu.Unlock()
		return ch.conn.sendChannelClose(ch.id, amqpError.ResourceError,
			fmt.Sprintf("message size %d exceeds configured maximum %d", header.BodySize, max))
	}

	ch.mu.Lock()
	pending.header = header
	var completed *incomingMessage
	if pending.complete() {
		ch.currentMessage = nil
		completed = pending
	}
	ch.mu.Unlock()

	if completed != nil {
		return ch.publishComplete(completed)
	}
	return nil
}

func (ch *channel) receiveContentBody(payload []byte) error {
	ch.mu.Lock()
	pending := ch.currentMessage
	if pending == nil || pending.header == nil {
		ch.mu.Unlock()
		return ch.conn.sendChannelClose(ch.id, amqpError.UnexpectedFrame,
			"body frame received without content header")
	}

	pending.body = append(pending.body, payload...)
	if uint64(len(pending.body)) > pending.header.BodySize {
		ch.currentMessage = nil
		ch.mu.Unlock()
		return ch.conn.sendChannelClose(ch.id, amqpError.FrameError,
			"content body exceeds declared body size")
	}

	var completed *incomingMessage
	if pending.complete() {
		ch.currentMessage = nil
		completed = pending
	}
	ch.mu.Unlock()

	if completed != nil {
		return ch.publishComplete(completed)
	}
	return nil
}

// ---- channel class handlers (connection side) ----

func (c *connection) receiveChannelOpen(channelId uint16, reader *bytes.Reader) error {
	if _, err := decodeChannelOpen(reader); err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed channel.open: %v", err), channelId)
	}

	if err := c.assertState(stateOpen); err != nil {
		return err
	}

	// Protect the broker against out of order frame request.
	if c.vhost == nil {
		return c.sendConnectionClose(amqpError.CommandInvalid,
			"Virtualhost has not yet been set. ConnectionOpen has not been called.", channelId)
	}

	if ch, _ := c.getChannel(channelId); ch != nil || c.channelAwaitingClosure(channelId) {
		return c.sendConnectionClose(amqpError.ChannelError,
			fmt.Sprintf("Channel %d already exists", channelId), channelId)
	}

	if uint32(channelId) > uint32(c.maxChannels) {
		return c.sendConnectionClose(amqpError.ChannelError,
			fmt.Sprintf("Channel %d cannot be created as the max allowed channel id is %d",
				channelId, c.maxChannels), channelId)
	}

	c.server.Debug("Opening channel %d on vhost '%s'", channelId, c.vhost.Name())
	ch := newChannel(channelId, c)
	c.addChannel(ch)

	return c.writeFrame(FrameMethod, channelId, c.registry.createChannelOpenOkBody())
}

func (c *connection) receiveChannelFlow(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeChannelFlow(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed channel.flow: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		ch.mu.Lock()
		ch.flowActive = body.Active
		queues := ch.consumerQueuesLocked()
		ch.mu.Unlock()

		if err := c.writeFrame(FrameMethod, channelId, encodeChannelFlowOk(body.Active)); err != nil {
			return err
		}
		if body.Active {
			for _, q := range queues {
				q.dispatch()
			}
			c.notifyWork()
		}
		return nil
	})
}

func (c *connection) receiveChannelFlowOk(channelId uint16, reader *bytes.Reader) error {
	if _, err := decodeChannelFlow(reader); err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed channel.flow-ok: %v", err), channelId)
	}
	// Acknowledgement of a server-initiated flow toggle; nothing to do.
	return nil
}

func (c *connection) receiveChannelClose(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeChannelClose(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed channel.close: %v", err), channelId)
	}

	c.server.Debug("RECV[%d] ChannelClose replyCode=%d replyText=%s", channelId, body.ReplyCode, body.ReplyText)

	ch, lookup := c.lookupChannel(channelId)
	if lookup == channelMissing {
		return c.sendConnectionClose(amqpError.ChannelError,
			fmt.Sprintf("Unknown channel id: %d", channelId), channelId)
	}

	if ch != nil {
		ch.close()
		c.removeChannel(channelId)
	}
	return c.writeFrame(FrameMethod, channelId, encodeChannelCloseOk())
}

func (c *connection) receiveChannelCloseOk(channelId uint16, reader *bytes.Reader) error {
	c.server.Debug("RECV[%d] ChannelCloseOk", channelId)
	c.closeChannelOk(channelId)
	return nil
}

// ---- exchange class handlers ----

func (c *connection) receiveExchangeDeclare(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeExchangeDeclare(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed exchange.declare: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		if _, err := c.vhost.declareExchange(body); err != nil {
			return c.channelFault(channelId, err)
		}
		if body.NoWait {
			return nil
		}
		return c.writeFrame(FrameMethod, channelId, encodeExchangeDeclareOk())
	})
}

func (c *connection) receiveExchangeDelete(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeExchangeDelete(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed exchange.delete: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		if err := c.vhost.deleteExchange(body.Exchange, body.IfUnused); err != nil {
			return c.channelFault(channelId, err)
		}
		if body.NoWait {
			return nil
		}
		return c.writeFrame(FrameMethod, channelId, encodeExchangeDeleteOk())
	})
}

// ---- queue class handlers ----

func (c *connection) receiveQueueDeclare(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeQueueDeclare(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed queue.declare: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		if body.Queue == "" {
			body.Queue = fmt.Sprintf("amq.gen-%d-%d", c.id, time.Now().UnixNano())
		}
		q, messageCount, consumerCount, err := c.vhost.declareQueue(body)
		if err != nil {
			return c.channelFault(channelId, err)
		}
		if pm := c.server.persistenceManager; pm != nil && q.Durable && !body.Passive {
			if err := pm.SaveQueue(c.vhost.Name(), q); err != nil {
				c.server.Warn("Failed to persist queue '%s': %v", q.Name, err)
			}
		}
		if body.NoWait {
			return nil
		}
		return c.writeFrame(FrameMethod, channelId, encodeQueueDeclareOk(q.Name, messageCount, consumerCount))
	})
}

func (c *connection) receiveQueueBind(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeQueueBind(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed queue.bind: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		if err := c.vhost.bindQueue(body.Queue, body.Exchange, body.RoutingKey); err != nil {
			return c.channelFault(channelId, err)
		}
		if body.NoWait {
			return nil
		}
		return c.writeFrame(FrameMethod, channelId, encodeQueueBindOk())
	})
}

func (c *connection) receiveQueueUnbind(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeQueueUnbind(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed queue.unbind: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		if err := c.vhost.unbindQueue(body.Queue, body.Exchange, body.RoutingKey); err != nil {
			return c.channelFault(channelId, err)
		}
		return c.writeFrame(FrameMethod, channelId, encodeQueueUnbindOk())
	})
}

func (c *connection) receiveQueuePurge(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeQueuePurge(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed queue.purge: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		count, err := c.vhost.purgeQueue(body.Queue)
		if err != nil {
			return c.channelFault(channelId, err)
		}
		if body.NoWait {
			return nil
		}
		return c.writeFrame(FrameMethod, channelId, encodeQueuePurgeOk(count))
	})
}

func (c *connection) receiveQueueDelete(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeQueueDelete(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed queue.delete: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		count, err := c.vhost.deleteQueue(body.Queue, body.IfUnused, body.IfEmpty)
		if err != nil {
			return c.channelFault(channelId, err)
		}
		// Older qpid clients block on the response regardless of their
		// own nowait flag.
		if body.NoWait && !c.sendQueueDeleteOkRegardless {
			return nil
		}
		return c.writeFrame(FrameMethod, channelId, encodeQueueDeleteOk(count))
	})
}

// ---- basic class handlers ----

func (c *connection) receiveBasicQos(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeBasicQos(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed basic.qos: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		ch.mu.Lock()
		ch.prefetchCount = body.PrefetchCount
		ch.prefetchSize = body.PrefetchSize
		ch.mu.Unlock()
		return c.writeFrame(FrameMethod, channelId, encodeBasicQosOk())
	})
}

func (c *connection) receiveBasicConsume(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeBasicConsume(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed basic.consume: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		q := c.vhost.getQueue(body.Queue)
		if q == nil {
			return c.sendChannelClose(channelId, amqpError.NotFound,
				fmt.Sprintf("no queue '%s' in vhost '%s'", body.Queue, c.vhost.Name()))
		}

		tag := body.ConsumerTag
		ch.mu.Lock()
		if tag == "" {
			ch.consumerCounter++
			tag = fmt.Sprintf("ctag-%d.%d", channelId, ch.consumerCounter)
		}
		if _, exists := ch.consumers[tag]; exists {
			ch.mu.Unlock()
			return c.sendChannelClose(channelId, amqpError.NotAllowed,
				fmt.Sprintf("consumer tag '%s' already in use", tag))
		}
		cons := &consumer{Tag: tag, NoAck: body.NoAck, channel: ch, queue: q}
		ch.consumers[tag] = cons
		ch.mu.Unlock()

		if !body.NoWait {
			if err := c.writeFrame(FrameMethod, channelId, encodeBasicConsumeOk(tag)); err != nil {
				return err
			}
		}
		q.addConsumer(cons)
		return nil
	})
}

func (c *connection) receiveBasicCancel(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeBasicCancel(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed basic.cancel: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		ch.mu.Lock()
		cons, ok := ch.consumers[body.ConsumerTag]
		delete(ch.consumers, body.ConsumerTag)
		ch.mu.Unlock()

		if ok {
			cons.stopped.Store(true)
			cons.queue.removeConsumer(body.ConsumerTag)
		}
		if body.NoWait {
			return nil
		}
		return c.writeFrame(FrameMethod, channelId, encodeBasicCancelOk(body.ConsumerTag))
	})
}

func (c *connection) receiveBasicPublish(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeBasicPublish(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed basic.publish: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		if body.Exchange != "" && c.vhost.getExchange(body.Exchange) == nil {
			return c.sendChannelClose(channelId, amqpError.NotFound,
				fmt.Sprintf("no exchange '%s' in vhost '%s'", body.Exchange, c.vhost.Name()))
		}
		ch.mu.Lock()
		ch.currentMessage = &incomingMessage{
			publishInfo: messagePublishInfo{
				Exchange:   body.Exchange,
				RoutingKey: body.RoutingKey,
				Mandatory:  body.Mandatory,
				Immediate:  body.Immediate,
			},
		}
		ch.mu.Unlock()
		return nil
	})
}

func (c *connection) receiveBasicGet(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeBasicGet(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed basic.get: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		q := c.vhost.getQueue(body.Queue)
		if q == nil {
			return c.sendChannelClose(channelId, amqpError.NotFound,
				fmt.Sprintf("no queue '%s' in vhost '%s'", body.Queue, c.vhost.Name()))
		}

		msg, remaining, ok := q.pop()
		if !ok {
			return c.writeFrame(FrameMethod, channelId, encodeBasicGetEmpty())
		}

		ch.mu.Lock()
		ch.deliveryTag++
		tag := ch.deliveryTag
		if !body.NoAck {
			ch.unacked[tag] = &unackedMessage{
				msg:         msg,
				queueName:   q.Name,
				deliveryTag: tag,
				delivered:   time.Now(),
			}
		}
		ch.mu.Unlock()

		_, err := c.deliveryEncoder.writeGetOk(msg, channelId, tag, remaining)
		return err
	})
}

func (c *connection) receiveBasicAck(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeBasicAck(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed basic.ack: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		return ch.acknowledge(body.DeliveryTag, body.Multiple)
	})
}

func (ch *channel) acknowledge(deliveryTag uint64, multiple bool) error {
	ch.mu.Lock()
	if ch.txMode {
		ch.txAcks = append(ch.txAcks, deliveryTag)
		ch.mu.Unlock()
		return nil
	}
	if multiple {
		for tag := range ch.unacked {
			if tag <= deliveryTag {
				delete(ch.unacked, tag)
			}
		}
	} else if _, ok := ch.unacked[deliveryTag]; ok {
		delete(ch.unacked, deliveryTag)
	} else {
		ch.mu.Unlock()
		return ch.conn.sendChannelClose(ch.id, amqpError.PreconditionFailed,
			fmt.Sprintf("unknown delivery tag %d", deliveryTag))
	}
	queues := ch.consumerQueuesLocked()
	ch.mu.Unlock()

	// Capacity freed; give the queues a chance to dispatch more.
	for _, q := range queues {
		q.dispatch()
	}
	return nil
}

func (c *connection) receiveBasicReject(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeBasicReject(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed basic.reject: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		return ch.reject(body.DeliveryTag, false, body.Requeue)
	})
}

func (c *connection) receiveBasicNack(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeBasicNack(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed basic.nack: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		return ch.reject(body.DeliveryTag, body.Multiple, body.Requeue)
	})
}

func (ch *channel) reject(deliveryTag uint64, multiple, requeue bool) error {
	ch.mu.Lock()
	var rejected []*unackedMessage
	if multiple {
		for tag, u := range ch.unacked {
			if tag <= deliveryTag {
				rejected = append(rejected, u)
				delete(ch.unacked, tag)
			}
		}
	} else if u, ok := ch.unacked[deliveryTag]; ok {
		rejected = append(rejected, u)
		delete(ch.unacked, deliveryTag)
	} else {
		ch.mu.Unlock()
		return ch.conn.sendChannelClose(ch.id, amqpError.PreconditionFailed,
			fmt.Sprintf("unknown delivery tag %d", deliveryTag))
	}
	queues := ch.consumerQueuesLocked()
	ch.mu.Unlock()

	if requeue {
		for _, u := range rejected {
			if q := ch.conn.vhost.getQueue(u.queueName); q != nil {
				q.requeueFront(u.msg)
			}
		}
	}
	for _, q := range queues {
		q.dispatch()
	}
	return nil
}

func (c *connection) receiveBasicRecover(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeBasicRecover(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed basic.recover: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		ch.mu.Lock()
		unacked := make([]*unackedMessage, 0, len(ch.unacked))
		for _, u := range ch.unacked {
			unacked = append(unacked, u)
		}
		ch.unacked = make(map[uint64]*unackedMessage)
		ch.mu.Unlock()

		if body.Requeue {
			for _, u := range unacked {
				if q := c.vhost.getQueue(u.queueName); q != nil {
					q.requeueFront(u.msg)
				}
			}
		} else {
			// Redeliver to the original consumers over this channel.
			ch.mu.Lock()
			for _, u := range unacked {
				u.msg.Redelivered = true
				ch.pending = append(ch.pending, &pendingDelivery{
					msg:         u.msg,
					consumerTag: u.consumerTag,
					queueName:   u.queueName,
				})
			}
			ch.mu.Unlock()
			c.notifyWork()
		}
		return c.writeFrame(FrameMethod, channelId, encodeBasicRecoverOk())
	})
}

// ---- confirm and tx class handlers ----

func (c *connection) receiveConfirmSelect(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeConfirmSelect(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed confirm.select: %v", err), channelId)
	}
	return c.channelMethod(channelId, func(ch *channel) error {
		ch.mu.Lock()
		if ch.txMode {
			ch.mu.Unlock()
			return c.sendChannelClose(channelId, amqpError.PreconditionFailed,
				"confirm mode cannot be enabled on a transactional channel")
		}
		ch.confirmMode = true
		if ch.nextPublishSeqNo == 0 {
			ch.nextPublishSeqNo = 1
		}
		ch.mu.Unlock()

		if body.NoWait {
			return nil
		}
		return c.writeFrame(FrameMethod, channelId, encodeConfirmSelectOk())
	})
}

func (c *connection) receiveTxSelect(channelId uint16, reader *bytes.Reader) error {
	return c.channelMethod(channelId, func(ch *channel) error {
		ch.mu.Lock()
		if ch.confirmMode {
			ch.mu.Unlock()
			return c.sendChannelClose(channelId, amqpError.PreconditionFailed,
				"tx mode cannot be enabled on a channel in confirm mode")
		}
		ch.txMode = true
		ch.mu.Unlock()
		return c.writeFrame(FrameMethod, channelId, encodeTxSelectOk())
	})
}

func (c *connection) receiveTxCommit(channelId uint16, reader *bytes.Reader) error {
	return c.channelMethod(channelId, func(ch *channel) error {
		ch.mu.Lock()
		if !ch.txMode {
			ch.mu.Unlock()
			return c.sendChannelClose(channelId, amqpError.PreconditionFailed,
				"tx.commit on a non-transactional channel")
		}
		publishes := ch.txPublishes
		acks := ch.txAcks
		ch.txPublishes = nil
		ch.txAcks = nil
		ch.mu.Unlock()

		for _, msg := range publishes {
			if err := ch.routePublish(msg, false, 0); err != nil {
				return err
			}
		}
		for _, tag := range acks {
			ch.mu.Lock()
			delete(ch.unacked, tag)
			ch.mu.Unlock()
		}
		return c.writeFrame(FrameMethod, channelId, encodeTxCommitOk())
	})
}

func (c *connection) receiveTxRollback(channelId uint16, reader *bytes.Reader) error {
	return c.channelMethod(channelId, func(ch *channel) error {
		ch.mu.Lock()
		if !ch.txMode {
			ch.mu.Unlock()
			return c.sendChannelClose(channelId, amqpError.PreconditionFailed,
				"tx.rollback on a non-transactional channel")
		}
		ch.txPublishes = nil
		ch.txAcks = nil
		ch.mu.Unlock()
		return c.writeFrame(FrameMethod, channelId, encodeTxRollbackOk())
	})
}

// channelFault translates a vhost operation failure into a Channel.Close.
func (c *connection) channelFault(channelId uint16, err error) error {
	var chErr *amqpError.ChannelFatalError
	if errors.As(err, &chErr) {
		return c.sendChannelClose(channelId, chErr.Code, chErr.ReplyText)
	}
	return c.sendChannelClose(channelId, amqpError.InternalError, err.Error())
}
