package internal

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stageOpenChannel wires a channel into a piped connection with the
// default vhost attached.
func stageOpenChannel(t *testing.T, c *connection, id uint16) *channel {
	t.Helper()
	v, err := c.server.GetVHost("/")
	require.NoError(t, err)
	c.vhost = v

	ch := newChannel(id, c)
	c.addChannel(ch)
	return ch
}

func stageQueue(t *testing.T, v *vHost, name string) *queue {
	t.Helper()
	q, _, _, err := v.declareQueue(&queueDeclareBody{Queue: name})
	require.NoError(t, err)
	return q
}

func TestChannelRegistry_UniqueIds(t *testing.T) {
	c, _ := newPipedConnection(t)
	ch := stageOpenChannel(t, c, 1)

	got, ok := c.getChannel(1)
	require.True(t, ok)
	assert.Same(t, ch, got)

	found, lookup := c.lookupChannel(1)
	assert.Equal(t, channelFound, lookup)
	assert.Same(t, ch, found)

	c.removeChannel(1)
	_, lookup = c.lookupChannel(1)
	assert.Equal(t, channelMissing, lookup)
}

func TestChannelRegistry_AwaitingCloseOkLookup(t *testing.T) {
	c, _ := newPipedConnection(t)
	stageOpenChannel(t, c, 2)

	c.removeChannel(2)
	c.markChannelAwaitingCloseOk(2)

	_, lookup := c.lookupChannel(2)
	assert.Equal(t, channelClosing, lookup, "a channel awaiting close-ok is not missing")
	assert.True(t, c.channelAwaitingClosure(2))

	c.closeChannelOk(2)
	_, lookup = c.lookupChannel(2)
	assert.Equal(t, channelMissing, lookup)
}

func TestChannel_BlockStopsAcceptance(t *testing.T) {
	c, _ := newPipedConnection(t)
	ch := stageOpenChannel(t, c, 1)
	q := stageQueue(t, c.vhost, uniqueName("q"))
	cons := &consumer{Tag: "c1", channel: ch, queue: q}

	assert.True(t, ch.canAccept(cons))

	c.block()
	assert.False(t, ch.canAccept(cons), "blocked connection must not accept deliveries")

	c.unblock()
	assert.True(t, ch.canAccept(cons))
}

func TestChannel_BlockAppliesToNewChannels(t *testing.T) {
	c, _ := newPipedConnection(t)
	v, err := c.server.GetVHost("/")
	require.NoError(t, err)
	c.vhost = v

	c.block()
	ch := newChannel(1, c)
	c.addChannel(ch)

	q := stageQueue(t, v, uniqueName("q"))
	cons := &consumer{Tag: "c1", channel: ch, queue: q}
	assert.False(t, ch.canAccept(cons), "channels added while blocked start blocked")
}

func TestChannel_TransportBlockedStopsAcceptance(t *testing.T) {
	c, _ := newPipedConnection(t)
	ch := stageOpenChannel(t, c, 1)
	q := stageQueue(t, c.vhost, uniqueName("q"))
	cons := &consumer{Tag: "c1", channel: ch, queue: q}

	c.setTransportBlockedForWriting(true)
	assert.False(t, ch.canAccept(cons))
	assert.False(t, ch.processPending(), "a blocked transport yields no deliverable work")

	// Unblocking notifies the channels; with pending work the level flag
	// trips.
	ch.enqueueDelivery(cons, testMessage([]byte("m"), ""))
	c.clearWork()
	c.setTransportBlockedForWriting(false)
	assert.True(t, c.hasWork())
	assert.True(t, ch.canAccept(cons))
}

func TestChannel_PrefetchLimitsAcceptance(t *testing.T) {
	c, _ := newPipedConnection(t)
	ch := stageOpenChannel(t, c, 1)
	q := stageQueue(t, c.vhost, uniqueName("q"))
	cons := &consumer{Tag: "c1", channel: ch, queue: q}

	ch.mu.Lock()
	ch.prefetchCount = 2
	ch.mu.Unlock()

	assert.True(t, ch.canAccept(cons))

	msg := testMessage([]byte("m"), "")
	ch.enqueueDelivery(cons, msg)
	assert.True(t, ch.canAccept(cons))
	ch.enqueueDelivery(cons, msg)
	assert.False(t, ch.canAccept(cons), "prefetch window exhausted")

	// NoAck consumers are not bounded by prefetch.
	noAck := &consumer{Tag: "c2", NoAck: true, channel: ch, queue: q}
	assert.True(t, ch.canAccept(noAck))
}

func TestReceivedComplete_ExactlyOncePerTouchedChannel(t *testing.T) {
	c, client := newPipedConnection(t)
	go func() {
		// Drain whatever the confirm flush writes.
		buf := make([]byte, 65536)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()

	ch1 := stageOpenChannel(t, c, 1)
	ch2 := newChannel(2, c)
	c.addChannel(ch2)

	ch1.queueConfirm(1, true)
	ch2.queueConfirm(1, true)

	// Methods for the same channel within one buffer mark it once.
	c.channelRequiresSync(ch1)
	c.channelRequiresSync(ch1)
	c.channelRequiresSync(ch2)

	require.NoError(t, c.receivedCompleteAllChannels())

	ch1.mu.Lock()
	assert.Empty(t, ch1.confirmResults, "confirm batch flushed")
	ch1.mu.Unlock()

	// The touched set is cleared: a second pass must not re-deliver.
	ch1.queueConfirm(2, true)
	require.NoError(t, c.receivedCompleteAllChannels())
	ch1.mu.Lock()
	assert.Len(t, ch1.confirmResults, 1, "untouched channel must not flush")
	ch1.mu.Unlock()
}

func TestQueueDispatch_RoundRobin(t *testing.T) {
	c, _ := newPipedConnection(t)
	ch := stageOpenChannel(t, c, 1)
	q := stageQueue(t, c.vhost, uniqueName("q"))

	c1 := &consumer{Tag: "c1", NoAck: true, channel: ch, queue: q}
	c2 := &consumer{Tag: "c2", NoAck: true, channel: ch, queue: q}
	q.addConsumer(c1)
	q.addConsumer(c2)

	for i := 0; i < 4; i++ {
		require.NoError(t, c.vhost.enqueue(q.Name, testMessage([]byte{byte(i)}, "")))
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.pending, 4, "all messages dispatched")

	tags := map[string]int{}
	for _, p := range ch.pending {
		tags[p.consumerTag]++
	}
	assert.Equal(t, 2, tags["c1"])
	assert.Equal(t, 2, tags["c2"])
}

func TestQueueDispatch_SkipsStoppedConsumers(t *testing.T) {
	c, _ := newPipedConnection(t)
	ch := stageOpenChannel(t, c, 1)
	q := stageQueue(t, c.vhost, uniqueName("q"))

	cons := &consumer{Tag: "c1", NoAck: true, channel: ch, queue: q}
	q.addConsumer(cons)
	q.removeConsumer("c1")

	require.NoError(t, c.vhost.enqueue(q.Name, testMessage([]byte("x"), "")))

	q.mu.Lock()
	assert.Len(t, q.messages, 1, "message stays queued with no live consumer")
	q.mu.Unlock()
}

func TestChannelClose_RequeuesUnacked(t *testing.T) {
	c, _ := newPipedConnection(t)
	ch := stageOpenChannel(t, c, 1)
	q := stageQueue(t, c.vhost, uniqueName("q"))

	msg := testMessage([]byte("inflight"), "")
	ch.mu.Lock()
	ch.unacked[1] = &unackedMessage{msg: msg, consumerTag: "c1", queueName: q.Name, deliveryTag: 1, delivered: time.Now()}
	ch.mu.Unlock()

	ch.close()

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.messages, 1)
	assert.True(t, q.messages[0].Redelivered, "requeued message is marked redelivered")
}

func TestVHostRouting_DirectFanoutTopic(t *testing.T) {
	c, _ := newPipedConnection(t)
	v, err := c.server.GetVHost("/")
	require.NoError(t, err)

	q1 := stageQueue(t, v, uniqueName("q1"))
	q2 := stageQueue(t, v, uniqueName("q2"))

	_, err = v.declareExchange(&exchangeDeclareBody{Exchange: "ex.direct", Type: "direct"})
	require.NoError(t, err)
	_, err = v.declareExchange(&exchangeDeclareBody{Exchange: "ex.fanout", Type: "fanout"})
	require.NoError(t, err)
	_, err = v.declareExchange(&exchangeDeclareBody{Exchange: "ex.topic", Type: "topic"})
	require.NoError(t, err)

	require.NoError(t, v.bindQueue(q1.Name, "ex.direct", "red"))
	require.NoError(t, v.bindQueue(q2.Name, "ex.direct", "blue"))
	require.NoError(t, v.bindQueue(q1.Name, "ex.fanout", ""))
	require.NoError(t, v.bindQueue(q2.Name, "ex.fanout", "ignored"))
	require.NoError(t, v.bindQueue(q1.Name, "ex.topic", "orders.*.eu"))

	routes, err := v.route(messagePublishInfo{Exchange: "ex.direct", RoutingKey: "red"})
	require.NoError(t, err)
	assert.Equal(t, []string{q1.Name}, routes)

	routes, err = v.route(messagePublishInfo{Exchange: "ex.fanout", RoutingKey: "whatever"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{q1.Name, q2.Name}, routes)

	routes, err = v.route(messagePublishInfo{Exchange: "ex.topic", RoutingKey: "orders.created.eu"})
	require.NoError(t, err)
	assert.Equal(t, []string{q1.Name}, routes)

	routes, err = v.route(messagePublishInfo{Exchange: "ex.topic", RoutingKey: "orders.created.us"})
	require.NoError(t, err)
	assert.Empty(t, routes)

	// Default exchange routes to the queue named by the routing key.
	routes, err = v.route(messagePublishInfo{Exchange: "", RoutingKey: q2.Name})
	require.NoError(t, err)
	assert.Equal(t, []string{q2.Name}, routes)
}

func TestVHost_DeclareExchangeTypeMismatch(t *testing.T) {
	c, _ := newPipedConnection(t)
	v, err := c.server.GetVHost("/")
	require.NoError(t, err)

	_, err = v.declareExchange(&exchangeDeclareBody{Exchange: "ex", Type: "direct"})
	require.NoError(t, err)

	_, err = v.declareExchange(&exchangeDeclareBody{Exchange: "ex", Type: "topic"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRECONDITION_FAILED")
}

func TestVHost_QueueDeleteConditions(t *testing.T) {
	c, _ := newPipedConnection(t)
	ch := stageOpenChannel(t, c, 1)
	v := c.vhost

	q := stageQueue(t, v, uniqueName("q"))
	require.NoError(t, v.enqueue(q.Name, testMessage([]byte("m"), "")))

	_, err := v.deleteQueue(q.Name, false, true)
	require.Error(t, err, "if-empty must fail for a non-empty queue")

	cons := &consumer{Tag: "c1", NoAck: true, channel: ch, queue: q}
	q.addConsumer(cons)
	_, err = v.deleteQueue(q.Name, true, false)
	require.Error(t, err, "if-unused must fail with consumers attached")

	count, err := v.deleteQueue(q.Name, false, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), count, "depth counts messages still queued, not dispatched ones")
	assert.Nil(t, v.getQueue(q.Name))
}

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		pattern, key string
		match        bool
	}{
		{"#", "anything.at.all", true},
		{"orders.*", "orders.created", true},
		{"orders.*", "orders.created.eu", false},
		{"orders.#", "orders.created.eu", true},
		{"orders.#", "orders", true},
		{"*.critical", "alert.critical", true},
		{"*.critical", "alert.minor", false},
		{"a.b", "a.b", true},
		{"a.b", "a.c", false},
		{"", "", true},
		{"", "x", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.match, topicMatch(tc.pattern, tc.key), "pattern %q key %q", tc.pattern, tc.key)
	}
}

func TestFieldTable_RoundTrip(t *testing.T) {
	original := map[string]interface{}{
		"string": "value",
		"int":    int32(42),
		"long":   int64(1 << 40),
		"bool":   true,
		"float":  float64(2.5),
		"bytes":  []byte{1, 2, 3},
		"nested": map[string]interface{}{"inner": "x"},
		"array":  []interface{}{"a", int32(1)},
	}

	var buf bytes.Buffer
	require.NoError(t, writeTable(&buf, original))

	decoded, err := readTable(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, "value", decoded["string"])
	assert.Equal(t, int32(42), decoded["int"])
	assert.Equal(t, int64(1<<40), decoded["long"])
	assert.Equal(t, true, decoded["bool"])
	assert.Equal(t, float64(2.5), decoded["float"])
	assert.Equal(t, []byte{1, 2, 3}, decoded["bytes"])
	assert.Equal(t, map[string]interface{}{"inner": "x"}, decoded["nested"])
	assert.Equal(t, []interface{}{"a", int32(1)}, decoded["array"])
}
