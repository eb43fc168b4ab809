package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbohinc/burrow-mq/config"
	"github.com/vbohinc/burrow-mq/storage"
)

func newMemoryPersistence(t *testing.T) *PersistenceManager {
	t.Helper()
	s := NewServer(WithLoggingConfig(config.LoggingConfig{DisableLogging: true}))
	pm := NewPersistenceManager(storage.NewBuntDBProvider(":memory:"), s)
	require.NoError(t, pm.Initialize())
	t.Cleanup(func() { pm.Close() })
	return pm
}

func TestPersistence_MessageRoundTrip(t *testing.T) {
	pm := newMemoryPersistence(t)

	msg := testMessage([]byte("durable payload"), "")
	msg.MetaData.ContentHeader.Properties.DeliveryMode = persistentDeliveryMode

	require.NoError(t, pm.SaveMessage("/", "orders", msg))

	loaded, err := pm.LoadQueueMessages("/", "orders")
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, msg.MetaData.PublishInfo, got.MetaData.PublishInfo)
	assert.Equal(t, msg.MetaData.ArrivalTime, got.MetaData.ArrivalTime)
	assert.Equal(t, msg.MetaData.ContentHeader.BodySize, got.MetaData.ContentHeader.BodySize)
	assert.Equal(t, []byte("durable payload"), got.Body)
}

func TestPersistence_MessagesKeepArrivalOrder(t *testing.T) {
	pm := newMemoryPersistence(t)

	for i := 0; i < 5; i++ {
		msg := testMessage([]byte{byte(i)}, "")
		require.NoError(t, pm.SaveMessage("/", "q", msg))
	}

	loaded, err := pm.LoadQueueMessages("/", "q")
	require.NoError(t, err)
	require.Len(t, loaded, 5)
	for i, msg := range loaded {
		assert.Equal(t, []byte{byte(i)}, msg.Body, "message %d out of order", i)
	}
}

func TestPersistence_PurgeQueueMessages(t *testing.T) {
	pm := newMemoryPersistence(t)

	require.NoError(t, pm.SaveMessage("/", "q1", testMessage([]byte("a"), "")))
	require.NoError(t, pm.SaveMessage("/", "q2", testMessage([]byte("b"), "")))

	require.NoError(t, pm.PurgeQueueMessages("/", "q1"))

	loaded, err := pm.LoadQueueMessages("/", "q1")
	require.NoError(t, err)
	assert.Empty(t, loaded)

	other, err := pm.LoadQueueMessages("/", "q2")
	require.NoError(t, err)
	assert.Len(t, other, 1, "purging one queue must not touch another")
}

func TestPersistence_EntityRecords(t *testing.T) {
	pm := newMemoryPersistence(t)

	require.NoError(t, pm.SaveVHost("staging"))
	require.NoError(t, pm.SaveExchange("staging", &exchange{Name: "ex", Type: "topic", Durable: true}))
	require.NoError(t, pm.SaveQueue("staging", &queue{Name: "q", Durable: true}))
	require.NoError(t, pm.SaveBinding("staging", "ex", "a.#", "q"))

	vhosts, err := pm.LoadAllVHosts()
	require.NoError(t, err)
	require.Len(t, vhosts, 1)
	assert.Equal(t, "staging", vhosts[0].Name)

	exchanges, err := pm.LoadAllExchanges("staging")
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, "topic", exchanges[0].Type)
	assert.True(t, exchanges[0].Durable)

	queues, err := pm.LoadAllQueues("staging")
	require.NoError(t, err)
	require.Len(t, queues, 1)
	assert.Equal(t, "q", queues[0].Name)

	bindings, err := pm.LoadAllBindings("staging")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "a.#", bindings[0].RoutingKey)
}

func TestServer_RecoversDurableStateOnStartup(t *testing.T) {
	provider := storage.NewBuntDBProvider(":memory:")

	// First server instance persists a durable queue and a message.
	s1 := NewServer(
		WithLoggingConfig(config.LoggingConfig{DisableLogging: true}),
		WithStorageProvider(provider))

	v, err := s1.GetVHost("/")
	require.NoError(t, err)
	q, _, _, err := v.declareQueue(&queueDeclareBody{Queue: "durable-q", Durable: true})
	require.NoError(t, err)
	require.NoError(t, s1.persistenceManager.SaveQueue("/", q))

	msg := testMessage([]byte("survives restart"), "")
	msg.MetaData.ContentHeader.Properties.DeliveryMode = persistentDeliveryMode
	require.NoError(t, v.enqueue("durable-q", msg))

	// A second server over the same provider recovers the state. The
	// provider survives because only the manager of s2 will close it.
	s2 := NewServer(
		WithLoggingConfig(config.LoggingConfig{DisableLogging: true}),
		WithStorageProvider(provider))
	defer s2.persistenceManager.Close()

	v2, err := s2.GetVHost("/")
	require.NoError(t, err)
	recovered := v2.getQueue("durable-q")
	require.NotNil(t, recovered, "durable queue must be recovered")

	recovered.mu.Lock()
	defer recovered.mu.Unlock()
	require.Len(t, recovered.messages, 1)
	assert.Equal(t, []byte("survives restart"), recovered.messages[0].Body)
}
