package internal

import (
	"fmt"
	"sync"
	"sync/atomic"

	amqpError "github.com/vbohinc/burrow-mq/amqperror"
)

// vHostState is the lifecycle state of a virtual host. Connections may
// only attach to an active vhost; opening an unavailable one yields a
// redirect (when the port has a redirect host) or CONNECTION_FORCED.
type vHostState int32

const (
	VHostActive vHostState = iota
	VHostUnavailable
)

// serverMessage is a routed message at rest: the durable metadata envelope
// plus the opaque body.
type serverMessage struct {
	MetaData    *messageMetaData
	Body        []byte
	Redelivered bool
}

func (m *serverMessage) bodySize() uint64 {
	return m.MetaData.ContentHeader.BodySize
}

// DeepCopy clones the message so queue-resident state never aliases
// channel-resident state.
func (m *serverMessage) DeepCopy() *serverMessage {
	if m == nil {
		return nil
	}
	meta := &messageMetaData{
		PublishInfo: m.MetaData.PublishInfo,
		ContentHeader: contentHeader{
			ClassId:    m.MetaData.ContentHeader.ClassId,
			BodySize:   m.MetaData.ContentHeader.BodySize,
			Properties: m.MetaData.ContentHeader.Properties.clone(),
		},
		ArrivalTime: m.MetaData.ArrivalTime,
	}
	var body []byte
	if m.Body != nil {
		body = make([]byte, len(m.Body))
		copy(body, m.Body)
	}
	return &serverMessage{MetaData: meta, Body: body, Redelivered: m.Redelivered}
}

type exchange struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Bindings   map[string][]string // routingKey -> queue names
	mu         sync.RWMutex

	deleted atomic.Bool
}

type queue struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Bindings   map[string]bool // "exchange:routingKey" -> true

	mu          sync.Mutex
	messages    []*serverMessage
	consumers   []*consumer
	consumerIdx int

	deleting atomic.Bool
}

type consumer struct {
	Tag     string
	NoAck   bool
	channel *channel
	queue   *queue
	stopped atomic.Bool
}

// vHost is a logical namespace of exchanges and queues. A connection
// belongs to exactly one vhost after Connection.Open.
type vHost struct {
	name   string
	server *server
	state  atomic.Int32

	mu        sync.RWMutex
	exchanges map[string]*exchange
	queues    map[string]*queue

	connMu      sync.Mutex
	connections map[*connection]struct{}

	deleting atomic.Bool

	// connectionAuthoriser, when set, gates Connection.Open; a non-nil
	// return refuses the connection with ACCESS_REFUSED.
	connectionAuthoriser func(username string) error
}

func newVHost(name string, s *server) *vHost {
	v := &vHost{
		name:        name,
		server:      s,
		exchanges:   make(map[string]*exchange),
		queues:      make(map[string]*queue),
		connections: make(map[*connection]struct{}),
	}
	// The default direct exchange always exists
	v.exchanges[""] = &exchange{
		Name:     "",
		Type:     "direct",
		Durable:  true,
		Bindings: make(map[string][]string),
	}
	return v
}

func (v *vHost) Name() string { return v.name }

func (v *vHost) State() vHostState { return vHostState(v.state.Load()) }

func (v *vHost) SetState(state vHostState) { v.state.Store(int32(state)) }

func (v *vHost) IsDeleting() bool { return v.deleting.Load() }

// authoriseCreateConnection decides whether the authenticated user may
// attach to this vhost.
func (v *vHost) authoriseCreateConnection(c *connection) error {
	if v.connectionAuthoriser == nil {
		return nil
	}
	return v.connectionAuthoriser(c.username)
}

func (v *vHost) registerConnection(c *connection) {
	v.connMu.Lock()
	defer v.connMu.Unlock()
	v.connections[c] = struct{}{}
}

func (v *vHost) deregisterConnection(c *connection) {
	v.connMu.Lock()
	defer v.connMu.Unlock()
	delete(v.connections, c)
}

func (v *vHost) getExchange(name string) *exchange {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.exchanges[name]
}

func (v *vHost) getQueue(name string) *queue {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.queues[name]
}

// declareExchange creates or verifies an exchange. The bool reports
// whether the exchange already existed.
func (v *vHost) declareExchange(body *exchangeDeclareBody) (bool, error) {
	switch body.Type {
	case "direct", "fanout", "topic":
	default:
		return false, amqpError.NewChannelError(amqpError.CommandInvalid,
			fmt.Sprintf("unknown exchange type: %s", body.Type), 0, 0)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.exchanges[body.Exchange]; ok {
		if existing.Type != body.Type {
			return true, amqpError.NewChannelError(amqpError.PreconditionFailed,
				fmt.Sprintf("exchange '%s' exists with type '%s', requested '%s'",
					body.Exchange, existing.Type, body.Type), 0, 0)
		}
		return true, nil
	}

	if body.Passive {
		return false, amqpError.NewChannelError(amqpError.NotFound,
			fmt.Sprintf("no exchange '%s' in vhost '%s'", body.Exchange, v.name), 0, 0)
	}

	v.exchanges[body.Exchange] = &exchange{
		Name:       body.Exchange,
		Type:       body.Type,
		Durable:    body.Durable,
		AutoDelete: body.AutoDelete,
		Internal:   body.Internal,
		Bindings:   make(map[string][]string),
	}
	return false, nil
}

func (v *vHost) deleteExchange(name string, ifUnused bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	ex, ok := v.exchanges[name]
	if !ok {
		return amqpError.NewChannelError(amqpError.NotFound,
			fmt.Sprintf("no exchange '%s' in vhost '%s'", name, v.name), 0, 0)
	}
	if name == "" {
		return amqpError.NewChannelError(amqpError.AccessRefused,
			"default exchange cannot be deleted", 0, 0)
	}

	ex.mu.RLock()
	inUse := len(ex.Bindings) > 0
	ex.mu.RUnlock()
	if ifUnused && inUse {
		return amqpError.NewChannelError(amqpError.PreconditionFailed,
			fmt.Sprintf("exchange '%s' is in use", name), 0, 0)
	}

	ex.deleted.Store(true)
	delete(v.exchanges, name)
	return nil
}

// declareQueue creates or verifies a queue and reports its depth and
// consumer count.
func (v *vHost) declareQueue(body *queueDeclareBody) (*queue, uint32, uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.queues[body.Queue]; ok {
		existing.mu.Lock()
		messageCount := uint32(len(existing.messages))
		consumerCount := uint32(len(existing.consumers))
		existing.mu.Unlock()
		return existing, messageCount, consumerCount, nil
	}

	if body.Passive {
		return nil, 0, 0, amqpError.NewChannelError(amqpError.NotFound,
			fmt.Sprintf("no queue '%s' in vhost '%s'", body.Queue, v.name), 0, 0)
	}

	q := &queue{
		Name:       body.Queue,
		Durable:    body.Durable,
		Exclusive:  body.Exclusive,
		AutoDelete: body.AutoDelete,
		Bindings:   make(map[string]bool),
	}
	v.queues[body.Queue] = q
	return q, 0, 0, nil
}

func (v *vHost) bindQueue(queueName, exchangeName, routingKey string) error {
	v.mu.RLock()
	q, qOK := v.queues[queueName]
	ex, exOK := v.exchanges[exchangeName]
	v.mu.RUnlock()

	if !qOK {
		return amqpError.NewChannelError(amqpError.NotFound,
			fmt.Sprintf("no queue '%s' in vhost '%s'", queueName, v.name), 0, 0)
	}
	if !exOK {
		return amqpError.NewChannelError(amqpError.NotFound,
			fmt.Sprintf("no exchange '%s' in vhost '%s'", exchangeName, v.name), 0, 0)
	}

	ex.mu.Lock()
	bound := ex.Bindings[routingKey]
	exists := false
	for _, name := range bound {
		if name == queueName {
			exists = true
			break
		}
	}
	if !exists {
		ex.Bindings[routingKey] = append(bound, queueName)
	}
	ex.mu.Unlock()

	q.mu.Lock()
	q.Bindings[exchangeName+":"+routingKey] = true
	q.mu.Unlock()
	return nil
}

func (v *vHost) unbindQueue(queueName, exchangeName, routingKey string) error {
	v.mu.RLock()
	q, qOK := v.queues[queueName]
	ex, exOK := v.exchanges[exchangeName]
	v.mu.RUnlock()

	if !qOK {
		return amqpError.NewChannelError(amqpError.NotFound,
			fmt.Sprintf("no queue '%s' in vhost '%s'", queueName, v.name), 0, 0)
	}
	if !exOK {
		return amqpError.NewChannelError(amqpError.NotFound,
			fmt.Sprintf("no exchange '%s' in vhost '%s'", exchangeName, v.name), 0, 0)
	}

	ex.mu.Lock()
	bound := ex.Bindings[routingKey]
	for i, name := range bound {
		if name == queueName {
			ex.Bindings[routingKey] = append(bound[:i], bound[i+1:]...)
			break
		}
	}
	if len(ex.Bindings[routingKey]) == 0 {
		delete(ex.Bindings, routingKey)
	}
	ex.mu.Unlock()

	q.mu.Lock()
	delete(q.Bindings, exchangeName+":"+routingKey)
	q.mu.Unlock()
	return nil
}

func (v *vHost) purgeQueue(name string) (uint32, error) {
	v.mu.RLock()
	q, ok := v.queues[name]
	v.mu.RUnlock()
	if !ok {
		return 0, amqpError.NewChannelError(amqpError.NotFound,
			fmt.Sprintf("no queue '%s' in vhost '%s'", name, v.name), 0, 0)
	}

	q.mu.Lock()
	count := uint32(len(q.messages))
	q.messages = nil
	q.mu.Unlock()

	if pm := v.server.persistenceManager; pm != nil && q.Durable {
		if err := pm.PurgeQueueMessages(v.name, name); err != nil {
			v.server.Warn("Failed to purge persisted messages for queue '%s': %v", name, err)
		}
	}
	return count, nil
}

func (v *vHost) deleteQueue(name string, ifUnused, ifEmpty bool) (uint32, error) {
	v.mu.Lock()
	q, ok := v.queues[name]
	if !ok {
		v.mu.Unlock()
		return 0, amqpError.NewChannelError(amqpError.NotFound,
			fmt.Sprintf("no queue '%s' in vhost '%s'", name, v.name), 0, 0)
	}

	q.mu.Lock()
	if ifUnused && len(q.consumers) > 0 {
		q.mu.Unlock()
		v.mu.Unlock()
		return 0, amqpError.NewChannelError(amqpError.PreconditionFailed,
			fmt.Sprintf("queue '%s' is in use", name), 0, 0)
	}
	if ifEmpty && len(q.messages) > 0 {
		q.mu.Unlock()
		v.mu.Unlock()
		return 0, amqpError.NewChannelError(amqpError.PreconditionFailed,
			fmt.Sprintf("queue '%s' is not empty", name), 0, 0)
	}

	q.deleting.Store(true)
	count := uint32(len(q.messages))
	consumers := make([]*consumer, len(q.consumers))
	copy(consumers, q.consumers)
	q.messages = nil
	q.consumers = nil
	q.mu.Unlock()

	delete(v.queues, name)

	// Drop bindings that point at the deleted queue
	for _, ex := range v.exchanges {
		ex.mu.Lock()
		for key, bound := range ex.Bindings {
			filtered := bound[:0]
			for _, qName := range bound {
				if qName != name {
					filtered = append(filtered, qName)
				}
			}
			if len(filtered) == 0 {
				delete(ex.Bindings, key)
			} else {
				ex.Bindings[key] = filtered
			}
		}
		ex.mu.Unlock()
	}
	v.mu.Unlock()

	for _, cons := range consumers {
		cons.stopped.Store(true)
		cons.channel.consumerCancelled(cons.Tag)
	}

	if pm := v.server.persistenceManager; pm != nil && q.Durable {
		if err := pm.DeleteQueue(v.name, name); err != nil {
			v.server.Warn("Failed to delete persisted queue '%s': %v", name, err)
		}
	}
	return count, nil
}

// route resolves the queues a message publishes to, per the exchange type.
func (v *vHost) route(pub messagePublishInfo) ([]string, error) {
	if pub.Exchange == "" { // Default exchange routes directly to queue by name
		v.mu.RLock()
		_, exists := v.queues[pub.RoutingKey]
		v.mu.RUnlock()

		if exists {
			return []string{pub.RoutingKey}, nil
		}
		return nil, nil
	}

	v.mu.RLock()
	ex := v.exchanges[pub.Exchange]
	v.mu.RUnlock()

	if ex == nil {
		return nil, fmt.Errorf("exchange '%s' not found", pub.Exchange)
	}

	ex.mu.RLock()
	defer ex.mu.RUnlock()

	switch ex.Type {
	case "direct":
		return ex.Bindings[pub.RoutingKey], nil
	case "fanout":
		queues := make([]string, 0)
		seen := make(map[string]bool)
		for _, bound := range ex.Bindings {
			for _, queueName := range bound {
				if !seen[queueName] {
					seen[queueName] = true
					queues = append(queues, queueName)
				}
			}
		}
		return queues, nil
	case "topic":
		queues := make([]string, 0)
		seen := make(map[string]bool)
		for pattern, bound := range ex.Bindings {
			if topicMatch(pattern, pub.RoutingKey) {
				for _, queueName := range bound {
					if !seen[queueName] {
						seen[queueName] = true
						queues = append(queues, queueName)
					}
				}
			}
		}
		return queues, nil
	default:
		return nil, fmt.Errorf("unknown exchange type: %s", ex.Type)
	}
}

// enqueue appends a message to a queue, persisting durable messages on
// durable queues first, then kicks the dispatch cycle.
func (v *vHost) enqueue(queueName string, msg *serverMessage) error {
	if v.IsDeleting() {
		return fmt.Errorf("vhost '%s' is being deleted", v.name)
	}

	v.mu.RLock()
	q, ok := v.queues[queueName]
	v.mu.RUnlock()
	if !ok || q == nil {
		return fmt.Errorf("queue '%s' not found", queueName)
	}

	msgCopy := msg.DeepCopy()

	if pm := v.server.persistenceManager; pm != nil &&
		msg.MetaData.ContentHeader.Properties.DeliveryMode == persistentDeliveryMode &&
		q.Durable {
		if err := pm.SaveMessage(v.name, queueName, msgCopy); err != nil {
			return fmt.Errorf("persisting message: %w", err)
		}
	}

	q.mu.Lock()
	q.messages = append(q.messages, msgCopy)
	q.mu.Unlock()

	q.dispatch()
	return nil
}

// dispatch hands queued messages to consumers in round-robin order. A
// consumer whose channel cannot accept more (prefetch reached, channel
// blocked, transport blocked) is skipped; the cycle stops when no consumer
// can make progress.
func (q *queue) dispatch() {
	for {
		q.mu.Lock()
		if len(q.messages) == 0 || len(q.consumers) == 0 || q.deleting.Load() {
			q.mu.Unlock()
			return
		}

		var target *consumer
		for range q.consumers {
			cons := q.consumers[q.consumerIdx%len(q.consumers)]
			q.consumerIdx++
			if cons.stopped.Load() {
				continue
			}
			if cons.channel.canAccept(cons) {
				target = cons
				break
			}
		}
		if target == nil {
			q.mu.Unlock()
			return
		}

		msg := q.messages[0]
		q.messages = q.messages[1:]
		q.mu.Unlock()

		target.channel.enqueueDelivery(target, msg)
	}
}

func (q *queue) addConsumer(cons *consumer) {
	q.mu.Lock()
	q.consumers = append(q.consumers, cons)
	q.mu.Unlock()
	q.dispatch()
}

func (q *queue) removeConsumer(tag string) {
	q.mu.Lock()
	for i, cons := range q.consumers {
		if cons.Tag == tag {
			cons.stopped.Store(true)
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
}

// requeueFront puts a message back at the head of the queue, marking it
// redelivered.
func (q *queue) requeueFront(msg *serverMessage) {
	msg.Redelivered = true
	q.mu.Lock()
	q.messages = append([]*serverMessage{msg}, q.messages...)
	q.mu.Unlock()
	q.dispatch()
}

// pop takes the head message for Basic.Get; the second return is the
// remaining depth.
func (q *queue) pop() (*serverMessage, uint32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil, 0, false
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return msg, uint32(len(q.messages)), true
}
