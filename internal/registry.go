package internal

import (
	"bytes"
)

// methodHandler decodes a method body and applies it to the connection.
type methodHandler func(c *connection, channelId uint16, reader *bytes.Reader) error

// methodKey packs a (class, method) pair into the 32-bit dispatch key.
func methodKey(classId, methodId uint16) uint32 {
	return uint32(classId)<<16 | uint32(methodId)
}

// methodRegistry maps dispatch keys to handlers for one negotiated
// protocol version. AMQP 0-8 places Connection.Close and Close-Ok at
// different method ids than 0-9 and 0-9-1, so the registry is selected at
// protocol-version negotiation and also serves as the constructor for the
// version-dependent reply bodies.
type methodRegistry struct {
	version protocolVersion

	connectionCloseMethodId    uint16
	connectionCloseOkMethodId  uint16
	connectionRedirectMethodId uint16

	handlers map[uint32]methodHandler
}

func newMethodRegistry(version protocolVersion) *methodRegistry {
	reg := &methodRegistry{
		version:  version,
		handlers: make(map[uint32]methodHandler),
	}

	if version == protocolV0_8 {
		reg.connectionCloseMethodId = MethodConnectionClose08
		reg.connectionCloseOkMethodId = MethodConnectionCloseOk08
		reg.connectionRedirectMethodId = MethodConnectionRedirect08
	} else {
		reg.connectionCloseMethodId = MethodConnectionClose
		reg.connectionCloseOkMethodId = MethodConnectionCloseOk
		reg.connectionRedirectMethodId = 42
	}

	h := reg.handlers

	h[methodKey(ClassConnection, MethodConnectionStartOk)] = (*connection).receiveConnectionStartOk
	h[methodKey(ClassConnection, MethodConnectionSecureOk)] = (*connection).receiveConnectionSecureOk
	h[methodKey(ClassConnection, MethodConnectionTuneOk)] = (*connection).receiveConnectionTuneOk
	h[methodKey(ClassConnection, MethodConnectionOpen)] = (*connection).receiveConnectionOpen
	h[methodKey(ClassConnection, reg.connectionCloseMethodId)] = (*connection).receiveConnectionClose
	h[methodKey(ClassConnection, reg.connectionCloseOkMethodId)] = (*connection).receiveConnectionCloseOk

	h[methodKey(ClassChannel, MethodChannelOpen)] = (*connection).receiveChannelOpen
	h[methodKey(ClassChannel, MethodChannelFlow)] = (*connection).receiveChannelFlow
	h[methodKey(ClassChannel, MethodChannelFlowOk)] = (*connection).receiveChannelFlowOk
	h[methodKey(ClassChannel, MethodChannelClose)] = (*connection).receiveChannelClose
	h[methodKey(ClassChannel, MethodChannelCloseOk)] = (*connection).receiveChannelCloseOk

	h[methodKey(ClassExchange, MethodExchangeDeclare)] = (*connection).receiveExchangeDeclare
	h[methodKey(ClassExchange, MethodExchangeDelete)] = (*connection).receiveExchangeDelete

	h[methodKey(ClassQueue, MethodQueueDeclare)] = (*connection).receiveQueueDeclare
	h[methodKey(ClassQueue, MethodQueueBind)] = (*connection).receiveQueueBind
	h[methodKey(ClassQueue, MethodQueueUnbind)] = (*connection).receiveQueueUnbind
	h[methodKey(ClassQueue, MethodQueuePurge)] = (*connection).receiveQueuePurge
	h[methodKey(ClassQueue, MethodQueueDelete)] = (*connection).receiveQueueDelete

	h[methodKey(ClassBasic, MethodBasicQos)] = (*connection).receiveBasicQos
	h[methodKey(ClassBasic, MethodBasicConsume)] = (*connection).receiveBasicConsume
	h[methodKey(ClassBasic, MethodBasicCancel)] = (*connection).receiveBasicCancel
	h[methodKey(ClassBasic, MethodBasicPublish)] = (*connection).receiveBasicPublish
	h[methodKey(ClassBasic, MethodBasicGet)] = (*connection).receiveBasicGet
	h[methodKey(ClassBasic, MethodBasicAck)] = (*connection).receiveBasicAck
	h[methodKey(ClassBasic, MethodBasicReject)] = (*connection).receiveBasicReject
	h[methodKey(ClassBasic, MethodBasicNack)] = (*connection).receiveBasicNack
	h[methodKey(ClassBasic, MethodBasicRecover)] = (*connection).receiveBasicRecover

	h[methodKey(ClassConfirm, MethodConfirmSelect)] = (*connection).receiveConfirmSelect

	h[methodKey(ClassTx, MethodTxSelect)] = (*connection).receiveTxSelect
	h[methodKey(ClassTx, MethodTxCommit)] = (*connection).receiveTxCommit
	h[methodKey(ClassTx, MethodTxRollback)] = (*connection).receiveTxRollback

	return reg
}

// lookup resolves a dispatch key; ok is false for methods unknown to this
// protocol version.
func (r *methodRegistry) lookup(classId, methodId uint16) (methodHandler, bool) {
	handler, ok := r.handlers[methodKey(classId, methodId)]
	return handler, ok
}

// isConnectionCloseMethod reports whether the key identifies
// Connection.Close or Close-Ok under this version. While an orderly close
// is in flight everything else is ignored.
func (r *methodRegistry) isConnectionCloseMethod(classId, methodId uint16) bool {
	return classId == ClassConnection &&
		(methodId == r.connectionCloseMethodId || methodId == r.connectionCloseOkMethodId)
}

func (r *methodRegistry) createConnectionCloseBody(replyCode uint16, replyText string, classId, methodId uint16) []byte {
	return encodeConnectionClose(r.connectionCloseMethodId, replyCode, replyText, classId, methodId)
}

func (r *methodRegistry) createConnectionCloseOkBody() []byte {
	return encodeConnectionCloseOk(r.connectionCloseOkMethodId)
}

func (r *methodRegistry) createConnectionRedirectBody(host, knownHosts string) []byte {
	return encodeConnectionRedirect(r.connectionRedirectMethodId, host, knownHosts)
}

func (r *methodRegistry) createChannelOpenOkBody() []byte {
	return encodeChannelOpenOk(r.version)
}
