package internal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqpError "github.com/vbohinc/burrow-mq/amqperror"
	"github.com/vbohinc/burrow-mq/logger"
)

// connectionState is the handshake state machine position.
type connectionState int

const (
	stateInit connectionState = iota
	stateAwaitStartOk
	stateAwaitSecureOk
	stateAwaitTuneOk
	stateAwaitOpen
	stateOpen
)

func (s connectionState) String() string {
	switch s {
	case stateInit:
		return "INIT"
	case stateAwaitStartOk:
		return "AWAIT_START_OK"
	case stateAwaitSecureOk:
		return "AWAIT_SECURE_OK"
	case stateAwaitTuneOk:
		return "AWAIT_TUNE_OK"
	case stateAwaitOpen:
		return "AWAIT_OPEN"
	case stateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// action is a unit of outbound work enqueued onto the connection's async
// task FIFO; it runs on the I/O goroutine.
type action func(*connection)

// saslSlot boxes the in-flight SASL session so disposal can be a single
// atomic swap: whichever path swaps the slot to nil disposes, every other
// path sees nil. That makes dispose once-only even when an authentication
// error path races teardown.
type saslSlot struct {
	session saslSession
}

type readEvent struct {
	data []byte
	err  error
}

// connection owns one client connection: the framing decoder, the
// handshake state machine, the channel registry and the outbound
// pipeline. All state transitions and frame writes happen on the
// connection's I/O goroutine; other goroutines hand work over through the
// async-task FIFO and notifyWork.
type connection struct {
	id     uint64
	conn   net.Conn
	writer *bufio.Writer
	server *server

	writeMu sync.Mutex

	decoder      *frameDecoder
	registry     *methodRegistry
	protoVersion protocolVersion
	state        connectionState

	saslSlot atomic.Pointer[saslSlot]
	username string

	vhost *vHost

	maxFrameSize   uint32
	maxChannels    uint16
	heartbeatDelay uint16
	maxMessageSize uint64

	closeWhenNoRoute            bool
	compressionSupported        bool
	compressionThreshold        int
	clientProduct               string
	clientVersion               string
	clientPid                   string
	sendQueueDeleteOkRegardless bool

	// Channel registry: mutations serialise on channelAddRemoveMu, reads
	// go through the concurrent map so the I/O thread never blocks on
	// them.
	channelMap         sync.Map // uint16 -> *channel
	channelAddRemoveMu sync.Mutex
	blocking           bool // guarded by channelAddRemoveMu

	closingChannels sync.Map // uint16 -> time.Time

	// touched tracks the channels the current inbound buffer applied to;
	// each gets exactly one receivedComplete. I/O goroutine only.
	touched map[*channel]struct{}

	asyncMu    sync.Mutex
	asyncTasks []action

	stateChanged     atomic.Bool
	workListener     atomic.Pointer[action]
	orderlyClose     atomic.Bool
	deferFlush       bool
	transportBlocked atomic.Bool

	lastReadTime  atomic.Int64
	lastWriteTime atomic.Int64
	readIdleNanos atomic.Int64

	ioGoroutineID atomic.Uint64
	wakeCh        chan struct{}

	closeNetOnce  sync.Once
	networkClosed atomic.Bool
	closeOkTimer  atomic.Pointer[time.Timer]

	currentClassId  uint16
	currentMethodId uint16

	deliveryEncoder *deliveryEncoder
}

func newConnection(s *server, conn net.Conn, id uint64) *connection {
	c := &connection{
		id:                   id,
		conn:                 conn,
		writer:               bufio.NewWriter(conn),
		server:               s,
		state:                stateInit,
		maxChannels:          s.brokerConfig.SessionCountLimit,
		maxFrameSize:         s.defaultMaxFrameSize(),
		maxMessageSize:       s.portConfig.MaxMessageSize,
		closeWhenNoRoute:     s.brokerConfig.CloseWhenNoRoute,
		compressionThreshold: s.portConfig.MessageCompressionThreshold,
		touched:              make(map[*channel]struct{}),
		wakeCh:               make(chan struct{}, 1),
	}
	c.decoder = newFrameDecoder(c.maxFrameSize)
	c.deliveryEncoder = newDeliveryEncoder(c)
	return c
}

func (c *connection) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *connection) isClosing() bool {
	return c.orderlyClose.Load()
}

func (c *connection) isCompressionSupported() bool {
	return c.compressionSupported && c.server.brokerConfig.MessageCompressionEnabled
}

// ---- serve loop ----

// serve is the connection's I/O goroutine: it drains inbound buffers, the
// wake channel and the housekeeping tick, and runs the process-pending
// cycle after each wakeup.
func (c *connection) serve() {
	c.ioGoroutineID.Store(curGoroutineID())

	wake := action(func(*connection) {
		select {
		case c.wakeCh <- struct{}{}:
		default:
		}
	})
	c.setWorkListener(&wake)

	readCh := make(chan readEvent, 4)
	go c.readLoop(readCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer c.closed()

	for {
		select {
		case ev := <-readCh:
			if ev.data != nil {
				if err := c.received(ev.data); err != nil {
					if errors.Is(err, errConnectionClosedGracefully) {
						return
					}
					if !errors.Is(err, errConnectionCloseSentByServer) && !errors.Is(err, errChannelClosedByServer) {
						c.server.Err("Critical error on connection %s: %v. Closing connection.", c.remoteAddr(), err)
						c.closeNetwork()
						return
					}
					// Close sent, keep reading to collect the Close-Ok.
				}
			}
			if ev.err != nil {
				c.handleReadError(ev.err)
				return
			}
		case <-c.wakeCh:
		case <-ticker.C:
			c.housekeeping()
		}

		// Outbound work drains as one batch: flushing is deferred for
		// the duration and forced once at the end.
		c.setDeferFlush(true)
		c.processAllPending()
		c.setDeferFlush(false)
		c.flushWriter()

		if c.networkClosed.Load() {
			return
		}
	}
}

func (c *connection) readLoop(out chan<- readEvent) {
	bufSize := int(c.server.brokerConfig.NetworkBufferSize)
	buf := make([]byte, bufSize)
	for {
		if idle := c.readIdleNanos.Load(); idle > 0 {
			c.conn.SetReadDeadline(time.Now().Add(time.Duration(idle)))
		} else {
			c.conn.SetReadDeadline(time.Time{})
		}

		n, err := c.conn.Read(buf)
		var data []byte
		if n > 0 {
			data = make([]byte, n)
			copy(data, buf[:n])
		}
		out <- readEvent{data: data, err: err}
		if err != nil {
			return
		}
	}
}

func (c *connection) handleReadError(err error) {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		c.server.events.Message(logger.EventConnectionIdleClose,
			"closing connection %s: no traffic within the idle timeout", c.remoteAddr())
		c.closeNetwork()
		return
	}

	errMsg := err.Error()
	isNetClosed := errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		strings.Contains(errMsg, "use of closed network connection") ||
		strings.Contains(errMsg, "connection reset by peer")

	if isNetClosed {
		c.server.Info("Connection %s closed: %v", c.remoteAddr(), err)
	} else {
		c.server.Err("Error reading from %s: %v", c.remoteAddr(), err)
	}
	c.closeNetwork()
}

// housekeeping runs once a second on the I/O goroutine: write-idle
// heartbeats and the Close-Ok overdue sweep.
func (c *connection) housekeeping() {
	if delay := c.heartbeatDelay; delay > 0 && c.state == stateOpen && !c.isClosing() {
		idle := time.Since(time.Unix(0, c.lastWriteTime.Load()))
		if idle >= time.Duration(delay)*time.Second {
			if err := c.writeFrame(FrameHeartbeat, 0, nil); err != nil {
				c.server.Err("Error sending heartbeat to %s: %v", c.remoteAddr(), err)
			}
		}
	}

	now := time.Now()
	c.closingChannels.Range(func(key, value any) bool {
		if since, ok := value.(time.Time); ok && now.Sub(since) > closeOkTimeout {
			c.server.Warn("Channel %v did not send Close-Ok within %v; closing connection %s",
				key, closeOkTimeout, c.remoteAddr())
			c.closeNetwork()
			return false
		}
		return true
	})
}

// ---- inbound path ----

// received decodes one inbound buffer and dispatches its events in wire
// order; after the whole buffer every touched channel gets exactly one
// receivedComplete.
func (c *connection) received(data []byte) error {
	c.lastReadTime.Store(time.Now().UnixNano())

	events, decodeErr := c.decoder.Decode(data)

	var handlerErr error
	for _, ev := range events {
		var err error
		if ev.Initiation != nil {
			err = c.receiveProtocolHeader(ev.Initiation)
		} else {
			err = c.handleFrame(ev.Frame)
		}
		if err != nil {
			handlerErr = err
			if errors.Is(err, errConnectionClosedGracefully) {
				break
			}
			if !errors.Is(err, errConnectionCloseSentByServer) && !errors.Is(err, errChannelClosedByServer) {
				break
			}
			// Orderly close is in flight; remaining events are ignored
			// by the isClosing gates.
		}
	}

	if syncErr := c.receivedCompleteAllChannels(); syncErr != nil && handlerErr == nil {
		handlerErr = syncErr
	}

	if decodeErr != nil {
		// Framing errors are connection-fatal regardless of what the
		// decoded prefix contained.
		c.server.Err("Frame decoding error on %s: %v", c.remoteAddr(), decodeErr)
		return c.sendConnectionClose(amqpError.FrameError, decodeErr.Error(), 0)
	}

	return handlerErr
}

func (c *connection) handleFrame(f *frame) error {
	if c.isClosing() && f.Type != FrameMethod {
		return nil
	}

	switch f.Type {
	case FrameMethod:
		return c.handleMethodFrame(f)
	case FrameHeader:
		if f.Channel == 0 {
			return c.sendConnectionClose(amqpError.ChannelError,
				"channel error - content frames cannot use channel 0", 0)
		}
		ch, lookup := c.lookupChannel(f.Channel)
		switch lookup {
		case channelMissing:
			return c.sendConnectionClose(amqpError.ChannelError,
				fmt.Sprintf("header frame on invalid channel %d", f.Channel), 0)
		case channelClosing:
			return nil
		}
		c.channelRequiresSync(ch)
		return ch.receiveContentHeader(f.Payload)
	case FrameBody:
		if f.Channel == 0 {
			return c.sendConnectionClose(amqpError.ChannelError,
				"channel error - content frames cannot use channel 0", 0)
		}
		ch, lookup := c.lookupChannel(f.Channel)
		switch lookup {
		case channelMissing:
			return c.sendConnectionClose(amqpError.ChannelError,
				fmt.Sprintf("body frame on invalid channel %d", f.Channel), 0)
		case channelClosing:
			return nil
		}
		c.server.Debug("RECV[%d] ContentBody %s", f.Channel,
			formatBinary(f.Payload, c.server.portConfig.DebugBinaryDataLength))
		c.channelRequiresSync(ch)
		return ch.receiveContentBody(f.Payload)
	case FrameHeartbeat:
		c.server.Debug("Received %s from %s", colorize("HEARTBEAT", colorGray), c.remoteAddr())
		return nil
	default:
		return c.sendConnectionClose(amqpError.UnexpectedFrame,
			fmt.Sprintf("unhandled frame type %d", f.Type), 0)
	}
}

func (c *connection) handleMethodFrame(f *frame) error {
	if c.registry == nil {
		return fmt.Errorf("method frame received before protocol negotiation from %s", c.remoteAddr())
	}

	reader := bytes.NewReader(f.Payload)
	var classId, methodId uint16
	if err := binary.Read(reader, binary.BigEndian, &classId); err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, "malformed method frame: missing class id", f.Channel)
	}
	if err := binary.Read(reader, binary.BigEndian, &methodId); err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, "malformed method frame: missing method id", f.Channel)
	}

	// The current (class, method) pair tags any error reply produced
	// while this method is in flight.
	c.currentClassId = classId
	c.currentMethodId = methodId
	defer func() {
		c.currentClassId = 0
		c.currentMethodId = 0
	}()

	c.server.Debug("RECV[%d] %s from %s", f.Channel,
		colorize(getFullMethodName(classId, methodId), colorYellow), c.remoteAddr())

	if f.Channel == 0 && classId != ClassConnection {
		return c.sendConnectionClose(amqpError.CommandInvalid,
			"command invalid - channel 0 is for Connection class only", f.Channel)
	}
	if f.Channel != 0 && classId == ClassConnection {
		return c.sendConnectionClose(amqpError.CommandInvalid,
			"command invalid - Connection class methods must use channel 0", f.Channel)
	}

	if c.isClosing() && !c.registry.isConnectionCloseMethod(classId, methodId) {
		return nil
	}

	handler, ok := c.registry.lookup(classId, methodId)
	if !ok {
		return c.sendConnectionClose(amqpError.CommandInvalid,
			fmt.Sprintf("Unknown method id %d for class %d", methodId, classId), f.Channel)
	}
	return handler(c, f.Channel, reader)
}

// ---- protocol initiation and the connection class ----

func (c *connection) receiveProtocolHeader(header []byte) error {
	if c.state != stateInit {
		return c.sendConnectionClose(amqpError.CommandInvalid, "Command Invalid", 0)
	}

	pv, supported := parseProtocolHeader(header)
	if !supported {
		// Reply with the latest version the broker speaks, then drop.
		c.server.Debug("Unsupported protocol initiation from %s: %v", c.remoteAddr(), header)
		c.writeRaw(latestSupportedProtocolHeader)
		c.closeNetwork()
		return errConnectionClosedGracefully
	}

	c.protoVersion = pv
	c.registry = newMethodRegistry(pv)
	c.decoder.setExpectProtocolInitiation(false)

	broker := c.server.brokerConfig
	serverProperties := map[string]interface{}{
		serverPropProduct:               productName,
		serverPropVersion:               VERSION,
		serverPropQpidBuild:             buildID,
		serverPropQpidInstanceName:      broker.InstanceName,
		serverPropCloseWhenNoRoute:      fmt.Sprintf("%t", broker.CloseWhenNoRoute),
		serverPropCompressionSupported:  fmt.Sprintf("%t", broker.MessageCompressionEnabled),
		serverPropConfirmedPublish:      "true",
		serverPropVirtualhostProperties: fmt.Sprintf("%t", broker.VirtualhostPropertiesNodeEnabled),
	}

	major, minor := pv.startVersionOctets()
	payload, err := encodeConnectionStart(major, minor, serverProperties,
		c.server.authenticator.Mechanisms(), "en_US")
	if err != nil {
		return fmt.Errorf("encoding connection.start: %w", err)
	}

	if err := c.writeFrame(FrameMethod, 0, payload); err != nil {
		return fmt.Errorf("sending connection.start: %w", err)
	}
	c.state = stateAwaitStartOk
	c.server.Debug("Negotiated AMQP %s with %s, sent connection.start", pv, c.remoteAddr())
	return nil
}

func (c *connection) receiveConnectionStartOk(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeConnectionStartOk(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed connection.start-ok: %v", err), 0)
	}

	if err := c.assertState(stateAwaitStartOk); err != nil {
		return err
	}

	c.setClientProperties(body.ClientProperties)

	session := c.server.authenticator.CreateSession(body.Mechanism)
	if session == nil {
		return c.sendConnectionClose(amqpError.ResourceError,
			"Unable to create SASL Server:"+body.Mechanism, 0)
	}
	c.saslSlot.Store(&saslSlot{session: session})

	return c.processAuthResult(session.Authenticate(body.Response))
}

func (c *connection) receiveConnectionSecureOk(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeConnectionSecureOk(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed connection.secure-ok: %v", err), 0)
	}

	if err := c.assertState(stateAwaitSecureOk); err != nil {
		return err
	}

	slot := c.saslSlot.Load()
	if slot == nil {
		return c.sendConnectionClose(amqpError.InternalError, "No SASL context set up in connection", 0)
	}

	return c.processAuthResult(slot.session.Authenticate(body.Response))
}

// processAuthResult drives the three-way SASL outcome shared by Start-Ok
// and Secure-Ok.
func (c *connection) processAuthResult(result authResult) error {
	switch result.Status {
	case authError:
		c.server.Debug("Authentication failed for %s: %v", c.remoteAddr(), result.Cause)
		time.Sleep(failedAuthThrottle)
		err := c.sendConnectionClose(amqpError.NotAllowed, "Authentication failed", 0)
		c.disposeSaslSession()
		return err

	case authSuccess:
		c.username = result.Username
		c.server.Debug("Connection %s authenticated as '%s'", c.remoteAddr(), c.username)
		c.disposeSaslSession()

		tune := encodeConnectionTune(c.server.brokerConfig.SessionCountLimit,
			c.server.defaultMaxFrameSize(),
			c.server.brokerConfig.HeartBeatDelay)
		if err := c.writeFrame(FrameMethod, 0, tune); err != nil {
			return fmt.Errorf("sending connection.tune: %w", err)
		}
		c.state = stateAwaitTuneOk
		return nil

	case authContinue:
		if err := c.writeFrame(FrameMethod, 0, encodeConnectionSecure(result.Challenge)); err != nil {
			return fmt.Errorf("sending connection.secure: %w", err)
		}
		c.state = stateAwaitSecureOk
		return nil

	default:
		return c.sendConnectionClose(amqpError.InternalError, "unexpected authentication state", 0)
	}
}

// disposeSaslSession disposes the SASL context exactly once: the slot swap
// is atomic, so racing paths cannot double-dispose.
func (c *connection) disposeSaslSession() {
	if slot := c.saslSlot.Swap(nil); slot != nil {
		slot.session.Dispose()
	}
}

func (c *connection) receiveConnectionTuneOk(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeConnectionTuneOk(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed connection.tune-ok: %v", err), 0)
	}

	if err := c.assertState(stateAwaitTuneOk); err != nil {
		return err
	}

	brokerFrameMax := c.server.defaultMaxFrameSize()

	if body.FrameMax > brokerFrameMax {
		return c.sendConnectionClose(amqpError.SyntaxError,
			fmt.Sprintf("Attempt to set max frame size to %d greater than the broker will allow: %d",
				body.FrameMax, brokerFrameMax), 0)
	}
	if body.FrameMax > 0 && body.FrameMax < FrameMinSize {
		return c.sendConnectionClose(amqpError.SyntaxError,
			fmt.Sprintf("Attempt to set max frame size to %d which is smaller than the specification defined minimum: %d",
				body.FrameMax, FrameMinSize), 0)
	}

	frameMax := body.FrameMax
	if frameMax == 0 {
		frameMax = brokerFrameMax
	}
	c.maxFrameSize = frameMax
	c.decoder.setMaxFrameSize(frameMax)

	// 0 means no implied limit, except that forced by the 16-bit channel
	// id space.
	if body.ChannelMax == 0 {
		c.maxChannels = 0xFFFF
	} else {
		c.maxChannels = body.ChannelMax
	}

	c.initHeartbeats(body.Heartbeat)
	c.state = stateAwaitOpen
	return nil
}

func (c *connection) initHeartbeats(delay uint16) {
	c.heartbeatDelay = delay
	if delay > 0 {
		c.readIdleNanos.Store(int64(time.Duration(delay) * heartbeatTimeoutFactor * time.Second))
	} else {
		c.readIdleNanos.Store(0)
	}
}

func (c *connection) receiveConnectionOpen(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeConnectionOpen(reader)
	if err != nil {
		return c.sendConnectionClose(amqpError.SyntaxError, fmt.Sprintf("malformed connection.open: %v", err), 0)
	}

	if err := c.assertState(stateAwaitOpen); err != nil {
		return err
	}

	vh := c.server.resolveVHost(body.VirtualHost)
	if vh == nil {
		return c.sendConnectionClose(amqpError.NotFound,
			fmt.Sprintf("Unknown virtual host: '%s'", body.VirtualHost), 0)
	}

	if vh.State() != VHostActive {
		if redirect := c.server.portConfig.RedirectHost; redirect != "" {
			return c.sendConnectionCloseFrame(0,
				c.registry.createConnectionRedirectBody(redirect, ""))
		}
		return c.sendConnectionClose(amqpError.ConnectionForced,
			fmt.Sprintf("Virtual host '%s' is not active", vh.Name()), 0)
	}

	if err := vh.authoriseCreateConnection(c); err != nil {
		return c.sendConnectionClose(amqpError.AccessRefused, "Connection refused", 0)
	}

	c.vhost = vh
	vh.registerConnection(c)

	if err := c.writeFrame(FrameMethod, 0, encodeConnectionOpenOk(body.VirtualHost)); err != nil {
		return fmt.Errorf("sending connection.open-ok: %w", err)
	}
	c.state = stateOpen

	c.server.events.Message(logger.EventConnectionOpen,
		"connection %s opened by '%s' on vhost '%s' (%s %s)",
		c.remoteAddr(), c.username, vh.Name(), c.clientProduct, c.clientVersion)
	return nil
}

func (c *connection) receiveConnectionClose(channelId uint16, reader *bytes.Reader) error {
	body, err := decodeConnectionClose(reader)
	if err != nil {
		c.server.Warn("Malformed connection.close from %s: %v", c.remoteAddr(), err)
	} else {
		c.server.Debug("RECV ConnectionClose replyCode=%d replyText=%s", body.ReplyCode, body.ReplyText)
	}

	if c.orderlyClose.CompareAndSwap(false, true) {
		c.completeAndCloseAllChannels()
	}

	if err := c.writeFrame(FrameMethod, 0, c.registry.createConnectionCloseOkBody()); err != nil {
		c.server.Err("Error sending connection.close-ok to %s: %v", c.remoteAddr(), err)
	}
	c.closeNetwork()
	return errConnectionClosedGracefully
}

func (c *connection) receiveConnectionCloseOk(channelId uint16, reader *bytes.Reader) error {
	c.server.Debug("RECV ConnectionCloseOk from %s", c.remoteAddr())
	if timer := c.closeOkTimer.Swap(nil); timer != nil {
		timer.Stop()
	}
	c.closeNetwork()
	return errConnectionClosedGracefully
}

// ---- outbound close paths ----

// assertState verifies the handshake position; any out-of-state method
// yields Connection.Close(COMMAND_INVALID) and no transition.
func (c *connection) assertState(required connectionState) error {
	if c.state != required {
		return c.sendConnectionClose(amqpError.CommandInvalid, "Command Invalid", 0)
	}
	return nil
}

// sendConnectionClose initiates a server-side orderly close carrying the
// (class, method) recorded at dispatch time.
func (c *connection) sendConnectionClose(code amqpError.AmqpError, message string, channelId uint16) error {
	if c.registry == nil {
		c.closeNetwork()
		return errConnectionClosedGracefully
	}
	return c.sendConnectionCloseFrame(channelId,
		c.registry.createConnectionCloseBody(code.Code(), message, c.currentClassId, c.currentMethodId))
}

// sendConnectionCloseFrame performs the once-only orderly close: complete
// the in-flight buffer on touched channels, dissolve every channel, write
// the close frame and arm the Close-Ok timeout.
func (c *connection) sendConnectionCloseFrame(channelId uint16, payload []byte) error {
	if c.orderlyClose.CompareAndSwap(false, true) {
		c.markChannelAwaitingCloseOk(channelId)
		c.completeAndCloseAllChannels()

		if err := c.writeFrame(FrameMethod, 0, payload); err != nil {
			c.server.Err("Error writing connection.close to %s: %v", c.remoteAddr(), err)
		}

		timer := time.AfterFunc(closeOkTimeout, func() {
			c.server.Debug("Connection %s did not send Close-Ok within %v, dropping", c.remoteAddr(), closeOkTimeout)
			c.closeNetwork()
		})
		c.closeOkTimer.Store(timer)
	}
	return errConnectionCloseSentByServer
}

// sendConnectionCloseAsync schedules an orderly close from an arbitrary
// goroutine; the frame is written on the I/O thread.
func (c *connection) sendConnectionCloseAsync(code amqpError.AmqpError, message string) {
	c.addAsyncTask(func(conn *connection) {
		conn.sendConnectionClose(code, message, 0)
	})
}

// sendChannelClose is the channel-fatal error path: Channel.Close is
// written, the channel is dissolved and its id parked awaiting Close-Ok.
func (c *connection) sendChannelClose(channelId uint16, code amqpError.AmqpError, message string) error {
	payload := encodeChannelClose(code.Code(), message, c.currentClassId, c.currentMethodId)
	if err := c.writeFrame(FrameMethod, channelId, payload); err != nil {
		return err
	}

	if ch, ok := c.getChannel(channelId); ok && ch != nil {
		ch.closing.Store(true)
		ch.close()
		c.removeChannel(channelId)
	}
	c.markChannelAwaitingCloseOk(channelId)

	c.server.Info("Sent channel.close for channel %d: %d (%s) - %s", channelId, code.Code(), code.String(), message)
	return errChannelClosedByServer
}

// closed is the teardown path once the serve loop exits, whether the
// close was orderly or the network dropped.
func (c *connection) closed() {
	if !c.orderlyClose.Load() {
		c.completeAndCloseAllChannels()
	}

	if c.vhost != nil {
		c.vhost.deregisterConnection(c)
	}

	c.disposeSaslSession()
	if timer := c.closeOkTimer.Swap(nil); timer != nil {
		timer.Stop()
	}
	c.closeNetwork()

	if c.orderlyClose.Load() {
		c.server.events.Message(logger.EventConnectionClose, "connection %s closed", c.remoteAddr())
	} else {
		c.server.events.Message(logger.EventConnectionDropped, "connection %s dropped", c.remoteAddr())
	}
}

func (c *connection) closeNetwork() {
	c.closeNetOnce.Do(func() {
		c.networkClosed.Store(true)
		c.conn.Close()
	})
}

// ---- channel registry ----

func (c *connection) getChannel(channelId uint16) (*channel, bool) {
	v, ok := c.channelMap.Load(channelId)
	if !ok {
		return nil, false
	}
	return v.(*channel), true
}

func (c *connection) lookupChannel(channelId uint16) (*channel, channelLookupResult) {
	if ch, ok := c.getChannel(channelId); ok {
		if ch.isClosing() {
			return nil, channelClosing
		}
		return ch, channelFound
	}
	if c.channelAwaitingClosure(channelId) {
		return nil, channelClosing
	}
	return nil, channelMissing
}

func (c *connection) channelAwaitingClosure(channelId uint16) bool {
	_, ok := c.closingChannels.Load(channelId)
	return ok
}

func (c *connection) addChannel(ch *channel) {
	c.channelAddRemoveMu.Lock()
	defer c.channelAddRemoveMu.Unlock()
	c.channelMap.Store(ch.id, ch)
	if c.blocking {
		ch.block()
	}
}

func (c *connection) removeChannel(channelId uint16) {
	c.channelAddRemoveMu.Lock()
	defer c.channelAddRemoveMu.Unlock()
	c.channelMap.Delete(channelId)
}

func (c *connection) markChannelAwaitingCloseOk(channelId uint16) {
	c.closingChannels.Store(channelId, time.Now())
}

func (c *connection) closeChannelOk(channelId uint16) {
	c.closingChannels.Delete(channelId)
}

func (c *connection) sessionModels() []*channel {
	var sessions []*channel
	c.channelMap.Range(func(_, v any) bool {
		sessions = append(sessions, v.(*channel))
		return true
	})
	return sessions
}

// channelMethod routes a channel-scoped method through the lookup
// variant: Missing is a connection error, Closing swallows everything but
// the Close-Ok.
func (c *connection) channelMethod(channelId uint16, fn func(ch *channel) error) error {
	if channelId == 0 {
		return c.sendConnectionClose(amqpError.CommandInvalid,
			"command invalid - channel 0 is for Connection class only", 0)
	}
	if err := c.assertState(stateOpen); err != nil {
		return err
	}

	ch, lookup := c.lookupChannel(channelId)
	switch lookup {
	case channelMissing:
		return c.sendConnectionClose(amqpError.ChannelError,
			fmt.Sprintf("Unknown channel id: %d", channelId), channelId)
	case channelClosing:
		return nil
	}

	c.channelRequiresSync(ch)
	return fn(ch)
}

// channelRequiresSync records that the current inbound buffer applied to
// the channel so receivedComplete reaches it exactly once.
func (c *connection) channelRequiresSync(ch *channel) {
	c.touched[ch] = struct{}{}
}

// receivedCompleteAllChannels calls receivedComplete on every touched
// channel; the first failure is kept and rethrown after all channels ran
// so no channel is skipped.
func (c *connection) receivedCompleteAllChannels() error {
	var firstErr error
	for ch := range c.touched {
		if err := ch.receivedComplete(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if !errors.Is(err, errChannelClosedByServer) && !errors.Is(err, errConnectionCloseSentByServer) {
				c.server.Err("Error informing channel %d that receiving is complete: %v", ch.id, err)
			}
		}
	}
	clear(c.touched)
	return firstErr
}

func (c *connection) closeAllChannels() {
	for _, ch := range c.sessionModels() {
		ch.closing.Store(true)
		ch.close()
	}
	c.channelAddRemoveMu.Lock()
	c.channelMap.Range(func(k, _ any) bool {
		c.channelMap.Delete(k)
		return true
	})
	c.channelAddRemoveMu.Unlock()
}

func (c *connection) completeAndCloseAllChannels() {
	defer c.closeAllChannels()
	if err := c.receivedCompleteAllChannels(); err != nil &&
		!errors.Is(err, errChannelClosedByServer) && !errors.Is(err, errConnectionCloseSentByServer) {
		c.server.Err("Error completing channels during close: %v", err)
	}
}

// block pauses all channels; producers into this connection's consumers
// stop being offered deliveries until unblock.
func (c *connection) block() {
	c.channelAddRemoveMu.Lock()
	defer c.channelAddRemoveMu.Unlock()
	if !c.blocking {
		c.blocking = true
		c.channelMap.Range(func(_, v any) bool {
			v.(*channel).block()
			return true
		})
	}
}

func (c *connection) unblock() {
	c.channelAddRemoveMu.Lock()
	defer c.channelAddRemoveMu.Unlock()
	if c.blocking {
		c.blocking = false
		c.channelMap.Range(func(_, v any) bool {
			v.(*channel).unblock()
			return true
		})
	}
}

// setTransportBlockedForWriting flips the transport-writable flag and
// notifies every channel.
func (c *connection) setTransportBlockedForWriting(blocked bool) {
	if c.transportBlocked.Load() != blocked {
		c.transportBlocked.Store(blocked)
		c.channelMap.Range(func(_, v any) bool {
			v.(*channel).transportStateChanged()
			return true
		})
	}
}

// ---- work notifier ----

func (c *connection) hasWork() bool {
	return c.stateChanged.Load()
}

func (c *connection) notifyWork() {
	c.stateChanged.Store(true)
	if listener := c.workListener.Load(); listener != nil {
		(*listener)(c)
	}
}

func (c *connection) clearWork() {
	c.stateChanged.Store(false)
}

func (c *connection) setWorkListener(listener *action) {
	c.workListener.Store(listener)
}

func (c *connection) addAsyncTask(task action) {
	c.asyncMu.Lock()
	c.asyncTasks = append(c.asyncTasks, task)
	c.asyncMu.Unlock()
	c.notifyWork()
}

func (c *connection) popAsyncTask() action {
	c.asyncMu.Lock()
	defer c.asyncMu.Unlock()
	if len(c.asyncTasks) == 0 {
		return nil
	}
	task := c.asyncTasks[0]
	c.asyncTasks = c.asyncTasks[1:]
	return task
}

// processPendingIterator yields the connection's outbound work as a lazy
// sequence: channels with pending deliveries in round-robin order, then
// the async task FIFO. Off the I/O goroutine the sequence is empty.
type processPendingIterator struct {
	conn     *connection
	sessions []*channel
	idx      int
}

func (c *connection) processPendingIterator() *processPendingIterator {
	if curGoroutineID() != c.ioGoroutineID.Load() {
		return &processPendingIterator{}
	}
	c.clearWork()
	return &processPendingIterator{conn: c, sessions: c.sessionModels()}
}

func (it *processPendingIterator) next() (func(), bool) {
	if it.conn == nil {
		return nil, false
	}
	if len(it.sessions) > 0 {
		if it.idx >= len(it.sessions) {
			it.idx = 0
		}
		ch := it.sessions[it.idx]
		return func() {
			if ch.processPending() {
				it.idx++
			} else {
				it.sessions = append(it.sessions[:it.idx], it.sessions[it.idx+1:]...)
			}
		}, true
	}
	if task := it.conn.popAsyncTask(); task != nil {
		return func() { task(it.conn) }, true
	}
	return nil, false
}

func (c *connection) processAllPending() {
	it := c.processPendingIterator()
	for {
		run, ok := it.next()
		if !ok {
			return
		}
		run()
	}
}

// ---- outbound writes ----

// writeFrame writes a single frame and flushes unless flushing is
// deferred for the current batch.
func (c *connection) writeFrame(frameType byte, channelId uint16, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.writeFrameInternal(frameType, channelId, payload); err != nil {
		return err
	}
	return c.flushLocked()
}

// writeFrameInternal appends one frame to the buffered writer without
// locking or flushing; callers hold writeMu and flush once per batch.
func (c *connection) writeFrameInternal(frameType byte, channelId uint16, payload []byte) error {
	header := make([]byte, 7)
	header[0] = frameType
	binary.BigEndian.PutUint16(header[1:3], channelId)
	binary.BigEndian.PutUint32(header[3:7], uint32(len(payload)))

	if _, err := c.writer.Write(header); err != nil {
		return fmt.Errorf("error writing frame header to buffer: %w", err)
	}
	if _, err := c.writer.Write(payload); err != nil {
		return fmt.Errorf("error writing frame payload to buffer: %w", err)
	}
	if err := c.writer.WriteByte(FrameEnd); err != nil {
		return fmt.Errorf("error writing frame end to buffer: %w", err)
	}
	return nil
}

func (c *connection) flushLocked() error {
	c.lastWriteTime.Store(time.Now().UnixNano())
	if c.deferFlush {
		return nil
	}
	return c.writer.Flush()
}

// flushWriter forces out anything buffered; the serve loop calls it at
// batch boundaries so deferred flushes still drain.
func (c *connection) flushWriter() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.Flush()
}

func (c *connection) setDeferFlush(deferFlush bool) {
	c.deferFlush = deferFlush
}

// writeRaw writes unframed octets (the protocol-initiation reply).
func (c *connection) writeRaw(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writer.Write(data)
	c.writer.Flush()
}

// ---- client properties ----

// setClientProperties captures the Start-Ok client properties, including
// the old-qpid-client detection for the Queue.Delete-Ok workaround.
func (c *connection) setClientProperties(props map[string]interface{}) {
	if props == nil {
		return
	}

	if v, ok := tableString(props, clientPropCloseWhenNoRoute); ok {
		c.closeWhenNoRoute = v == "true"
		c.server.Debug("Client set closeWhenNoRoute=%v for connection %s", c.closeWhenNoRoute, c.remoteAddr())
	}
	if v, ok := tableString(props, clientPropCompressionSupported); ok {
		c.compressionSupported = v == "true"
		c.server.Debug("Client set compressionSupported=%v for connection %s", c.compressionSupported, c.remoteAddr())
	}

	c.clientProduct, _ = tableString(props, clientPropProduct)
	c.clientVersion, _ = tableString(props, clientPropVersion)
	c.clientPid, _ = tableString(props, clientPropPid)

	lowerProduct := strings.ToLower(c.clientProduct)
	mightBeQpidClient := c.clientProduct != "" &&
		(strings.Contains(lowerProduct, "qpid") || lowerProduct == "unknown")
	c.sendQueueDeleteOkRegardless = mightBeQpidClient &&
		(c.clientVersion == "" || c.server.queueDeleteOkRegardlessVersion(c.clientVersion))

	if c.sendQueueDeleteOkRegardless {
		c.server.Debug("Peer is an older Qpid client, queue delete-ok response will be sent regardless for connection %s", c.remoteAddr())
	}
}
