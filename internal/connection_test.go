package internal

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbohinc/burrow-mq/config"
)

func quietLogging() ServerOption {
	return WithLoggingConfig(config.LoggingConfig{DisableLogging: true})
}

func guestAuth() ServerOption {
	return WithAuth(map[string]string{"guest": "guest"})
}

func TestHandshake_HappyPath(t *testing.T) {
	_, addr, cleanup := setupAndReturnTestServer(t, quietLogging(), guestAuth())
	defer cleanup()

	tc := dialTestClient(t, addr)
	defer tc.close()

	tc.sendProtocolHeader([]byte("AMQP\x00\x00\x09\x01"))

	// Connection.Start: version 0-9, server properties, mechanisms, locales
	start := tc.expectMethod(ClassConnection, MethodConnectionStart)
	major, err := start.ReadByte()
	require.NoError(t, err)
	minor, err := start.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0), major)
	assert.Equal(t, byte(9), minor)

	serverProps, err := readTable(start)
	require.NoError(t, err)
	assert.Contains(t, serverProps, "product")
	assert.Contains(t, serverProps, "version")
	assert.Contains(t, serverProps, "qpid.build")
	assert.Contains(t, serverProps, "qpid.instance_name")
	assert.Contains(t, serverProps, "qpid.close_when_no_route")
	assert.Contains(t, serverProps, "qpid.message_compression_supported")
	assert.Contains(t, serverProps, "qpid.confirmed_publish_supported")
	assert.Contains(t, serverProps, "qpid.virtualhost_properties_supported")

	mechanisms, err := readLongString(start)
	require.NoError(t, err)
	assert.Contains(t, mechanisms, "PLAIN")

	locales, err := readLongString(start)
	require.NoError(t, err)
	assert.Equal(t, "en_US", locales)

	// Start-Ok with PLAIN credentials -> Tune(256, 65536, 60)
	tc.sendMethod(0, encodeStartOk(nil, "PLAIN", plainResponse("guest", "guest"), "en_US"))

	tune := tc.expectMethod(ClassConnection, MethodConnectionTune)
	var channelMax uint16
	var frameMax uint32
	var heartbeat uint16
	require.NoError(t, readBinary(tune, &channelMax))
	require.NoError(t, readBinary(tune, &frameMax))
	require.NoError(t, readBinary(tune, &heartbeat))
	assert.Equal(t, uint16(256), channelMax)
	assert.Equal(t, uint32(65536), frameMax)
	assert.Equal(t, uint16(60), heartbeat)

	// Tune-Ok then Open -> Open-Ok
	tc.sendMethod(0, encodeTuneOk(256, 65536, 60))
	tc.sendMethod(0, encodeOpen("/"))
	tc.expectMethod(ClassConnection, MethodConnectionOpenOk)
}

func TestHandshake_VersionMismatch(t *testing.T) {
	_, addr, cleanup := setupAndReturnTestServer(t, quietLogging())
	defer cleanup()

	tc := dialTestClient(t, addr)
	defer tc.close()

	// 0-10 is not supported: the broker replies with its latest
	// supported header and closes the socket.
	tc.sendProtocolHeader([]byte("AMQP\x00\x00\x0a\x00"))

	reply := tc.readRaw(8)
	assert.Equal(t, []byte("AMQP\x00\x00\x09\x01"), reply)

	tc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := tc.conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF, "socket must be closed after the version reply")
}

func TestHandshake_TuneOkBelowMinimumFrameSize(t *testing.T) {
	_, addr, cleanup := setupAndReturnTestServer(t, quietLogging(), guestAuth())
	defer cleanup()

	tc := dialTestClient(t, addr)
	defer tc.close()

	tc.sendProtocolHeader([]byte("AMQP\x00\x00\x09\x01"))
	tc.expectMethod(ClassConnection, MethodConnectionStart)
	tc.sendMethod(0, encodeStartOk(nil, "PLAIN", plainResponse("guest", "guest"), "en_US"))
	tc.expectMethod(ClassConnection, MethodConnectionTune)

	tc.sendMethod(0, encodeTuneOk(0, 1024, 0))

	reader := tc.expectMethod(ClassConnection, MethodConnectionClose)
	body, err := decodeConnectionClose(reader)
	require.NoError(t, err)
	assert.Equal(t, uint16(502), body.ReplyCode)
	assert.Equal(t,
		"Attempt to set max frame size to 1024 which is smaller than the specification defined minimum: 4096",
		body.ReplyText)
}

func TestHandshake_TuneOkAboveBrokerMax(t *testing.T) {
	_, addr, cleanup := setupAndReturnTestServer(t, quietLogging(), guestAuth())
	defer cleanup()

	tc := dialTestClient(t, addr)
	defer tc.close()

	tc.sendProtocolHeader([]byte("AMQP\x00\x00\x09\x01"))
	tc.expectMethod(ClassConnection, MethodConnectionStart)
	tc.sendMethod(0, encodeStartOk(nil, "PLAIN", plainResponse("guest", "guest"), "en_US"))
	tc.expectMethod(ClassConnection, MethodConnectionTune)

	tc.sendMethod(0, encodeTuneOk(0, 1<<20, 0))

	reader := tc.expectMethod(ClassConnection, MethodConnectionClose)
	body, err := decodeConnectionClose(reader)
	require.NoError(t, err)
	assert.Equal(t, uint16(502), body.ReplyCode)
	assert.Contains(t, body.ReplyText, "greater than the broker will allow: 65536")
}

func TestHandshake_OutOfStateMethod(t *testing.T) {
	_, addr, cleanup := setupAndReturnTestServer(t, quietLogging(), guestAuth())
	defer cleanup()

	tc := dialTestClient(t, addr)
	defer tc.close()

	tc.sendProtocolHeader([]byte("AMQP\x00\x00\x09\x01"))
	tc.expectMethod(ClassConnection, MethodConnectionStart)

	// Tune-Ok while the broker expects Start-Ok
	tc.sendMethod(0, encodeTuneOk(0, 65536, 0))

	reader := tc.expectMethod(ClassConnection, MethodConnectionClose)
	body, err := decodeConnectionClose(reader)
	require.NoError(t, err)
	assert.Equal(t, uint16(503), body.ReplyCode)
	assert.Equal(t, "Command Invalid", body.ReplyText)
}

func TestHandshake_BadCredentials(t *testing.T) {
	_, addr, cleanup := setupAndReturnTestServer(t, quietLogging(), guestAuth())
	defer cleanup()

	tc := dialTestClient(t, addr)
	defer tc.close()

	tc.sendProtocolHeader([]byte("AMQP\x00\x00\x09\x01"))
	tc.expectMethod(ClassConnection, MethodConnectionStart)
	tc.sendMethod(0, encodeStartOk(nil, "PLAIN", plainResponse("guest", "nope"), "en_US"))

	reader := tc.expectMethod(ClassConnection, MethodConnectionClose)
	body, err := decodeConnectionClose(reader)
	require.NoError(t, err)
	assert.Equal(t, uint16(530), body.ReplyCode)
	assert.Equal(t, "Authentication failed", body.ReplyText)
}

func TestHandshake_UnknownVHost(t *testing.T) {
	_, addr, cleanup := setupAndReturnTestServer(t, quietLogging(), guestAuth())
	defer cleanup()

	tc := dialTestClient(t, addr)
	defer tc.close()

	tc.sendProtocolHeader([]byte("AMQP\x00\x00\x09\x01"))
	tc.expectMethod(ClassConnection, MethodConnectionStart)
	tc.sendMethod(0, encodeStartOk(nil, "PLAIN", plainResponse("guest", "guest"), "en_US"))
	tc.expectMethod(ClassConnection, MethodConnectionTune)
	tc.sendMethod(0, encodeTuneOk(0, 65536, 0))
	tc.sendMethod(0, encodeOpen("/no-such-vhost"))

	reader := tc.expectMethod(ClassConnection, MethodConnectionClose)
	body, err := decodeConnectionClose(reader)
	require.NoError(t, err)
	assert.Equal(t, uint16(404), body.ReplyCode)
	assert.Contains(t, body.ReplyText, "Unknown virtual host: '/no-such-vhost'")
}

func TestChannel_DuplicateOpenRejected(t *testing.T) {
	_, addr, cleanup := setupAndReturnTestServer(t, quietLogging(), guestAuth())
	defer cleanup()

	tc := dialTestClient(t, addr)
	defer tc.close()
	tc.handshake("guest", "guest", 0, 65536, 0)

	tc.sendMethod(1, encodeTestChannelOpen())
	tc.expectMethod(ClassChannel, MethodChannelOpenOk)

	tc.sendMethod(1, encodeTestChannelOpen())
	reader := tc.expectMethod(ClassConnection, MethodConnectionClose)
	body, err := decodeConnectionClose(reader)
	require.NoError(t, err)
	assert.Equal(t, uint16(504), body.ReplyCode)
	assert.Equal(t, "Channel 1 already exists", body.ReplyText)
}

func TestChannel_IdAboveNegotiatedMax(t *testing.T) {
	_, addr, cleanup := setupAndReturnTestServer(t, quietLogging(), guestAuth())
	defer cleanup()

	tc := dialTestClient(t, addr)
	defer tc.close()
	tc.handshake("guest", "guest", 10, 65536, 0)

	tc.sendMethod(11, encodeTestChannelOpen())
	reader := tc.expectMethod(ClassConnection, MethodConnectionClose)
	body, err := decodeConnectionClose(reader)
	require.NoError(t, err)
	assert.Equal(t, uint16(504), body.ReplyCode)
	assert.Equal(t, "Channel 11 cannot be created as the max allowed channel id is 10", body.ReplyText)
}

func TestChannel_UnknownChannelId(t *testing.T) {
	_, addr, cleanup := setupAndReturnTestServer(t, quietLogging(), guestAuth())
	defer cleanup()

	tc := dialTestClient(t, addr)
	defer tc.close()
	tc.handshake("guest", "guest", 0, 65536, 0)

	// basic.qos on a channel that was never opened
	payload := newMethodBuffer(ClassBasic, MethodBasicQos)
	payload.Write([]byte{0, 0, 0, 0, 0, 0, 0}) // prefetch-size, prefetch-count, bits
	tc.sendMethod(5, payload.Bytes())

	reader := tc.expectMethod(ClassConnection, MethodConnectionClose)
	body, err := decodeConnectionClose(reader)
	require.NoError(t, err)
	assert.Equal(t, uint16(504), body.ReplyCode)
	assert.Equal(t, "Unknown channel id: 5", body.ReplyText)
	assert.Equal(t, uint16(ClassBasic), body.ClassId, "close must carry the offending class")
	assert.Equal(t, uint16(MethodBasicQos), body.MethodId, "close must carry the offending method")
}

func TestConnection_ClientInitiatedClose(t *testing.T) {
	_, addr, cleanup := setupAndReturnTestServer(t, quietLogging(), guestAuth())
	defer cleanup()

	tc := dialTestClient(t, addr)
	defer tc.close()
	tc.handshake("guest", "guest", 0, 65536, 0)

	closePayload := newMethodBuffer(ClassConnection, MethodConnectionClose)
	closePayload.Write([]byte{0, 200})
	writeShortString(closePayload, "bye")
	closePayload.Write([]byte{0, 0, 0, 0})
	tc.sendMethod(0, closePayload.Bytes())

	tc.expectMethod(ClassConnection, MethodConnectionCloseOk)
}

func TestHandshake_CramMD5Continuation(t *testing.T) {
	_, addr, cleanup := setupAndReturnTestServer(t, quietLogging(), WithAuth(map[string]string{"alice": "s3cret"}))
	defer cleanup()

	tc := dialTestClient(t, addr)
	defer tc.close()

	tc.sendProtocolHeader([]byte("AMQP\x00\x00\x09\x01"))
	start := tc.expectMethod(ClassConnection, MethodConnectionStart)
	start.ReadByte()
	start.ReadByte()
	_, err := readTable(start)
	require.NoError(t, err)
	mechanisms, err := readLongString(start)
	require.NoError(t, err)
	assert.Contains(t, mechanisms, "CRAM-MD5")

	// CRAM-MD5 carries no initial response: the broker continues with
	// Connection.Secure.
	tc.sendMethod(0, encodeStartOk(nil, "CRAM-MD5", nil, "en_US"))

	secure := tc.expectMethod(ClassConnection, MethodConnectionSecure)
	challenge, err := readLongStringBytes(secure)
	require.NoError(t, err)
	require.NotEmpty(t, challenge)

	digest := cramMD5Digest("s3cret", challenge)
	secureOk := newMethodBuffer(ClassConnection, MethodConnectionSecureOk)
	writeLongString(secureOk, []byte("alice "+digest))
	tc.sendMethod(0, secureOk.Bytes())

	tc.expectMethod(ClassConnection, MethodConnectionTune)
	tc.sendMethod(0, encodeTuneOk(0, 65536, 0))
	tc.sendMethod(0, encodeOpen("/"))
	tc.expectMethod(ClassConnection, MethodConnectionOpenOk)
}

func TestAdmission_RejectionBeforeHandshake(t *testing.T) {
	_, addr, cleanup := setupAndReturnTestServer(t, quietLogging(), guestAuth(),
		WithPortConfig(config.PortConfig{MaxOpenConnections: 1}))
	defer cleanup()

	first := dialTestClient(t, addr)
	defer first.close()
	first.handshake("guest", "guest", 0, 65536, 0)

	// The second connection is refused before any handshake traffic.
	second := dialTestClient(t, addr)
	defer second.close()
	second.sendProtocolHeader([]byte("AMQP\x00\x00\x09\x01"))

	second.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8)
	_, err := second.conn.Read(buf)
	assert.Error(t, err, "rejected connection must be closed without a reply")
}

func TestConnection_OrderlyCloseOnceOnly(t *testing.T) {
	c, client := newPipedConnection(t)

	var collected []*frame
	done := make(chan struct{})
	go func() {
		defer close(done)
		dec := framedDecoder(0)
		buf := make([]byte, 65536)
		for {
			client.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, err := client.Read(buf)
			if err != nil {
				return
			}
			events, err := dec.Decode(buf[:n])
			if err != nil {
				return
			}
			for _, ev := range events {
				collected = append(collected, ev.Frame)
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.sendConnectionClose(503, "Command Invalid", 0)
			assert.ErrorIs(t, err, errConnectionCloseSentByServer)
		}()
	}
	wg.Wait()

	// Give the reader a moment, then close the transport to release it.
	time.Sleep(100 * time.Millisecond)
	client.Close()
	<-done

	closeFrames := 0
	for _, f := range collected {
		if f.Type == FrameMethod && len(f.Payload) >= 4 &&
			f.Payload[1] == ClassConnection && f.Payload[3] == MethodConnectionClose {
			closeFrames++
		}
	}
	assert.Equal(t, 1, closeFrames, "two concurrent orderly closes must produce exactly one close frame")
	assert.True(t, c.isClosing())
}

func TestConnection_ProcessPendingOffIOThreadIsEmpty(t *testing.T) {
	c, _ := newPipedConnection(t)

	executed := false
	c.addAsyncTask(func(*connection) { executed = true })

	// Not the registered I/O goroutine: the iterator must be empty.
	c.ioGoroutineID.Store(1 << 62)
	it := c.processPendingIterator()
	_, ok := it.next()
	assert.False(t, ok)
	assert.False(t, executed)

	// On the I/O goroutine the task drains.
	c.ioGoroutineID.Store(curGoroutineID())
	c.processAllPending()
	assert.True(t, executed)
}

func TestConnection_AsyncTaskFIFO(t *testing.T) {
	c, _ := newPipedConnection(t)
	c.ioGoroutineID.Store(curGoroutineID())

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		c.addAsyncTask(func(*connection) { order = append(order, i) })
	}
	assert.True(t, c.hasWork())

	c.processAllPending()
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.False(t, c.hasWork(), "drain clears the level-triggered flag")
}

func TestConnection_WorkListenerInvoked(t *testing.T) {
	c, _ := newPipedConnection(t)

	notified := 0
	listener := action(func(*connection) { notified++ })
	c.setWorkListener(&listener)

	c.notifyWork()
	c.notifyWork()
	assert.Equal(t, 2, notified)
	assert.True(t, c.hasWork())
	c.clearWork()
	assert.False(t, c.hasWork())
}
