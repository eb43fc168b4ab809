package internal

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testRand = rand.New(rand.NewSource(time.Now().UnixNano())) // For unique names

// Helper to generate unique names for exchanges, queues, etc.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), testRand.Intn(10000))
}

// Helper to start a server on an ephemeral port and return its address
// and a cleanup function
func setupAndReturnTestServer(t *testing.T, opts ...ServerOption) (s *server, addr string, cleanup func()) {
	t.Helper()
	s = NewServer(opts...)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := s.Start("127.0.0.1:0"); err != nil {
			t.Logf("Test server returned error: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.IsReady() {
		if time.Now().After(deadline) {
			t.Fatal("test server did not become ready")
		}
		time.Sleep(5 * time.Millisecond)
	}
	addr = s.listener.Addr().String()

	cleanup = func() {
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				t.Logf("Error closing test server listener on %s: %v", addr, err)
			}
		}

		select {
		case <-serverDone:
		case <-time.After(1 * time.Second):
			t.Logf("Warning: Server goroutine did not exit within timeout for %s", addr)
		}
	}

	return s, addr, cleanup
}

// testClient is a raw AMQP client speaking frames directly; it exists so
// tests can drive the handshake octet by octet.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	decoder *frameDecoder
	queued  []*frame
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err, "dialing test server")

	dec := newFrameDecoder(0)
	dec.setExpectProtocolInitiation(false)
	return &testClient{t: t, conn: conn, decoder: dec}
}

func (tc *testClient) close() {
	tc.conn.Close()
}

func (tc *testClient) sendRaw(data []byte) {
	tc.t.Helper()
	_, err := tc.conn.Write(data)
	require.NoError(tc.t, err, "writing to test server")
}

func (tc *testClient) sendProtocolHeader(header []byte) {
	tc.sendRaw(header)
}

func (tc *testClient) sendFrame(frameType byte, channel uint16, payload []byte) {
	tc.sendRaw(encodeFrame(&frame{Type: frameType, Channel: channel, Payload: payload}))
}

func (tc *testClient) sendMethod(channel uint16, payload []byte) {
	tc.sendFrame(FrameMethod, channel, payload)
}

// readFrame blocks for the next complete frame from the server.
func (tc *testClient) readFrame() *frame {
	tc.t.Helper()
	for {
		if len(tc.queued) > 0 {
			f := tc.queued[0]
			tc.queued = tc.queued[1:]
			return f
		}

		buf := make([]byte, 4096)
		tc.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		n, err := tc.conn.Read(buf)
		require.NoError(tc.t, err, "reading from test server")

		events, err := tc.decoder.Decode(buf[:n])
		require.NoError(tc.t, err, "decoding server frames")
		for _, ev := range events {
			tc.queued = append(tc.queued, ev.Frame)
		}
	}
}

// readRaw reads whatever the server sends next without framing; used for
// the protocol-initiation rejection reply.
func (tc *testClient) readRaw(n int) []byte {
	tc.t.Helper()
	buf := make([]byte, n)
	tc.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := tc.conn.Read(buf)
	require.NoError(tc.t, err, "reading raw bytes from test server")
	return buf
}

// expectMethod asserts the next frame is the given method and returns a
// reader positioned after the class and method ids.
func (tc *testClient) expectMethod(classId, methodId uint16) *bytes.Reader {
	tc.t.Helper()
	f := tc.readFrame()
	require.Equal(tc.t, byte(FrameMethod), f.Type, "expected a method frame")

	reader := bytes.NewReader(f.Payload)
	var gotClass, gotMethod uint16
	require.NoError(tc.t, binary.Read(reader, binary.BigEndian, &gotClass))
	require.NoError(tc.t, binary.Read(reader, binary.BigEndian, &gotMethod))
	require.Equal(tc.t, classId, gotClass, "unexpected class id (method %s)", getFullMethodName(gotClass, gotMethod))
	require.Equal(tc.t, methodId, gotMethod, "unexpected method id (method %s)", getFullMethodName(gotClass, gotMethod))
	return reader
}

func readBinary(r *bytes.Reader, v any) error {
	return binary.Read(r, binary.BigEndian, v)
}

// cramMD5Digest computes the client-side CRAM-MD5 proof.
func cramMD5Digest(password string, challenge []byte) string {
	mac := hmac.New(md5.New, []byte(password))
	mac.Write(challenge)
	return hex.EncodeToString(mac.Sum(nil))
}

// encodeStartOk builds a client connection.start-ok payload.
func encodeStartOk(clientProperties map[string]interface{}, mechanism string, response []byte, locale string) []byte {
	payload := newMethodBuffer(ClassConnection, MethodConnectionStartOk)
	writeTable(payload, clientProperties)
	writeShortString(payload, mechanism)
	writeLongString(payload, response)
	writeShortString(payload, locale)
	return payload.Bytes()
}

// encodeTuneOk builds a client connection.tune-ok payload.
func encodeTuneOk(channelMax uint16, frameMax uint32, heartbeat uint16) []byte {
	payload := newMethodBuffer(ClassConnection, MethodConnectionTuneOk)
	binary.Write(payload, binary.BigEndian, channelMax)
	binary.Write(payload, binary.BigEndian, frameMax)
	binary.Write(payload, binary.BigEndian, heartbeat)
	return payload.Bytes()
}

// encodeOpen builds a client connection.open payload.
func encodeOpen(vhost string) []byte {
	payload := newMethodBuffer(ClassConnection, MethodConnectionOpen)
	writeShortString(payload, vhost)
	writeShortString(payload, "")
	payload.WriteByte(0)
	return payload.Bytes()
}

// encodeTestChannelOpen builds a client channel.open payload.
func encodeTestChannelOpen() []byte {
	payload := newMethodBuffer(ClassChannel, MethodChannelOpen)
	writeShortString(payload, "")
	return payload.Bytes()
}

// plainResponse builds the SASL PLAIN initial response.
func plainResponse(user, pass string) []byte {
	resp := make([]byte, 0, len(user)+len(pass)+2)
	resp = append(resp, 0)
	resp = append(resp, []byte(user)...)
	resp = append(resp, 0)
	resp = append(resp, []byte(pass)...)
	return resp
}

// handshake drives the connection through the full happy path up to OPEN
// with PLAIN authentication and the given Tune-Ok values.
func (tc *testClient) handshake(user, pass string, channelMax uint16, frameMax uint32, heartbeat uint16) {
	tc.t.Helper()

	tc.sendProtocolHeader([]byte("AMQP\x00\x00\x09\x01"))
	tc.expectMethod(ClassConnection, MethodConnectionStart)

	tc.sendMethod(0, encodeStartOk(nil, "PLAIN", plainResponse(user, pass), "en_US"))
	tc.expectMethod(ClassConnection, MethodConnectionTune)

	tc.sendMethod(0, encodeTuneOk(channelMax, frameMax, heartbeat))
	tc.sendMethod(0, encodeOpen("/"))
	tc.expectMethod(ClassConnection, MethodConnectionOpenOk)
}
