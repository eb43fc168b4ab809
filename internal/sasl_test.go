package internal

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbohinc/burrow-mq/config"
)

func TestSaslPlain_Success(t *testing.T) {
	auth := newAuthenticator(config.AuthModePlain, map[string]string{"guest": "guest"})

	session := auth.CreateSession("PLAIN")
	require.NotNil(t, session)

	result := session.Authenticate(plainResponse("guest", "guest"))
	assert.Equal(t, authSuccess, result.Status)
	assert.Equal(t, "guest", result.Username)
}

func TestSaslPlain_BadPassword(t *testing.T) {
	auth := newAuthenticator(config.AuthModePlain, map[string]string{"guest": "guest"})

	result := auth.CreateSession("PLAIN").Authenticate(plainResponse("guest", "wrong"))
	assert.Equal(t, authError, result.Status)
	assert.Error(t, result.Cause)
}

func TestSaslPlain_UnknownUser(t *testing.T) {
	auth := newAuthenticator(config.AuthModePlain, map[string]string{"guest": "guest"})

	result := auth.CreateSession("PLAIN").Authenticate(plainResponse("nobody", "guest"))
	assert.Equal(t, authError, result.Status)
}

func TestSaslPlain_MalformedResponse(t *testing.T) {
	auth := newAuthenticator(config.AuthModePlain, map[string]string{"guest": "guest"})

	result := auth.CreateSession("PLAIN").Authenticate([]byte("no separators"))
	assert.Equal(t, authError, result.Status)
}

func TestSaslPlain_EmptyResponseYieldsChallenge(t *testing.T) {
	auth := newAuthenticator(config.AuthModePlain, map[string]string{"guest": "guest"})

	session := auth.CreateSession("PLAIN")
	result := session.Authenticate(nil)
	assert.Equal(t, authContinue, result.Status, "PLAIN without an initial response continues via secure")

	result = session.Authenticate(plainResponse("guest", "guest"))
	assert.Equal(t, authSuccess, result.Status)
}

func TestSaslPlain_NoneModeAcceptsAnything(t *testing.T) {
	auth := newAuthenticator(config.AuthModeNone, nil)

	result := auth.CreateSession("PLAIN").Authenticate(plainResponse("anyone", "anything"))
	assert.Equal(t, authSuccess, result.Status)
	assert.Equal(t, "anyone", result.Username)
}

func TestSaslCramMD5_ChallengeRoundTrip(t *testing.T) {
	auth := newAuthenticator(config.AuthModePlain, map[string]string{"alice": "s3cret"})

	session := auth.CreateSession("CRAM-MD5")
	require.NotNil(t, session)

	// The Start-Ok response is empty for CRAM-MD5; the server answers
	// with a challenge.
	first := session.Authenticate(nil)
	require.Equal(t, authContinue, first.Status)
	require.NotEmpty(t, first.Challenge)

	mac := hmac.New(md5.New, []byte("s3cret"))
	mac.Write(first.Challenge)
	digest := hex.EncodeToString(mac.Sum(nil))

	second := session.Authenticate([]byte("alice " + digest))
	assert.Equal(t, authSuccess, second.Status)
	assert.Equal(t, "alice", second.Username)
}

func TestSaslCramMD5_BadDigest(t *testing.T) {
	auth := newAuthenticator(config.AuthModePlain, map[string]string{"alice": "s3cret"})

	session := auth.CreateSession("CRAM-MD5")
	first := session.Authenticate(nil)
	require.Equal(t, authContinue, first.Status)

	second := session.Authenticate([]byte("alice deadbeefdeadbeefdeadbeefdeadbeef"))
	assert.Equal(t, authError, second.Status)
}

func TestSasl_MechanismList(t *testing.T) {
	withAuth := newAuthenticator(config.AuthModePlain, map[string]string{"a": "b"})
	assert.Equal(t, "PLAIN CRAM-MD5", withAuth.Mechanisms())

	noAuth := newAuthenticator(config.AuthModeNone, nil)
	assert.Equal(t, "PLAIN", noAuth.Mechanisms())
	assert.Nil(t, noAuth.CreateSession("CRAM-MD5"), "CRAM-MD5 needs stored credentials")
}

func TestSasl_UnknownMechanism(t *testing.T) {
	auth := newAuthenticator(config.AuthModePlain, map[string]string{"a": "b"})
	assert.Nil(t, auth.CreateSession("GSSAPI"))
}
