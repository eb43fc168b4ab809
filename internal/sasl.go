package internal

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vbohinc/burrow-mq/config"
)

const (
	mechanismPlain   = "PLAIN"
	mechanismCramMD5 = "CRAM-MD5"
)

type authStatus int

const (
	authSuccess authStatus = iota
	authContinue
	authError
)

// authResult is the outcome of one SASL exchange step.
type authResult struct {
	Status    authStatus
	Challenge []byte
	Username  string
	Cause     error
}

// saslSession is one in-flight SASL negotiation. Sessions are single-use:
// the connection disposes them on any terminal result.
type saslSession interface {
	Mechanism() string
	// Authenticate consumes the client response from Start-Ok or
	// Secure-Ok and either completes or yields a challenge.
	Authenticate(response []byte) authResult
	Dispose()
}

// authenticator is the per-server authentication provider: it owns the
// credential set and creates SASL sessions for the mechanisms it offers.
type authenticator struct {
	mode        config.AuthMode
	credentials map[string]string // username -> password
	hostname    string
}

func newAuthenticator(mode config.AuthMode, credentials map[string]string) *authenticator {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &authenticator{
		mode:        mode,
		credentials: credentials,
		hostname:    hostname,
	}
}

// Mechanisms returns the space-separated list advertised in
// Connection.Start.
func (a *authenticator) Mechanisms() string {
	if a.mode == config.AuthModeNone {
		return mechanismPlain
	}
	return strings.Join([]string{mechanismPlain, mechanismCramMD5}, " ")
}

// CreateSession builds a session for the requested mechanism, or nil when
// the mechanism is not offered.
func (a *authenticator) CreateSession(mechanism string) saslSession {
	switch mechanism {
	case mechanismPlain:
		return &plainSaslSession{auth: a}
	case mechanismCramMD5:
		if a.mode == config.AuthModeNone {
			return nil
		}
		challenge := fmt.Sprintf("<%d.%d@%s>", os.Getpid(), time.Now().UnixNano(), a.hostname)
		return &cramMD5SaslSession{auth: a, challenge: []byte(challenge)}
	default:
		return nil
	}
}

func (a *authenticator) verify(username, password string) bool {
	if a.mode == config.AuthModeNone {
		return true
	}
	expected, ok := a.credentials[username]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
}

// plainSaslSession implements SASL PLAIN: a single response of
// authzid NUL authcid NUL passwd.
type plainSaslSession struct {
	auth     *authenticator
	disposed bool
}

func (s *plainSaslSession) Mechanism() string { return mechanismPlain }

func (s *plainSaslSession) Authenticate(response []byte) authResult {
	if len(response) == 0 {
		// PLAIN requires an initial response; ask for it via a secure
		// round trip with an empty challenge.
		return authResult{Status: authContinue, Challenge: []byte{}}
	}

	parts := bytes.SplitN(response, []byte{0}, 3)
	if len(parts) != 3 {
		return authResult{Status: authError, Cause: fmt.Errorf("malformed PLAIN response")}
	}
	username := string(parts[1])
	password := string(parts[2])

	if !s.auth.verify(username, password) {
		return authResult{Status: authError, Cause: fmt.Errorf("invalid credentials for user '%s'", username)}
	}
	return authResult{Status: authSuccess, Username: username}
}

func (s *plainSaslSession) Dispose() { s.disposed = true }

// cramMD5SaslSession implements CRAM-MD5: the server issues a challenge,
// the client answers "username SP hex(hmac-md5(password, challenge))".
type cramMD5SaslSession struct {
	auth      *authenticator
	challenge []byte
	issued    bool
	disposed  bool
}

func (s *cramMD5SaslSession) Mechanism() string { return mechanismCramMD5 }

func (s *cramMD5SaslSession) Authenticate(response []byte) authResult {
	if !s.issued {
		s.issued = true
		return authResult{Status: authContinue, Challenge: s.challenge}
	}

	fields := strings.SplitN(string(response), " ", 2)
	if len(fields) != 2 {
		return authResult{Status: authError, Cause: fmt.Errorf("malformed CRAM-MD5 response")}
	}
	username, digest := fields[0], fields[1]

	password, ok := s.auth.credentials[username]
	if !ok {
		return authResult{Status: authError, Cause: fmt.Errorf("unknown user '%s'", username)}
	}

	mac := hmac.New(md5.New, []byte(password))
	mac.Write(s.challenge)
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(digest)) != 1 {
		return authResult{Status: authError, Cause: fmt.Errorf("digest mismatch for user '%s'", username)}
	}
	return authResult{Status: authSuccess, Username: username}
}

func (s *cramMD5SaslSession) Dispose() { s.disposed = true }
