package amqpError

import "fmt"

// AmqpError represents AMQP protocol error codes
type AmqpError uint16

// AMQP error code constants
const (
	// NoRoute - Used when mandatory messages cannot be routed
	NoRoute AmqpError = 312

	// ConnectionForced - Used when the broker forces a connection closed, e.g. vhost unavailable
	ConnectionForced AmqpError = 320

	// AccessRefused - Used when vhost access or connection creation is denied
	AccessRefused AmqpError = 403

	// NotFound - Used for missing virtual hosts, exchanges, queues, bindings
	NotFound AmqpError = 404

	// ResourceLocked - Used when an exclusive queue is accessed by another connection
	ResourceLocked AmqpError = 405

	// PreconditionFailed - Used for property mismatches and if-unused/if-empty violations
	PreconditionFailed AmqpError = 406

	// InternalError - Used for internal server errors, including SASL setup failures
	InternalError AmqpError = 500

	// FrameError - Used for frame decoding errors (bad end marker, oversize payload)
	FrameError AmqpError = 501

	// SyntaxError - Used for malformed method arguments and invalid tune parameters
	SyntaxError AmqpError = 502

	// CommandInvalid - Used for methods arriving in the wrong connection state
	CommandInvalid AmqpError = 503

	// ChannelError - Used for unknown or duplicate channel ids
	ChannelError AmqpError = 504

	// UnexpectedFrame - Used for frames received in the wrong order
	UnexpectedFrame AmqpError = 505

	// ResourceError - Used for resource limits, e.g. no SASL mechanism available
	ResourceError AmqpError = 506

	// NotAllowed - Used for authentication failures and duplicate consumer tags
	NotAllowed AmqpError = 530

	// NotImplemented - Used for unimplemented methods
	NotImplemented AmqpError = 540
)

func (e AmqpError) Code() uint16 {
	return uint16(e)
}

// String returns the error string representation of the AmqpError
func (e AmqpError) String() string {
	switch e {
	case NoRoute:
		return "NO_ROUTE"
	case ConnectionForced:
		return "CONNECTION_FORCED"
	case AccessRefused:
		return "ACCESS_REFUSED"
	case NotFound:
		return "NOT_FOUND"
	case ResourceLocked:
		return "RESOURCE_LOCKED"
	case PreconditionFailed:
		return "PRECONDITION_FAILED"
	case InternalError:
		return "INTERNAL_ERROR"
	case FrameError:
		return "FRAME_ERROR"
	case SyntaxError:
		return "SYNTAX_ERROR"
	case CommandInvalid:
		return "COMMAND_INVALID"
	case ChannelError:
		return "CHANNEL_ERROR"
	case UnexpectedFrame:
		return "UNEXPECTED_FRAME"
	case ResourceError:
		return "RESOURCE_ERROR"
	case NotAllowed:
		return "NOT_ALLOWED"
	case NotImplemented:
		return "NOT_IMPLEMENTED"
	default:
		return "UNKNOWN_ERROR"
	}
}

// ConnectionError is a connection-fatal protocol error. It carries the
// (class, method) pair recorded at dispatch time so the Connection.Close
// reply identifies the offending method.
type ConnectionError struct {
	Code      AmqpError
	ReplyText string
	ClassId   uint16
	MethodId  uint16
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error %d (%s): %s [class %d, method %d]",
		e.Code.Code(), e.Code.String(), e.ReplyText, e.ClassId, e.MethodId)
}

// NewConnectionError builds a connection-fatal error tagged with the method
// being processed when the failure occurred.
func NewConnectionError(code AmqpError, replyText string, classId, methodId uint16) *ConnectionError {
	return &ConnectionError{Code: code, ReplyText: replyText, ClassId: classId, MethodId: methodId}
}

// ChannelFatalError is a channel-fatal protocol error; the connection
// survives, the channel is closed with a Channel.Close carrying these
// values.
type ChannelFatalError struct {
	Code      AmqpError
	ReplyText string
	ClassId   uint16
	MethodId  uint16
}

func (e *ChannelFatalError) Error() string {
	return fmt.Sprintf("channel error %d (%s): %s [class %d, method %d]",
		e.Code.Code(), e.Code.String(), e.ReplyText, e.ClassId, e.MethodId)
}

// NewChannelError builds a channel-fatal error tagged with the method being
// processed when the failure occurred.
func NewChannelError(code AmqpError, replyText string, classId, methodId uint16) *ChannelFatalError {
	return &ChannelFatalError{Code: code, ReplyText: replyText, ClassId: classId, MethodId: methodId}
}
