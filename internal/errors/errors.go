// Package errors defines the coded error taxonomy shared by the adb host
// client, the sync subprotocol, and the reconciliation engine.
//
// Every fatal condition the library can hit is tagged with one of the
// ErrCode values below so callers can branch on HasErrCode instead of
// string-matching error messages.
package errors

import "fmt"

// ErrCode classifies why an operation failed.
type ErrCode int

const (
	// AssertionError indicates a programming error: a precondition the
	// caller was supposed to satisfy did not hold.
	AssertionError ErrCode = iota
	// ParseError indicates malformed input from the user or an
	// unparsable protocol reply.
	ParseError
	// DeviceNotFound indicates the requested device is not in the
	// current device list.
	DeviceNotFound
	// ServerUnreachable indicates the local adb server at host:port
	// could not be reached.
	ServerUnreachable
	// OldServer indicates the host server rejected a command with
	// "unknown host service", which usually means it needs upgrading.
	OldServer
	// ServerError indicates the host protocol replied FAIL.
	ServerError
	// RemoteError indicates a sync: subprotocol status reply of FAIL.
	RemoteError
	// ProtocolError indicates an unexpected tag, truncated frame, or
	// other violation of the wire format.
	ProtocolError
	// TransportError indicates a transport-level socket failure
	// (connection refused, broken pipe, short read).
	TransportError
	// LocalIOError indicates a local filesystem read/write failure.
	LocalIOError
	// PolicyRefusal indicates an operation was refused by a safety
	// policy (e.g. the deletion-prefix guard) rather than by a protocol
	// or I/O failure.
	PolicyRefusal
)

func (c ErrCode) String() string {
	switch c {
	case AssertionError:
		return "AssertionError"
	case ParseError:
		return "ParseError"
	case DeviceNotFound:
		return "DeviceNotFound"
	case ServerUnreachable:
		return "ServerUnreachable"
	case OldServer:
		return "OldServer"
	case ServerError:
		return "ServerError"
	case RemoteError:
		return "RemoteError"
	case ProtocolError:
		return "ProtocolError"
	case TransportError:
		return "TransportError"
	case LocalIOError:
		return "LocalIOError"
	case PolicyRefusal:
		return "PolicyRefusal"
	default:
		return "UnknownError"
	}
}

// Err is a coded error, optionally wrapping a lower-level cause.
type Err struct {
	Code    ErrCode
	Message string
	Cause   error
}

func (e *Err) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Err) Unwrap() error {
	return e.Cause
}

// Errorf builds a new coded Err with no wrapped cause.
func Errorf(code ErrCode, format string, args ...interface{}) error {
	return &Err{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapErrorf wraps cause in a coded Err.
func WrapErrorf(cause error, code ErrCode, format string, args ...interface{}) error {
	return &Err{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// AssertionErrorf builds an AssertionError.
func AssertionErrorf(format string, args ...interface{}) error {
	return Errorf(AssertionError, format, args...)
}

// HasErrCode reports whether err, or any error it wraps, is a *Err with
// the given code.
func HasErrCode(err error, code ErrCode) bool {
	for err != nil {
		if e, ok := err.(*Err); ok {
			if e.Code == code {
				return true
			}
			err = e.Cause
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Code returns the ErrCode of err if it is a *Err (searching wrapped
// causes), and ok=false otherwise.
func Code(err error) (code ErrCode, ok bool) {
	for err != nil {
		if e, ok := err.(*Err); ok {
			return e.Code, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
	}
	return 0, false
}
