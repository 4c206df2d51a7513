// Package wire implements the ADB host protocol envelope and the binary
// sync: subprotocol framing described in the file_sync_service.h headers
// of the Android platform sources.
//
// All reads are exact-length: ReadFull loops until it has read exactly
// the requested number of bytes or the connection fails, surfacing a
// TransportError in the latter case. Host-protocol commands are framed
// with a 4-hex-digit length prefix; the binary sync: subprotocol instead
// uses little-endian uint32 lengths (see sync.go).
package wire

import (
	"bufio"
	"fmt"
	"io"
	"net"

	aerrors "github.com/mpalmer/adbsync/internal/errors"
)

const (
	// StatusSuccess is the 4-byte host-protocol tag for a successful reply.
	StatusSuccess = "OKAY"
	// StatusFailure is the 4-byte host-protocol tag for a failed reply,
	// followed by a hex4-length-prefixed UTF-8 message.
	StatusFailure = "FAIL"
)

// Scanner reads length-delimited messages and raw bytes off a connection.
type Scanner interface {
	io.Reader
	io.Closer
	// ReadMessage reads one hex4-length-prefixed message body.
	ReadMessage() ([]byte, error)
	// ReadUntilEof reads and returns everything until the peer closes.
	ReadUntilEof() ([]byte, error)
	// ReadStatus reads a 4-byte OKAY/FAIL tag (plus message, on FAIL) and
	// returns an error describing the failure. req is used for messages only.
	ReadStatus(req string) (string, error)
}

// Sender writes length-delimited messages and raw bytes to a connection.
type Sender interface {
	io.Writer
	io.Closer
	// SendMessage writes a hex4-length-prefixed message body.
	SendMessage(msg []byte) error
}

// Conn is a single ADB host-protocol connection: a TCP socket plus the
// hex4-framed Scanner/Sender pair layered on top of it.
type Conn struct {
	Scanner
	Sender
	raw io.Closer
}

// Dial opens a TCP connection to the local adb server at addr
// ("host:port") and wraps it as a Conn. No handshake is performed.
func Dial(addr string) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, aerrors.WrapErrorf(err, aerrors.ServerUnreachable,
			"cannot contact adb server at %s; try 'adb start-server'", addr)
	}
	return NewConn(nc, nc, nc), nil
}

// NewConn builds a Conn from separate reader/writer/closer halves, which
// lets tests substitute in-memory pipes for a real socket.
func NewConn(r io.Reader, w io.Writer, c io.Closer) *Conn {
	return &Conn{
		Scanner: &scanner{r: bufio.NewReader(r)},
		Sender:  &sender{w: w},
		raw:     c,
	}
}

// Close closes the underlying transport. Repeated calls are passed
// through to the transport again; there is no guard against them.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// SendMessageString is a convenience wrapper around SendMessage.
func SendMessageString(s Sender, msg string) error {
	return s.SendMessage([]byte(msg))
}

// NewSyncConn switches this Conn into sync: subprotocol mode. The caller
// must already have sent "sync:" and received OKAY; see Device.Sync.
func (c *Conn) NewSyncConn() *SyncConn {
	return &SyncConn{conn: c}
}

type scanner struct {
	r *bufio.Reader
}

// ReadFull reads exactly len(buf) bytes, or returns a TransportError.
func ReadFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return aerrors.WrapErrorf(err, aerrors.TransportError, "short read (wanted %d bytes)", len(buf))
	}
	return nil
}

func (s *scanner) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *scanner) Close() error {
	return nil
}

func (s *scanner) ReadMessage() ([]byte, error) {
	var lenBuf [4]byte
	if err := ReadFull(s.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n, err := parseHex4(lenBuf[:])
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n > 0 {
		if err := ReadFull(s.r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (s *scanner) ReadUntilEof() ([]byte, error) {
	return io.ReadAll(s.r)
}

func (s *scanner) ReadStatus(req string) (string, error) {
	var tag [4]byte
	if err := ReadFull(s.r, tag[:]); err != nil {
		return "", err
	}
	switch string(tag[:]) {
	case StatusSuccess:
		return StatusSuccess, nil
	case StatusFailure:
		msg, err := s.ReadMessage()
		if err != nil {
			return "", err
		}
		return "", aerrors.Errorf(aerrors.ServerError, "%s: %s", req, string(msg))
	default:
		return "", aerrors.Errorf(aerrors.ProtocolError, "bad status for %s: %q", req, tag[:])
	}
}

type sender struct {
	w io.Writer
}

func (s *sender) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *sender) Close() error {
	return nil
}

func (s *sender) SendMessage(msg []byte) error {
	header := fmt.Sprintf("%04x", len(msg))
	if len(header) != 4 {
		return aerrors.Errorf(aerrors.AssertionError, "message too long: %d bytes", len(msg))
	}
	if _, err := s.w.Write(append([]byte(header), msg...)); err != nil {
		return aerrors.WrapErrorf(err, aerrors.TransportError, "writing message")
	}
	return nil
}

func parseHex4(b []byte) (int, error) {
	n := 0
	for _, c := range b {
		n <<= 4
		switch {
		case c >= '0' && c <= '9':
			n |= int(c - '0')
		case c >= 'a' && c <= 'f':
			n |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			n |= int(c-'A') + 10
		default:
			return 0, aerrors.Errorf(aerrors.ProtocolError, "bad hex4 length byte %q", c)
		}
	}
	return n, nil
}
