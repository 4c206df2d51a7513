package wire

import (
	"testing"

	aerrors "github.com/mpalmer/adbsync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessageFraming(t *testing.T) {
	fc := newFakeConn(nil)
	conn := NewConn(fc, fc, fc)

	require.NoError(t, SendMessageString(conn, "host:version"))
	assert.Equal(t, "000chost:version", fc.out.String())
}

func TestReadStatusOkay(t *testing.T) {
	fc := newFakeConn([]byte("OKAY"))
	conn := NewConn(fc, fc, fc)

	status, err := conn.ReadStatus("host:version")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
}

func TestReadStatusFailSurfacesMessage(t *testing.T) {
	fc := newFakeConn([]byte("FAIL000funknown command"))
	conn := NewConn(fc, fc, fc)

	_, err := conn.ReadStatus("host:bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestReadStatusUnknownTagIsProtocolError(t *testing.T) {
	fc := newFakeConn([]byte("WHAT"))
	conn := NewConn(fc, fc, fc)

	_, err := conn.ReadStatus("host:version")
	require.Error(t, err)
	assert.True(t, aerrors.HasErrCode(err, aerrors.ProtocolError))
}

func TestReadMessageRoundTrip(t *testing.T) {
	fc := newFakeConn([]byte("0005hello"))
	conn := NewConn(fc, fc, fc)

	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))
}

func TestReadFullShortReadIsTransportError(t *testing.T) {
	fc := newFakeConn([]byte("ab"))
	conn := NewConn(fc, fc, fc)

	buf := make([]byte, 4)
	err := ReadFull(conn, buf)
	require.Error(t, err)
	assert.True(t, aerrors.HasErrCode(err, aerrors.TransportError))
}
