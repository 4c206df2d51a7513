package wire

import (
	"bytes"
	"io"
)

// fakeConn is an in-memory io.ReadWriteCloser pairing a pre-seeded input
// buffer (what the "server" would have sent) with an output buffer
// capturing everything written (what we sent to the "server"). It lets
// wire-level tests exercise framing without a real socket.
type fakeConn struct {
	in     *bytes.Buffer
	out    *bytes.Buffer
	closed bool
}

func newFakeConn(in []byte) *fakeConn {
	return &fakeConn{in: bytes.NewBuffer(in), out: &bytes.Buffer{}}
}

func (f *fakeConn) Read(p []byte) (int, error) {
	if f.in.Len() == 0 {
		return 0, io.EOF
	}
	return f.in.Read(p)
}

func (f *fakeConn) Write(p []byte) (int, error) {
	return f.out.Write(p)
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}
