package adb

import (
	"bytes"
	"context"

	"github.com/mpalmer/adbsync/wire"
)

// mockServer is an in-memory stand-in for the local adb host server: each
// Dial call hands back a fresh connection fed from In, and every byte
// written to that connection (full wire framing included) is appended to
// Writes so tests can assert on exact requests sent. A test that needs
// successive Dial calls to see different replies (e.g. Sync's separate
// plan and execute sessions) sets Scripts instead: the Nth Dial gets
// Scripts[N], clamped to the last entry once exhausted.
type mockServer struct {
	In      []byte
	Scripts [][]byte
	dialN   int
	Writes  [][]byte
}

var _ server = &mockServer{}

func (s *mockServer) Dial() (*wire.Conn, error) {
	script := s.In
	if len(s.Scripts) > 0 {
		idx := s.dialN
		if idx >= len(s.Scripts) {
			idx = len(s.Scripts) - 1
		}
		script = s.Scripts[idx]
		s.dialN++
	}
	mc := &mockConn{in: bytes.NewBuffer(append([]byte(nil), script...)), server: s}
	return wire.NewConn(mc, mc, mc), nil
}

func (s *mockServer) DialContext(ctx context.Context) (*wire.Conn, error) {
	return s.Dial()
}

type mockConn struct {
	in     *bytes.Buffer
	server *mockServer
}

func (c *mockConn) Read(p []byte) (int, error) {
	return c.in.Read(p)
}

func (c *mockConn) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	c.server.Writes = append(c.server.Writes, cp)
	return len(p), nil
}

func (c *mockConn) Close() error { return nil }
