package wire

import (
	"encoding/binary"
	"io"
	"strconv"

	aerrors "github.com/mpalmer/adbsync/internal/errors"
)

// SyncDataMax is the largest payload a single DATA frame may carry, per
// file_sync_service.h (SYNC_DATA_MAX).
const SyncDataMax = 64 * 1024

// Sync message ids. All are literal 4-byte ASCII tags, never
// null-terminated.
const (
	idList = "LIST"
	idStat = "STAT"
	idSend = "SEND"
	idRecv = "RECV"
	idQuit = "QUIT"
	idDent = "DENT"
	idDone = "DONE"
	idData = "DATA"
	idOkay = "OKAY"
	idFail = "FAIL"
)

// DirEntry is one entry returned by List: an immutable record of
// a remote path's mode, size, and mtime. Name holds the final path
// component as raw bytes reinterpreted as a string; ADB does not
// guarantee the bytes are valid UTF-8.
type DirEntry struct {
	Mode  uint32
	Size  uint32
	Mtime uint32
	Name  string
}

// IsDir reports whether Mode has the POSIX directory bit set.
func (e DirEntry) IsDir() bool {
	return e.Mode&0o170000 == 0o040000
}

// IsRegular reports whether Mode has the POSIX regular-file bit set.
func (e DirEntry) IsRegular() bool {
	return e.Mode&0o170000 == 0o100000
}

// SyncConn owns one TCP connection switched into sync: subprotocol mode.
// At most one outstanding sync operation may be in flight on a SyncConn
// at a time; callers must not share one across goroutines.
type SyncConn struct {
	conn *Conn
}

// Close closes the underlying connection without sending QUIT. Prefer
// Quit followed by Close for a clean shutdown (Device.Sync does both).
func (s *SyncConn) Close() error {
	return s.conn.Close()
}

// Quit sends the QUIT envelope that ends a sync session. Errors are
// expected to be ignored by callers tearing down a scoped session, per
// spec: a poisoned connection is about to be closed anyway.
func (s *SyncConn) Quit() error {
	return s.sendReq(idQuit, nil)
}

func (s *SyncConn) sendReq(id string, body []byte) error {
	var hdr [8]byte
	copy(hdr[:4], id)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(body)))
	if _, err := s.conn.Write(hdr[:]); err != nil {
		return aerrors.WrapErrorf(err, aerrors.TransportError, "writing %s header", id)
	}
	if len(body) > 0 {
		if _, err := s.conn.Write(body); err != nil {
			return aerrors.WrapErrorf(err, aerrors.TransportError, "writing %s body", id)
		}
	}
	return nil
}

// List issues LIST for path and returns every dirent the server sends
// before DONE. "." and ".." are NOT filtered here; callers (walk.ListRemote)
// apply that policy.
func (s *SyncConn) List(path string) ([]DirEntry, error) {
	if err := s.sendReq(idList, []byte(path)); err != nil {
		return nil, err
	}
	var entries []DirEntry
	for {
		id, mode, size, mtime, name, err := s.recvDirent()
		if err != nil {
			return nil, err
		}
		if id == idDone {
			return entries, nil
		}
		if id != idDent {
			return nil, aerrors.Errorf(aerrors.ProtocolError, "LIST: unexpected id %q", id)
		}
		entries = append(entries, DirEntry{Mode: mode, Size: size, Mtime: mtime, Name: name})
	}
}

func (s *SyncConn) recvDirent() (id string, mode, size, mtime uint32, name string, err error) {
	var hdr [20]byte
	if err = ReadFull(s.conn, hdr[:]); err != nil {
		return "", 0, 0, 0, "", err
	}
	id = string(hdr[:4])
	mode = binary.LittleEndian.Uint32(hdr[4:8])
	size = binary.LittleEndian.Uint32(hdr[8:12])
	mtime = binary.LittleEndian.Uint32(hdr[12:16])
	namelen := binary.LittleEndian.Uint32(hdr[16:20])
	if id != idDent && id != idDone {
		return "", 0, 0, 0, "", aerrors.Errorf(aerrors.ProtocolError, "dent: unexpected id %q", id)
	}
	if namelen == 0 {
		return id, mode, size, mtime, "", nil
	}
	nameBuf := make([]byte, namelen)
	if err = ReadFull(s.conn, nameBuf); err != nil {
		return "", 0, 0, 0, "", err
	}
	return id, mode, size, mtime, string(nameBuf), nil
}

// Stat issues STAT for path. A mode of 0 means the path does not exist.
func (s *SyncConn) Stat(path string) (mode, size, mtime uint32, err error) {
	if err = s.sendReq(idStat, []byte(path)); err != nil {
		return 0, 0, 0, err
	}
	var hdr [16]byte
	if err = ReadFull(s.conn, hdr[:]); err != nil {
		return 0, 0, 0, err
	}
	id := string(hdr[:4])
	if id != idStat {
		return 0, 0, 0, aerrors.Errorf(aerrors.ProtocolError, "STAT: unexpected id %q", id)
	}
	mode = binary.LittleEndian.Uint32(hdr[4:8])
	size = binary.LittleEndian.Uint32(hdr[8:12])
	mtime = binary.LittleEndian.Uint32(hdr[12:16])
	return mode, size, mtime, nil
}

// Send pushes the bytes read from src to remotePath with the given mode,
// chunking at SyncDataMax, then finalizes with mtime and reads the
// terminal status frame.
func (s *SyncConn) Send(src io.Reader, remotePath string, mode uint32, mtime uint32) error {
	spec := []byte(remotePath + "," + strconv.Itoa(int(mode)))
	if err := s.sendReq(idSend, spec); err != nil {
		return err
	}
	buf := make([]byte, SyncDataMax)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := s.sendData(buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return aerrors.WrapErrorf(rerr, aerrors.LocalIOError, "reading push source")
		}
	}
	if err := s.sendDone(mtime); err != nil {
		return err
	}
	return s.recvStatus()
}

func (s *SyncConn) sendData(p []byte) error {
	var hdr [8]byte
	copy(hdr[:4], idData)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(p)))
	if _, err := s.conn.Write(hdr[:]); err != nil {
		return aerrors.WrapErrorf(err, aerrors.TransportError, "writing DATA header")
	}
	if _, err := s.conn.Write(p); err != nil {
		return aerrors.WrapErrorf(err, aerrors.TransportError, "writing DATA payload")
	}
	return nil
}

func (s *SyncConn) sendDone(mtime uint32) error {
	var hdr [8]byte
	copy(hdr[:4], idDone)
	binary.LittleEndian.PutUint32(hdr[4:], mtime)
	if _, err := s.conn.Write(hdr[:]); err != nil {
		return aerrors.WrapErrorf(err, aerrors.TransportError, "writing DONE")
	}
	return nil
}

func (s *SyncConn) recvStatus() error {
	var hdr [8]byte
	if err := ReadFull(s.conn, hdr[:]); err != nil {
		return err
	}
	id := string(hdr[:4])
	n := binary.LittleEndian.Uint32(hdr[4:])
	var msg []byte
	if n > 0 {
		msg = make([]byte, n)
		if err := ReadFull(s.conn, msg); err != nil {
			return err
		}
	}
	switch id {
	case idOkay:
		return nil
	case idFail:
		return aerrors.Errorf(aerrors.RemoteError, "%s", string(msg))
	default:
		return aerrors.Errorf(aerrors.ProtocolError, "status: unexpected id %q", id)
	}
}

// Recv issues RECV for remotePath and streams DATA payloads to dst until
// DONE.
func (s *SyncConn) Recv(remotePath string, dst io.Writer) error {
	if err := s.sendReq(idRecv, []byte(remotePath)); err != nil {
		return err
	}
	for {
		id, payload, err := s.recvData()
		if err != nil {
			return err
		}
		if id == idDone {
			return nil
		}
		if _, err := dst.Write(payload); err != nil {
			return aerrors.WrapErrorf(err, aerrors.LocalIOError, "writing pull destination")
		}
	}
}

func (s *SyncConn) recvData() (id string, payload []byte, err error) {
	var hdr [8]byte
	if err = ReadFull(s.conn, hdr[:]); err != nil {
		return "", nil, err
	}
	id = string(hdr[:4])
	n := binary.LittleEndian.Uint32(hdr[4:])
	switch id {
	case idDone:
		return id, nil, nil
	case idData:
		payload = make([]byte, n)
		if n > 0 {
			if err = ReadFull(s.conn, payload); err != nil {
				return "", nil, err
			}
		}
		return id, payload, nil
	case idFail:
		// A FAIL here still carries a length-prefixed message that must be
		// drained even though we're about to surface an error: leaving it
		// unread would desync the next read on this connection from
		// whatever frame actually comes next.
		msg := make([]byte, n)
		if n > 0 {
			if err = ReadFull(s.conn, msg); err != nil {
				return "", nil, err
			}
		}
		return "", nil, aerrors.Errorf(aerrors.RemoteError, "%s", string(msg))
	default:
		return "", nil, aerrors.Errorf(aerrors.ProtocolError, "data: unexpected id %q", id)
	}
}
