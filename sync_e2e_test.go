package adb

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/mpalmer/adbsync/rsync"
	"github.com/mpalmer/adbsync/sidecar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncStatusFrame builds one sync: status reply: an 8-byte OKAY, or a
// FAIL tag followed by a length-prefixed message, exactly as SyncConn's
// recvStatus expects.
func syncStatusFrame(ok bool, msg string) []byte {
	if ok {
		return []byte{'O', 'K', 'A', 'Y', 0, 0, 0, 0}
	}
	var hdr [8]byte
	copy(hdr[:4], "FAIL")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(msg)))
	return append(hdr[:], msg...)
}

// This is the same double-OKAY handshake Device.Sync performs on every
// call: one for the host:transport switch, one for "sync:".
var syncHandshake = []byte("OKAYOKAY")

// syncStatFrame builds one sync: STAT reply, exactly as SyncConn.Stat
// expects: a fixed 16-byte id+mode+size+mtime record.
func syncStatFrame(mode, size, mtime uint32) []byte {
	var hdr [16]byte
	copy(hdr[:4], "STAT")
	binary.LittleEndian.PutUint32(hdr[4:8], mode)
	binary.LittleEndian.PutUint32(hdr[8:12], size)
	binary.LittleEndian.PutUint32(hdr[12:16], mtime)
	return hdr[:]
}

// syncDentFrame builds one LIST dirent reply.
func syncDentFrame(mode, size, mtime uint32, name string) []byte {
	var hdr [20]byte
	copy(hdr[:4], "DENT")
	binary.LittleEndian.PutUint32(hdr[4:8], mode)
	binary.LittleEndian.PutUint32(hdr[8:12], size)
	binary.LittleEndian.PutUint32(hdr[12:16], mtime)
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(name)))
	return append(hdr[:], name...)
}

// syncListDoneFrame terminates a LIST reply.
func syncListDoneFrame() []byte {
	var hdr [20]byte
	copy(hdr[:4], "DONE")
	return hdr[:]
}

// syncDataFrame builds one RECV DATA reply carrying payload.
func syncDataFrame(payload []byte) []byte {
	var hdr [8]byte
	copy(hdr[:4], "DATA")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
	return append(hdr[:], payload...)
}

// syncDoneDataFrame terminates a RECV reply.
func syncDoneDataFrame() []byte {
	var hdr [8]byte
	copy(hdr[:4], "DONE")
	return hdr[:]
}

// TestRsyncSyncPushesFilesAndSkipsFailedPush drives rsync.Sync end to
// end over a mockServer, covering the two-phase execute path: plan (in
// Fast mode, so no remote LIST is needed) followed by push. One of two
// planned pushes is made to fail at the server, and the test asserts
// that the failure neither counts toward BytesPushed nor leaves behind
// a sidecar record claiming the file made it across.
func TestRsyncSyncPushesFilesAndSkipsFailedPush(t *testing.T) {
	localRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "b.txt"), []byte("world!"), 0o644))

	// mockServer.Dial hands every call (one per device.Sync invocation)
	// an independent fresh copy of In, so the plan phase's harmless
	// STAT-of-the-sidecar attempt (which finds no STAT reply here and is
	// swallowed by pullSidecar) cannot consume bytes meant for the push
	// phase.
	script := append([]byte{}, syncHandshake...)
	script = append(script, syncStatusFrame(true, "")...)          // presync sidecar push
	script = append(script, syncStatusFrame(true, "")...)          // push a.txt
	script = append(script, syncStatusFrame(false, "no space")...) // push b.txt fails
	script = append(script, syncStatusFrame(true, "")...)          // final sidecar push

	s := &mockServer{In: script}
	device := (&Adb{addr: "unused"}).Device(DeviceWithSerial("serial"))
	device.server = s
	works := true
	device.mtimeWorks = &works

	var warnings []string
	result, err := rsync.Sync(device, localRoot, "/sdcard/dest", rsync.Options{
		Fast:    true,
		Warning: func(msg string) { warnings = append(warnings, msg) },
	})
	require.NoError(t, err)

	require.Len(t, result.Adds, 2)
	assert.Equal(t, int64(len("hello")+len("world!")), result.BytesPlanned)
	assert.Equal(t, int64(len("hello")), result.BytesPushed, "failed push must not count toward bytes pushed")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "b.txt")

	final := lastSyncPushPayload(t, s.Writes)
	db := sidecar.Decode(final)
	_, ok := db.Get("a.txt")
	assert.True(t, ok, "successfully pushed file must be recorded in the checkpointed sidecar DB")
	_, ok = db.Get("b.txt")
	assert.False(t, ok, "a failed push must never be recorded in the checkpointed sidecar DB")
}

// TestRsyncSyncEmptyRemoteAddsEveryLocalFile covers end-to-end scenario
// 1: an empty remote tree plans every local file as an add, and once
// every push succeeds, the checkpointed sidecar DB carries all of them
// with their correct sizes.
func TestRsyncSyncEmptyRemoteAddsEveryLocalFile(t *testing.T) {
	localRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "a.txt"), []byte("0123456789"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "b.txt"), []byte{}, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(localRoot, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "sub", "c.txt"), []byte("dummy"), 0o644))

	script := append([]byte{}, syncHandshake...)
	for i := 0; i < 4; i++ { // presync sidecar push + 3 adds
		script = append(script, syncStatusFrame(true, "")...)
	}
	script = append(script, syncStatusFrame(true, "")...) // final sidecar push

	s := &mockServer{In: script}
	device := (&Adb{addr: "unused"}).Device(DeviceWithSerial("serial"))
	device.server = s
	works := true
	device.mtimeWorks = &works

	var warnings []string
	result, err := rsync.Sync(device, localRoot, "/sdcard/dest", rsync.Options{
		Fast:    true,
		Warning: func(msg string) { warnings = append(warnings, msg) },
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, result.Adds, 3)
	assert.Empty(t, result.Removes)
	assert.Equal(t, int64(15), result.BytesPushed)

	final := lastSyncPushPayload(t, s.Writes)
	db := sidecar.Decode(final)
	for relPath, wantSize := range map[string]uint32{"a.txt": 10, "b.txt": 0, "sub/c.txt": 5} {
		e, ok := db.Get(relPath)
		if assert.True(t, ok, "missing %s", relPath) {
			assert.Equal(t, wantSize, e.Size, "%s size", relPath)
		}
	}
}

// TestRsyncSyncTrialRunPushesNothing covers invariant 5 (trial run
// purity): planning still reports the work that would be done, but
// Sync must return before dialing a second sync: session, so no push,
// remove, or checkpoint write ever reaches the wire.
func TestRsyncSyncTrialRunPushesNothing(t *testing.T) {
	localRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "a.txt"), []byte("hello"), 0o644))

	script := append([]byte{}, syncHandshake...)
	s := &mockServer{In: script}
	device := (&Adb{addr: "unused"}).Device(DeviceWithSerial("serial"))
	device.server = s
	works := true
	device.mtimeWorks = &works

	result, err := rsync.Sync(device, localRoot, "/sdcard/dest", rsync.Options{
		Fast:     true,
		TrialRun: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Adds, 1)
	assert.Equal(t, int64(0), result.BytesPushed)

	for _, w := range s.Writes {
		assert.NotEqual(t, "SEND", string(w[:min(4, len(w))]), "trial run must never issue a SEND")
	}
}

// TestRsyncSyncNonFastMissingSidecarWalksRemoteList covers the non-fast
// reconciliation branch end to end: a device.Sync that pulls a sidecar
// that does not exist yet (STAT mode 0, the ordinary first-sync case)
// followed by a live LIST-driven remote walk, in lockstep with the
// local tree, on the very same SyncConn. Before pullSidecar STATed
// before RECVing, this path desynced the connection and corrupted the
// subsequent LIST read.
func TestRsyncSyncNonFastMissingSidecarWalksRemoteList(t *testing.T) {
	localRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "a.txt"), []byte("hello"), 0o644))

	planScript := append([]byte{}, syncHandshake...)
	planScript = append(planScript, syncStatFrame(0, 0, 0)...) // sidecar missing
	planScript = append(planScript, syncListDoneFrame()...)    // empty remote root

	execScript := append([]byte{}, syncHandshake...)
	execScript = append(execScript, syncStatusFrame(true, "")...) // presync sidecar push
	execScript = append(execScript, syncStatusFrame(true, "")...) // push a.txt
	execScript = append(execScript, syncStatusFrame(true, "")...) // final sidecar push

	s := &mockServer{Scripts: [][]byte{planScript, execScript}}
	device := (&Adb{addr: "unused"}).Device(DeviceWithSerial("serial"))
	device.server = s
	works := true
	device.mtimeWorks = &works

	var warnings []string
	result, err := rsync.Sync(device, localRoot, "/sdcard/dest", rsync.Options{
		Warning: func(msg string) { warnings = append(warnings, msg) },
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, result.Adds, 1)
	assert.Equal(t, "a.txt", result.Adds[0].RelPath)
	assert.Empty(t, result.Removes)
	assert.Equal(t, int64(len("hello")), result.BytesPushed)
}

// TestRsyncSyncNonFastPresentSidecarMatchesAndRemovesExtra covers the
// non-fast branch when the sidecar already exists: its blob is pulled
// via STAT+RECV, decoded, and used to judge a remote file as unchanged
// (skipping the push) while a second remote file absent locally is
// planned for removal.
func TestRsyncSyncNonFastPresentSidecarMatchesAndRemovesExtra(t *testing.T) {
	localRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(localRoot, "same.txt"), []byte("xx"), 0o644))
	info, err := os.Stat(filepath.Join(localRoot, "same.txt"))
	require.NoError(t, err)
	sameMtime := uint32(info.ModTime().Unix())

	oldDB := sidecar.New()
	oldDB.Set("same.txt", sidecar.Entry{Mtime: sameMtime, Size: 2})
	blob, err := sidecar.Encode(oldDB)
	require.NoError(t, err)

	planScript := append([]byte{}, syncHandshake...)
	planScript = append(planScript, syncStatFrame(0o100644, uint32(len(blob)), 1)...) // sidecar present
	planScript = append(planScript, syncDataFrame(blob)...)
	planScript = append(planScript, syncDoneDataFrame()...)
	planScript = append(planScript, syncDentFrame(0o100644, 2, sameMtime, "same.txt")...)
	planScript = append(planScript, syncDentFrame(0o100644, 1, 1, "extra.txt")...)
	planScript = append(planScript, syncListDoneFrame()...)

	execScript := append([]byte{}, syncHandshake...)
	execScript = append(execScript, syncStatusFrame(true, "")...) // presync sidecar push
	execScript = append(execScript, syncStatusFrame(true, "")...) // final sidecar push

	rmScript := []byte("OKAYOKAY")

	s := &mockServer{Scripts: [][]byte{planScript, execScript, rmScript}}
	device := (&Adb{addr: "unused"}).Device(DeviceWithSerial("serial"))
	device.server = s
	works := true
	device.mtimeWorks = &works

	var warnings []string
	result, err := rsync.Sync(device, localRoot, "/sdcard/dest", rsync.Options{
		RemovePrefix: "/sdcard/dest",
		Warning:      func(msg string) { warnings = append(warnings, msg) },
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Empty(t, result.Adds, "matching file must not be replanned as an add")
	require.Len(t, result.Removes, 1)
	assert.Equal(t, rsync.RemoveFile, result.Removes[0].Kind)
	assert.Equal(t, "extra.txt", result.Removes[0].RelPath)
}

// lastSyncPushPayload walks the individual Write calls recorded by a
// mockServer and reassembles the DATA payload of the last SEND/DATA/DONE
// sequence found. mockServer.Writes mixes every dial's bytes together
// (host handshake, the plan phase's harmless STAT attempt, and the push
// phase's SEND calls), but sync: binary frame headers are always exactly
// 8 bytes (4-byte id + little-endian uint32 length), while every
// host-protocol write is a 4-byte hex length prefix together with the
// message body -- never 8 bytes in this test -- so an 8-byte write
// unambiguously starts a binary frame.
func lastSyncPushPayload(t *testing.T, writes [][]byte) []byte {
	t.Helper()
	var last []byte
	for i := 0; i < len(writes); i++ {
		if len(writes[i]) != 8 || string(writes[i][:4]) != "SEND" {
			continue
		}
		i++
		if i >= len(writes) {
			return last
		}
		var payload bytes.Buffer
		for {
			i++
			if i >= len(writes) || len(writes[i]) != 8 {
				return last
			}
			fid := string(writes[i][:4])
			fn := binary.LittleEndian.Uint32(writes[i][4:8])
			if fid == "DONE" {
				break
			}
			if fid != "DATA" {
				return last
			}
			i++
			if i >= len(writes) || uint32(len(writes[i])) != fn {
				return last
			}
			payload.Write(writes[i])
		}
		last = payload.Bytes()
	}
	return last
}
