package adb

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	aerrors "github.com/mpalmer/adbsync/internal/errors"
	"github.com/mpalmer/adbsync/wire"
)

// Device communicates with one specific Android device. Obtain one from
// Adb.Device.
type Device struct {
	server     server
	descriptor DeviceDescriptor

	deviceListFunc func() ([]*DeviceInfo, error)

	mtimeWorks    *bool
	mtimeProbeErr error
}

func (d *Device) String() string {
	return d.descriptor.String()
}

func (d *Device) getAttribute(attr string) (string, error) {
	resp, err := roundTripSingleResponse(d.server, fmt.Sprintf("%s:%s", d.descriptor.getHostPrefix(), attr))
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// Serial returns the device's serial number (get-serialno).
func (d *Device) Serial() (string, error) {
	return d.getAttribute("get-serialno")
}

// DevicePath returns the device's ADB transport qualifier (get-devpath).
func (d *Device) DevicePath() (string, error) {
	return d.getAttribute("get-devpath")
}

// State returns the device's current connection state (get-state).
func (d *Device) State() (DeviceState, error) {
	attr, err := d.getAttribute("get-state")
	if err != nil {
		if strings.Contains(err.Error(), "unauthorized") {
			return StateUnauthorized, nil
		}
		return StateUnknown, err
	}
	return parseDeviceState(strings.TrimSpace(attr)), nil
}

// WaitUntilRunning blocks until this device reports ready
// (host-serial:<serial>:wait-for-device).
func (d *Device) WaitUntilRunning() error {
	conn, err := d.server.Dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	req := fmt.Sprintf("%s:wait-for-device", d.descriptor.getHostPrefix())
	if err := wire.SendMessageString(conn, req); err != nil {
		return err
	}
	if _, err := conn.ReadStatus(req); err != nil {
		return translateHostError(err)
	}
	// Mirrors the host protocol's second, otherwise-unexplained OKAY.
	_, err = conn.ReadStatus(req)
	return translateHostError(err)
}

// DeviceInfo looks this device up in the full device list, since the host
// protocol has no single-device equivalent of host:devices-l.
func (d *Device) DeviceInfo() (*DeviceInfo, error) {
	serial, err := d.Serial()
	if err != nil {
		return nil, err
	}
	serial = strings.TrimSpace(serial)

	devices, err := d.deviceListFunc()
	if err != nil {
		return nil, err
	}

	for _, info := range devices {
		if info.Serial == serial {
			return info, nil
		}
	}
	return nil, aerrors.Errorf(aerrors.DeviceNotFound, "device list doesn't contain serial %s", serial)
}

// dialDevice opens a connection and switches it into this device's
// transport mode, so subsequent bytes pass straight to the device.
func (d *Device) dialDevice() (*wire.Conn, error) {
	conn, err := d.server.Dial()
	if err != nil {
		return nil, err
	}
	req := "host:" + d.descriptor.getTransportDescriptor()
	if err := wire.SendMessageString(conn, req); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.ReadStatus(req); err != nil {
		conn.Close()
		return nil, translateHostError(err)
	}
	return conn, nil
}

func (d *Device) dialDeviceContext(ctx context.Context) (*wire.Conn, error) {
	conn, err := d.server.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	req := "host:" + d.descriptor.getTransportDescriptor()
	if err := wire.SendMessageString(conn, req); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.ReadStatus(req); err != nil {
		conn.Close()
		return nil, translateHostError(err)
	}
	return conn, nil
}

// RunCommand runs cmd in a non-interactive shell on the device and
// returns its combined stdout+stderr.
func (d *Device) RunCommand(cmd string) (string, error) {
	conn, err := d.dialDevice()
	if err != nil {
		return "", err
	}
	defer conn.Close()

	req := "shell:" + cmd
	if err := wire.SendMessageString(conn, req); err != nil {
		return "", err
	}
	if _, err := conn.ReadStatus(req); err != nil {
		return "", err
	}
	resp, err := conn.ReadUntilEof()
	return string(resp), err
}

// RunCommandContext is like RunCommand, but if ctx is cancelled before the
// shell command finishes, it makes a best-effort attempt to find and kill
// the remote process by its leaf executable name -- there is no
// ADB-level cancellation primitive for an in-flight shell: command.
func (d *Device) RunCommandContext(ctx context.Context, cmd string) (string, error) {
	conn, err := d.dialDeviceContext(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	req := "shell:" + cmd
	if err := wire.SendMessageString(conn, req); err != nil {
		return "", err
	}
	if _, err := conn.ReadStatus(req); err != nil {
		return "", err
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, rerr := conn.ReadUntilEof()
		done <- result{data, rerr}
	}()

	select {
	case r := <-done:
		return string(r.data), r.err
	case <-ctx.Done():
		d.killRemoteCommand(cmd)
		conn.Close()
		<-done
		return "", ctx.Err()
	}
}

// killRemoteCommand best-effort kills the remote process matching cmd's
// leaf executable name. Failures are silently ignored: this is a cleanup
// courtesy, not a guaranteed cancellation.
func (d *Device) killRemoteCommand(cmd string) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return
	}
	parts := strings.Split(fields[0], "/")
	process := parts[len(parts)-1]
	pid, ok := d.findProcessByName(process)
	if !ok {
		return
	}
	_, _ = d.RunCommand(fmt.Sprintf("kill %d", pid))
}

// mtimeProbeScript is run on-device to detect whether /sdcard honors
// utimes when touched. Its function name is deliberately unlikely to
// collide with anything already defined in the target shell.
const mtimeProbeScript = `adbsync_test_mtime() {
  if touch -t 200601020304 /sdcard/.adbsync_mtime_probe 2>/dev/null; then echo OKAY; else echo FAIL; fi
  rm -f /sdcard/.adbsync_mtime_probe
}
adbsync_test_mtime`

// SupportsMtime reports whether this device's /sdcard filesystem honors
// touch -t (i.e. preserves mtime across a sync push). The result is
// cached per Device, since many builds silently discard utimes and
// probing is relatively expensive to repeat.
func (d *Device) SupportsMtime() bool {
	if d.mtimeWorks != nil {
		return *d.mtimeWorks
	}
	out, err := d.RunCommand(mtimeProbeScript)
	if err != nil {
		d.mtimeProbeErr = err
		works := false
		d.mtimeWorks = &works
		return false
	}
	works := strings.Contains(out, "OKAY")
	d.mtimeWorks = &works
	return works
}

// BuildProperties reads and parses /system/build.prop. Lines without an
// '=' are silently skipped.
func (d *Device) BuildProperties() (map[string]string, error) {
	out, err := d.RunCommand("cat /system/build.prop")
	if err != nil {
		return nil, err
	}
	props := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		if key == "" {
			continue
		}
		props[key] = strings.TrimSpace(line[idx+1:])
	}
	return props, nil
}

// Sync scopes one sync: subprotocol session: it dials a fresh
// device-attached connection, switches to sync mode, invokes fn, and
// always attempts a QUIT followed by Close afterward so the connection
// is never leaked, even if fn returns an error. Teardown errors are
// swallowed: the session is being torn down regardless.
func (d *Device) Sync(fn func(*wire.SyncConn) error) error {
	conn, err := d.dialDevice()
	if err != nil {
		return err
	}

	if err := wire.SendMessageString(conn, "sync:"); err != nil {
		conn.Close()
		return err
	}
	if _, err := conn.ReadStatus("sync:"); err != nil {
		conn.Close()
		return err
	}

	sc := conn.NewSyncConn()
	defer func() {
		_ = sc.Quit()
		_ = sc.Close()
	}()

	return fn(sc)
}

// Stat is a one-shot convenience around Sync+SyncConn.Stat.
func (d *Device) Stat(path string) (mode, size, mtime uint32, err error) {
	err = d.Sync(func(sc *wire.SyncConn) error {
		var serr error
		mode, size, mtime, serr = sc.Stat(path)
		return serr
	})
	return
}

// ListDirEntries is a one-shot convenience around Sync+SyncConn.List.
func (d *Device) ListDirEntries(path string) ([]wire.DirEntry, error) {
	var entries []wire.DirEntry
	err := d.Sync(func(sc *wire.SyncConn) error {
		var serr error
		entries, serr = sc.List(path)
		return serr
	})
	return entries, err
}

// PullFile copies remotePath onto localPath: mode/size are read with a
// STAT first (refusing directories and missing files), the bytes are
// written to a "localPath.part" sibling, and only once the transfer
// completes without error is the temp file renamed onto localPath and
// its mtime set to match the remote file. If the transfer fails, the
// partial file is unlinked and localPath is left untouched; any existing
// localPath is removed just before the rename, so a failure in the
// rename or in setting the mtime happens after that removal.
func (d *Device) PullFile(remotePath, localPath string) error {
	return d.Sync(func(sc *wire.SyncConn) error {
		mode, _, mtime, err := sc.Stat(remotePath)
		if err != nil {
			return err
		}
		if mode == 0 {
			return aerrors.Errorf(aerrors.RemoteError, "cannot pull %s: does not exist", remotePath)
		}
		if mode&0o170000 == 0o040000 {
			return aerrors.Errorf(aerrors.RemoteError, "cannot pull %s: is a directory", remotePath)
		}

		if dir := filepath.Dir(localPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return aerrors.WrapErrorf(err, aerrors.LocalIOError, "creating %s", dir)
			}
		}

		tmpPath := localPath + ".part"
		out, err := os.Create(tmpPath)
		if err != nil {
			return aerrors.WrapErrorf(err, aerrors.LocalIOError, "creating %s", tmpPath)
		}

		if err := sc.Recv(remotePath, out); err != nil {
			out.Close()
			os.Remove(tmpPath)
			return err
		}
		if err := out.Close(); err != nil {
			os.Remove(tmpPath)
			return aerrors.WrapErrorf(err, aerrors.LocalIOError, "closing %s", tmpPath)
		}

		os.Remove(localPath)
		if err := os.Rename(tmpPath, localPath); err != nil {
			os.Remove(tmpPath)
			return aerrors.WrapErrorf(err, aerrors.LocalIOError, "renaming %s to %s", tmpPath, localPath)
		}
		mt := time.Unix(int64(mtime), 0)
		if err := os.Chtimes(localPath, mt, mt); err != nil {
			return aerrors.WrapErrorf(err, aerrors.LocalIOError, "setting mtime on %s", localPath)
		}
		return nil
	})
}
