// Package adb implements the client half of the Android Debug Bridge
// host protocol: enumerating devices, issuing host: commands, and
// switching a connection into device-attached or sync: mode so the
// wire and rsync packages can take over.
package adb

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	aerrors "github.com/mpalmer/adbsync/internal/errors"
	"github.com/mpalmer/adbsync/wire"
)

// DefaultHost and DefaultPort identify the local adb server adb start-server
// listens on.
const (
	DefaultHost = "localhost"
	DefaultPort = 5037
)

// server is the thing a Device dials through to reach the host daemon.
// Implemented by *Adb in production and by mock servers in tests.
type server interface {
	Dial() (*wire.Conn, error)
	DialContext(ctx context.Context) (*wire.Conn, error)
}

// Adb is a client for the local adb host server.
type Adb struct {
	addr string
}

// New returns a client for the adb server at host:port, defaulting to
// localhost:5037 when either is empty/zero.
func New(host string, port int) *Adb {
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	return &Adb{addr: net.JoinHostPort(host, strconv.Itoa(port))}
}

func (a *Adb) Dial() (*wire.Conn, error) {
	return wire.Dial(a.addr)
}

func (a *Adb) DialContext(ctx context.Context) (*wire.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", a.addr)
	if err != nil {
		return nil, aerrors.WrapErrorf(err, aerrors.ServerUnreachable,
			"cannot contact adb server at %s; try 'adb start-server'", a.addr)
	}
	return wire.NewConn(nc, nc, nc), nil
}

// roundTripSingleResponse sends req and returns the single hex4-length
// message body that follows OKAY.
func roundTripSingleResponse(s server, req string) ([]byte, error) {
	conn, err := s.Dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := wire.SendMessageString(conn, req); err != nil {
		return nil, err
	}
	if _, err := conn.ReadStatus(req); err != nil {
		return nil, translateHostError(err)
	}
	return conn.ReadMessage()
}

// roundTripSingleNoResponse sends req and checks for OKAY, discarding any
// reply body.
func roundTripSingleNoResponse(s server, req string) error {
	conn, err := s.Dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.SendMessageString(conn, req); err != nil {
		return err
	}
	_, err = conn.ReadStatus(req)
	return translateHostError(err)
}

// translateHostError upgrades the generic ServerError produced by
// ReadStatus into OldServer when the host is telling us it doesn't know
// the requested service (usually means the SDK needs an update).
func translateHostError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "unknown host service") {
		return aerrors.WrapErrorf(err, aerrors.OldServer,
			"adb server does not recognize this command; update your Android SDK platform-tools")
	}
	return err
}

// Version returns the adb server's protocol version.
func (a *Adb) Version() (int, error) {
	resp, err := roundTripSingleResponse(a, "host:version")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(string(resp), 16, 32)
	if err != nil {
		return 0, aerrors.WrapErrorf(err, aerrors.ParseError, "parsing version %q", resp)
	}
	return int(v), nil
}

// Kill terminates the local adb server process.
func (a *Adb) Kill() error {
	conn, err := a.Dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	return wire.SendMessageString(conn, "host:kill")
}

// WaitKind selects which class of device WaitForDevice blocks for.
type WaitKind string

const (
	WaitAny   WaitKind = "any"
	WaitUSB   WaitKind = "usb"
	WaitLocal WaitKind = "local"
)

// WaitForDevice blocks until the device list contains a device of the
// given kind. The host protocol quirk of sending a second OKAY after the
// device becomes ready is absorbed here.
func (a *Adb) WaitForDevice(kind WaitKind) error {
	if kind == "" {
		kind = WaitAny
	}
	conn, err := a.Dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	req := fmt.Sprintf("host:wait-for-%s", kind)
	if err := wire.SendMessageString(conn, req); err != nil {
		return err
	}
	if _, err := conn.ReadStatus(req); err != nil {
		return translateHostError(err)
	}
	// The host protocol sends a second OKAY once the device is actually ready.
	_, err = conn.ReadStatus(req)
	return translateHostError(err)
}

// DeviceState mirrors the state field of a host:devices-l record.
type DeviceState string

const (
	StateDevice       DeviceState = "device"
	StateBootloader   DeviceState = "bootloader"
	StateOffline      DeviceState = "offline"
	StateHost         DeviceState = "host"
	StateRecovery     DeviceState = "recovery"
	StateUnauthorized DeviceState = "unauthorized"
	StateNoPerm       DeviceState = "noperm"
	StateSideload     DeviceState = "sideload"
	StateUnknown      DeviceState = "unknown"
)

func parseDeviceState(s string) DeviceState {
	switch DeviceState(s) {
	case StateDevice, StateBootloader, StateOffline, StateHost, StateRecovery,
		StateUnauthorized, StateNoPerm, StateSideload:
		return DeviceState(s)
	default:
		return StateUnknown
	}
}

// DeviceInfo describes one line of a host:devices-l reply.
type DeviceInfo struct {
	Serial  string
	State   DeviceState
	DevPath string
	Notes   string
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("<Device: %s %s (%s)>", d.Serial, d.DevPath, d.State)
}

// ListDevices enumerates the devices currently known to the host server.
func (a *Adb) ListDevices() ([]*DeviceInfo, error) {
	resp, err := roundTripSingleResponse(a, "host:devices-l")
	if err != nil {
		return nil, err
	}
	var devices []*DeviceInfo
	for _, line := range strings.Split(string(resp), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		info := &DeviceInfo{Serial: fields[0], State: parseDeviceState(fields[1])}
		if len(fields) > 2 {
			info.DevPath = fields[2]
		}
		if len(fields) > 3 {
			info.Notes = strings.Join(fields[3:], " ")
		}
		devices = append(devices, info)
	}
	return devices, nil
}

// deviceList is the default Device.deviceListFunc; tests override that
// field.
func (a *Adb) deviceList() ([]*DeviceInfo, error) {
	return a.ListDevices()
}

// DeviceDescriptor selects a single device to target.
type DeviceDescriptor struct {
	serial  string
	devPath string
}

// DeviceWithSerial targets the device with the given serial number.
func DeviceWithSerial(serial string) DeviceDescriptor {
	return DeviceDescriptor{serial: serial}
}

// DeviceWithPath targets the device with the given ADB transport
// qualifier (devpath), e.g. "usb:1-1".
func DeviceWithPath(devPath string) DeviceDescriptor {
	return DeviceDescriptor{devPath: devPath}
}

// AnyDevice targets whichever single device is attached (host:transport-any).
func AnyDevice() DeviceDescriptor {
	return DeviceDescriptor{}
}

func (d DeviceDescriptor) String() string {
	if d.devPath != "" {
		return d.devPath
	}
	if d.serial != "" {
		return d.serial
	}
	return "any"
}

// getTransportDescriptor is the identifier used in host:transport:<id>.
// devpath is preferred over serial, matching the original adb.py rationale:
// the devpath is what uniquely identifies a physical port regardless of
// whatever serial the device happens to report.
func (d DeviceDescriptor) getTransportDescriptor() string {
	if d.devPath != "" {
		return "transport:" + d.devPath
	}
	if d.serial != "" {
		return "transport:" + d.serial
	}
	return "transport-any"
}

// getHostPrefix is the "host-serial:<serial>" / "host" prefix used by
// get-state, get-devpath, wait-for-device, and friends.
func (d DeviceDescriptor) getHostPrefix() string {
	if d.serial != "" {
		return "host-serial:" + d.serial
	}
	if d.devPath != "" {
		return "host-serial:" + d.devPath
	}
	return "host"
}

// Device returns a client scoped to the given device.
func (a *Adb) Device(descriptor DeviceDescriptor) *Device {
	return &Device{server: a, descriptor: descriptor, deviceListFunc: a.deviceList}
}
