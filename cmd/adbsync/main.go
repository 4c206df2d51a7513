// Command adbsync keeps a local directory tree and a path on an
// Android device in sync over the adb sync: protocol.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin"

	adb "github.com/mpalmer/adbsync"
	"github.com/mpalmer/adbsync/progress"
	"github.com/mpalmer/adbsync/rsync"
)

var (
	app = kingpin.New("adbsync", "Sync a local directory to an Android device over adb.")

	adbHost = app.Flag("adb-host", "Host the adb server is listening on.").Default("").String()
	adbPort = app.Flag("adb-port", "Port the adb server is listening on.").Default("0").Int()
	serial  = app.Flag("serial", "Serial of the device to use. Defaults to the only attached device.").Default("").String()

	listCmd = app.Command("list-devices", "List devices visible to the adb server.")

	waitCmd  = app.Command("wait-for-device", "Block until a device is available.")
	waitKind = waitCmd.Arg("kind", "Device transport to wait for: any, usb, or local.").Default("any").Enum("any", "usb", "local")

	syncCmd         = app.Command("sync", "Reconcile a local directory onto a device path.")
	localDir        = syncCmd.Arg("local", "Local directory to push from.").Required().ExistingDir()
	remoteDir       = syncCmd.Arg("remote", "Device directory to push to.").Required().String()
	fastMode        = syncCmd.Flag("fast", "Trust the sidecar DB instead of re-listing the remote tree.").Bool()
	trialRun        = syncCmd.Flag("trial", "Plan but do not push, remove, or checkpoint anything.").Bool()
	removePfx       = syncCmd.Flag("remove-prefix", "Device path prefix recursive directory removal is confined to.").Default("").String()
	sidecarOpt      = syncCmd.Flag("sidecar-name", "Override the sidecar DB blob filename.").Default("").String()
	caseInsensitive = syncCmd.Flag("case-insensitive", "Pair local/remote names ignoring case.").Default("true").Bool()
)

func main() {
	app.Version(versionString())
	app.HelpFlag.Short('h')

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	client := adb.New(*adbHost, *adbPort)
	reporter := progress.Default

	var err error
	switch cmd {
	case listCmd.FullCommand():
		err = runListDevices(client)
	case waitCmd.FullCommand():
		err = runWaitForDevice(client, adb.WaitKind(*waitKind))
	case syncCmd.FullCommand():
		err = runSync(client, reporter)
	}
	if err != nil {
		reporter.Errorf("%v", err)
		os.Exit(1)
	}
}

func versionString() string {
	return "adbsync (dev build)"
}

func runListDevices(client *adb.Adb) error {
	devices, err := client.ListDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Println(d)
	}
	return nil
}

func runWaitForDevice(client *adb.Adb, kind adb.WaitKind) error {
	return client.WaitForDevice(kind)
}

func runSync(client *adb.Adb, reporter *progress.Reporter) error {
	descriptor := adb.AnyDevice()
	if *serial != "" {
		descriptor = adb.DeviceWithSerial(*serial)
	}
	device := client.Device(descriptor)

	pop := reporter.PushPrefix(fmt.Sprintf("%s -> %s", *localDir, *remoteDir))
	defer pop()

	var bar *progress.ByteBar
	opts := rsync.Options{
		Fast:            *fastMode,
		TrialRun:        *trialRun,
		RemovePrefix:    *removePfx,
		SidecarName:     *sidecarOpt,
		CaseInsensitive: caseInsensitive,
		Warning:         func(msg string) { reporter.Warningf("%s", msg) },
		Progress: func(pushed, planned int64, rate *rsync.RateEstimator) {
			if bar == nil {
				bar = progress.NewByteBar(planned)
			}
			bar.Update(rsync.Percent(pushed, planned), rate.ETA(float64(planned-pushed)))
		},
	}

	reporter.Status("planning")
	result, err := rsync.Sync(device, *localDir, *remoteDir, opts)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}
	reporter.Done()

	reporter.Status(fmt.Sprintf("%d to push, %d to remove, %d bytes planned",
		len(result.Adds), len(result.Removes), result.BytesPlanned))
	if *trialRun {
		reporter.Status("trial run: nothing written")
	} else {
		reporter.Status(fmt.Sprintf("pushed %d bytes", result.BytesPushed))
	}
	reporter.Done()
	return nil
}
