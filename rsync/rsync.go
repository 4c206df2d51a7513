// Package rsync implements the reconciliation engine: a lockstep diff
// of a local directory tree against a remote (or DB-derived) view,
// classification of additions/removals, a sidecar-DB checkpointing
// transfer loop, and an exponentially-smoothed transfer rate
// estimate.
package rsync

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	adb "github.com/mpalmer/adbsync"
	aerrors "github.com/mpalmer/adbsync/internal/errors"
	"github.com/mpalmer/adbsync/sidecar"
	"github.com/mpalmer/adbsync/wire"
)

// AutosaveInterval is how often the sidecar DB is re-checkpointed
// during a batch of pushes.
const AutosaveInterval = 10 * time.Second

// WorkKind classifies a WorkItem.
type WorkKind int

const (
	AddFile WorkKind = iota
	RemoveFile
	RemoveDir
)

func (k WorkKind) String() string {
	switch k {
	case AddFile:
		return "AddFile"
	case RemoveFile:
		return "RemoveFile"
	case RemoveDir:
		return "RemoveDir"
	default:
		return "Unknown"
	}
}

// WorkItem is one planned mutation: push a local file, or remove a
// remote file/directory. RelPath is canonical (POSIX, relative to both
// sync roots).
type WorkItem struct {
	Kind       WorkKind
	RelPath    string
	DBKey      string // canonical-lowercased RelPath, only set for AddFile
	LocalPath  string // only set for AddFile
	RemotePath string
	Mode       uint32
	Size       uint32
	Mtime      uint32 // local mtime, only meaningful for AddFile
}

// Options configures one reconciliation run.
type Options struct {
	// Fast skips inspecting the remote filesystem, deriving the
	// right-hand walk purely from the sidecar DB instead.
	Fast bool
	// TrialRun plans but never pushes, removes, or checkpoints.
	TrialRun bool
	// RemovePrefix bounds recursive remote directory removal; a
	// RemoveDir outside this prefix is refused and warned instead.
	// Empty refuses all RemoveDir.
	RemovePrefix string
	// Warning receives one call per non-fatal condition encountered
	// during planning or execution.
	Warning func(string)
	// SidecarName overrides the default sidecar blob filename.
	SidecarName string
	// CaseInsensitive controls local/remote name pairing: nil or true
	// folds case (the default, matching Android's common
	// case-preserving-but-insensitive external storage); false pairs
	// names exactly.
	CaseInsensitive *bool
	// Progress, if set, is called after each successful push with the
	// running total of bytes pushed, the total bytes planned, and the
	// current smoothed rate estimate.
	Progress func(bytesPushed, bytesPlanned int64, rate *RateEstimator)
}

func (o Options) warn(format string, args ...interface{}) {
	if o.Warning != nil {
		o.Warning(fmt.Sprintf(format, args...))
	}
}

func (o Options) sidecarName() string {
	if o.SidecarName != "" {
		return o.SidecarName
	}
	return sidecar.DefaultName
}

func (o Options) caseInsensitive() bool {
	if o.CaseInsensitive == nil {
		return true
	}
	return *o.CaseInsensitive
}

// Result summarizes one completed (or, for a trial run, merely
// planned) reconciliation.
type Result struct {
	Adds         []WorkItem
	Removes      []WorkItem
	BytesPlanned int64
	BytesPushed  int64
}

// Sync reconciles localRoot onto remoteRoot on device, per opts. The
// three-operation caller surface (list_devices/wait_for_device/sync)
// lives one level up, on *adb.Adb and *adb.Device; this is the sync
// half.
func Sync(device *adb.Device, localRoot, remoteRoot string, opts Options) (*Result, error) {
	p := &planner{
		localRoot:  localRoot,
		remoteRoot: remoteRoot,
		opts:       opts,
		mtimeWorks: device.SupportsMtime(),
		newDB:      sidecar.New(),
	}

	err := device.Sync(func(conn *wire.SyncConn) error {
		p.sc = conn
		blob := pullSidecar(conn, remoteRoot, opts.sidecarName())
		p.oldDB = sidecar.Decode(blob)
		if opts.Fast {
			p.dbEntries = toDBRecords(p.oldDB)
		}
		return p.plan("")
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Removes: p.removes, Adds: p.adds}
	for _, a := range p.adds {
		result.BytesPlanned += int64(a.Size)
	}
	if opts.TrialRun {
		return result, nil
	}

	estimator := NewRateEstimator(AutosaveInterval)
	err = device.Sync(func(conn *wire.SyncConn) error {
		if err := pushSidecar(conn, remoteRoot, opts.sidecarName(), p.newDB); err != nil {
			return err
		}

		executeRemoves(device, p.removes, opts)

		lastCheckpoint := time.Now()
		for _, item := range p.adds {
			if err := pushOne(conn, item); err != nil {
				opts.warn("pushing %s: %v", item.RemotePath, err)
				continue
			}
			p.newDB.Set(item.DBKey, sidecar.Entry{Mtime: item.Mtime, Size: item.Size})
			result.BytesPushed += int64(item.Size)
			estimator.Update(float64(item.Size))
			if opts.Progress != nil {
				opts.Progress(result.BytesPushed, result.BytesPlanned, estimator)
			}

			if time.Since(lastCheckpoint) >= AutosaveInterval {
				if err := pushSidecar(conn, remoteRoot, opts.sidecarName(), p.newDB); err != nil {
					return err
				}
				lastCheckpoint = time.Now()
			}
		}

		return pushSidecar(conn, remoteRoot, opts.sidecarName(), p.newDB)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func executeRemoves(device *adb.Device, items []WorkItem, opts Options) {
	for _, item := range items {
		switch item.Kind {
		case RemoveDir:
			if !withinPrefix(item.RemotePath, opts.RemovePrefix) {
				refusal := aerrors.Errorf(aerrors.PolicyRefusal,
					"refusing to remove %s: outside remove prefix %q", item.RemotePath, opts.RemovePrefix)
				opts.warn("%v", refusal)
				continue
			}
			if _, err := device.RunCommand("rm -r " + shellQuote(item.RemotePath)); err != nil {
				opts.warn("removing directory %s: %v", item.RemotePath, err)
			}
		case RemoveFile:
			if _, err := device.RunCommand("rm " + shellQuote(item.RemotePath)); err != nil {
				opts.warn("removing file %s: %v", item.RemotePath, err)
			}
		}
	}
}

func withinPrefix(p, prefix string) bool {
	if prefix == "" {
		return false
	}
	return strings.HasPrefix(p, prefix)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// pullSidecar fetches the sidecar blob, STATing first the way
// Device.PullFile does: a first sync on a fresh remote_root has no
// sidecar yet, and issuing RECV straight at a path that doesn't exist
// would just trade a STAT round trip for a FAIL status this connection
// then has to recover from.
func pullSidecar(sc *wire.SyncConn, remoteRoot, name string) []byte {
	remotePath := path.Join(remoteRoot, name)
	mode, _, _, err := sc.Stat(remotePath)
	if err != nil || mode == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := sc.Recv(remotePath, &buf); err != nil {
		return nil
	}
	return buf.Bytes()
}

func pushSidecar(sc *wire.SyncConn, remoteRoot, name string, db *sidecar.DB) error {
	blob, err := sidecar.Encode(db)
	if err != nil {
		return err
	}
	return sc.Send(bytes.NewReader(blob), path.Join(remoteRoot, name), 0o644, uint32(time.Now().Unix()))
}

func pushOne(sc *wire.SyncConn, item WorkItem) error {
	f, err := os.Open(item.LocalPath)
	if err != nil {
		return aerrors.WrapErrorf(err, aerrors.LocalIOError, "opening push source %s", item.LocalPath)
	}
	defer f.Close()
	return sc.Send(f, item.RemotePath, item.Mode, item.Mtime)
}
