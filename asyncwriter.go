package adb

import (
	"io"
	"os"
	"sync/atomic"

	aerrors "github.com/mpalmer/adbsync/internal/errors"
	"github.com/mpalmer/adbsync/wire"
)

// AsyncWriter tracks an in-flight DoSyncLocalFile push, letting a caller
// observe progress on a channel without blocking on the final result.
type AsyncWriter struct {
	TotalSize int64

	// C fires (best-effort, non-blocking) whenever more bytes have been
	// written. DoneCopy and Done both close once the whole sync:
	// transaction, including the remote status reply, has completed,
	// DoneCopy first; the end of the local read is not signalled on its
	// own.
	C        chan struct{}
	DoneCopy chan struct{}
	Done     chan struct{}

	written int64
	err     error
}

// BytesCompleted returns the number of bytes sent so far. Safe to call
// concurrently with the in-flight copy.
func (w *AsyncWriter) BytesCompleted() int64 {
	return atomic.LoadInt64(&w.written)
}

// Progress returns BytesCompleted as a fraction of TotalSize.
func (w *AsyncWriter) Progress() float64 {
	if w.TotalSize == 0 {
		return 1
	}
	return float64(w.BytesCompleted()) / float64(w.TotalSize)
}

// Err returns the result of the push. Only meaningful after Done closes.
func (w *AsyncWriter) Err() error {
	return w.err
}

// countingReader wraps a source reader, updating an AsyncWriter's byte
// count and pinging its progress channel as data flows through.
type countingReader struct {
	r io.Reader
	w *AsyncWriter
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		atomic.AddInt64(&c.w.written, int64(n))
		select {
		case c.w.C <- struct{}{}:
		default:
		}
	}
	return n, err
}

// DoSyncLocalFile pushes localPath to remotePath in the background,
// returning immediately with an AsyncWriter the caller can poll or
// select on for progress and completion.
func (d *Device) DoSyncLocalFile(remotePath, localPath string, mode os.FileMode) (*AsyncWriter, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, aerrors.WrapErrorf(err, aerrors.LocalIOError, "opening push source %s", localPath)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, aerrors.WrapErrorf(err, aerrors.LocalIOError, "statting push source %s", localPath)
	}

	w := &AsyncWriter{
		TotalSize: info.Size(),
		C:         make(chan struct{}, 1),
		DoneCopy:  make(chan struct{}),
		Done:      make(chan struct{}),
	}

	go func() {
		defer f.Close()
		cr := &countingReader{r: f, w: w}
		w.err = d.Sync(func(sc *wire.SyncConn) error {
			return sc.Send(cr, remotePath, uint32(mode.Perm()), uint32(info.ModTime().Unix()))
		})
		close(w.DoneCopy)
		close(w.Done)
	}()

	return w, nil
}
