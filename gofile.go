package minileaf

import (
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
)

const dataFileMode os.FileMode = 0o644

// gofile wraps an os.File with a reader-writer lock so position-addressed
// reads can run concurrently with each other while appends serialize. The
// log engine's data file and the WAL go through this wrapper; snapshots,
// compaction temp files and the manifest are read and written with os directly.
type gofile struct {
	rwmu sync.RWMutex
	file *os.File
	path string
}

func openGofile(path string) (*gofile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, dataFileMode)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &gofile{file: f, path: path}, nil
}

// Size reports the current file length.
func (g *gofile) Size() (int64, error) {
	g.rwmu.RLock()
	defer g.rwmu.RUnlock()
	info, err := g.file.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", g.path)
	}
	return info.Size(), nil
}

// ReadAt fills buf from the given offset. Safe for concurrent readers.
// A complete read that ends exactly at EOF is a success, not an error.
func (g *gofile) ReadAt(buf []byte, off int64) (int, error) {
	g.rwmu.RLock()
	defer g.rwmu.RUnlock()
	n, err := g.file.ReadAt(buf, off)
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	return n, err
}

// Append writes buf at the end of the file and returns the offset the record
// starts at. Syncs before returning when sync is set, so the caller may
// update in-memory state knowing the bytes are durable.
func (g *gofile) Append(buf []byte, sync bool) (int64, error) {
	g.rwmu.Lock()
	defer g.rwmu.Unlock()
	off, err := g.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrapf(err, "seek end %s", g.path)
	}
	if _, err := g.file.Write(buf); err != nil {
		return 0, errors.Wrapf(err, "append %s", g.path)
	}
	if sync {
		if err := g.file.Sync(); err != nil {
			return 0, errors.Wrapf(err, "fsync %s", g.path)
		}
	}
	return off, nil
}

// Truncate cuts the file to zero length.
func (g *gofile) Truncate() error {
	g.rwmu.Lock()
	defer g.rwmu.Unlock()
	if err := g.file.Truncate(0); err != nil {
		return errors.Wrapf(err, "truncate %s", g.path)
	}
	_, err := g.file.Seek(0, io.SeekStart)
	return errors.Wrapf(err, "rewind %s", g.path)
}

// Close releases the underlying descriptor.
func (g *gofile) Close() error {
	g.rwmu.Lock()
	defer g.rwmu.Unlock()
	return g.file.Close()
}

// replaceWith atomically swaps this file's contents with the file at
// tmpPath: close old, rename tmp over old, reopen. Callers hold the engine
// write lock, so no reader can race the descriptor swap.
func (g *gofile) replaceWith(tmpPath string) error {
	g.rwmu.Lock()
	defer g.rwmu.Unlock()
	if err := g.file.Close(); err != nil {
		return errors.Wrapf(err, "close %s before replace", g.path)
	}
	if err := os.Rename(tmpPath, g.path); err != nil {
		return errors.Wrapf(err, "rename %s over %s", tmpPath, g.path)
	}
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_RDWR, dataFileMode)
	if err != nil {
		return errors.Wrapf(err, "reopen %s", g.path)
	}
	g.file = f
	return nil
}

// writeFileAtomic writes data to path via a sibling temp file: write, fsync,
// close, rename. Used for snapshot rewrites.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, dataFileMode)
	if err != nil {
		return errors.Wrapf(err, "open %s", tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "fsync %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "rename %s over %s", tmp, path)
}
