package updatelog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type fileBacking struct {
	f      *os.File
	locked bool
}

func (b *fileBacking) ReadAt(p []byte, off int64) (int, error)  { return b.f.ReadAt(p, off) }
func (b *fileBacking) WriteAt(p []byte, off int64) (int, error) { return b.f.WriteAt(p, off) }
func (b *fileBacking) Truncate(size int64) error                 { return b.f.Truncate(size) }
func (b *fileBacking) Sync() error                               { return syncFile(b.f) }

func (b *fileBacking) Close() error {
	if b.locked {
		_ = unlockFile(b.f)
	}
	return b.f.Close()
}

// File is a Log stored in a single file. Writers hold an exclusive advisory
// lock for as long as the log is open.
type File struct {
	*segment
	path string
}

// OpenFile opens or creates the log at path.
func OpenFile(path string, opts Options) (*File, error) {
	flags := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flags = os.O_RDONLY
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("updatelog: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("updatelog: open %s: %w", path, err)
	}
	back := &fileBacking{f: f}
	if !opts.ReadOnly {
		if err := lockFile(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("updatelog: lock %s: %w", path, err)
		}
		back.locked = true
	}
	info, err := f.Stat()
	if err != nil {
		back.Close()
		return nil, fmt.Errorf("updatelog: stat %s: %w", path, err)
	}
	seg, err := openSegment(back, info.Size(), opts, time.Now())
	if err != nil {
		back.Close()
		return nil, fmt.Errorf("updatelog: %s: %w", path, err)
	}
	return &File{segment: seg, path: path}, nil
}

// Path returns the file backing the log.
func (f *File) Path() string { return f.path }
