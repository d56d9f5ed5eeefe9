package nasty

import (
	"fmt"
	"io"
	"os"
)

// FS hands out nasty file handles at a fixed nastiness level. One FS is
// shared per process side so every handle draws faults from the same
// replayable sequence.
type FS struct {
	level int
	src   *source
}

// NewFS creates a file layer with the given nastiness level and RNG seed.
func NewFS(level int, seed uint64) *FS {
	return &FS{level: clampLevel(level), src: newSource(seed)}
}

// Nastiness returns the clamped level the FS was built with.
func (fs *FS) Nastiness() int { return fs.level }

// Open opens path read-only.
func (fs *FS) Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &File{f: f, fs: fs}, nil
}

// OpenWrite opens path for update, creating it if absent.
func (fs *FS) OpenWrite(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{f: f, fs: fs}, nil
}

// Create opens path truncated to zero length.
func (fs *FS) Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{f: f, fs: fs}, nil
}

// File is a nasty file handle. Writes may flip a byte on their way to disk;
// at higher levels reads may flip a byte on their way back. Callers defend
// with the verified-write loop and the end-to-end digest check, never by
// trusting a single operation.
type File struct {
	f  *os.File
	fs *FS
}

// Name returns the path the handle was opened with.
func (f *File) Name() string { return f.f.Name() }

// WriteAt writes p at off. With probability scaled by the nastiness level the
// bytes that reach the disk differ from p in one bit; p itself is never
// modified.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	out := p
	if f.fs.src.roll(fileWriteFlip[f.fs.level]) {
		cp := make([]byte, len(p))
		copy(cp, p)
		f.fs.src.flipBit(cp)
		out = cp
	}
	return f.f.WriteAt(out, off)
}

// ReadAt fills p from off. At nastiness levels where the read path lies, the
// returned bytes may differ from the file content in one bit.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.f.ReadAt(p, off)
	if n > 0 && f.fs.src.roll(fileReadFlip[f.fs.level]) {
		f.fs.src.flipBit(p[:n])
	}
	return n, err
}

// ReadAll reads the whole file into memory with a single sized read.
func (f *File) ReadAll() ([]byte, error) {
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if int64(n) != size {
		return nil, fmt.Errorf("short read: %d of %d bytes", n, size)
	}
	return buf, nil
}

// Size returns the current file length.
func (f *File) Size() (int64, error) {
	st, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Sync flushes to stable storage.
func (f *File) Sync() error { return f.f.Sync() }

// Close closes the underlying descriptor.
func (f *File) Close() error { return f.f.Close() }
