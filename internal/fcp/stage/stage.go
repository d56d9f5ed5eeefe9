// Package stage owns the receiver's staging file: `<basename>.tmp` in the
// target directory, promoted to `<basename>` only after the sender confirms
// the end-to-end check. All writes go through the verified-write loop, so a
// byte is present at its offset only once a read-back has matched it.
package stage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	ferrors "github.com/alxayo/go-fcp/internal/errors"
	"github.com/alxayo/go-fcp/internal/fcp/digest"
	"github.com/alxayo/go-fcp/internal/fcp/nasty"
)

// DefaultAttempts caps the verified-write loop. Corruption is random per
// attempt, so the survival probability of a bad write decays exponentially;
// a cap this size only trips when the file layer is broken outright.
const DefaultAttempts = 64

// Writer stages one file. It is not safe for concurrent use; the receiver is
// single-threaded by design.
type Writer struct {
	fs       *nasty.FS
	dir      string
	base     string
	attempts int

	// OnRetry, when set, is called once per failed verification attempt
	// (metrics hook).
	OnRetry func()
}

// NewWriter creates (or truncates) `<dir>/<base>.tmp` and returns a Writer
// for it. attempts <= 0 selects DefaultAttempts.
func NewWriter(fs *nasty.FS, dir, base string, attempts int) (*Writer, error) {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	w := &Writer{fs: fs, dir: dir, base: base, attempts: attempts}
	f, err := fs.Create(w.TmpPath())
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close staging file: %w", err)
	}
	return w, nil
}

// Base returns the declared basename.
func (w *Writer) Base() string { return w.base }

// TmpPath returns the staging path `<dir>/<base>.tmp`.
func (w *Writer) TmpPath() string { return filepath.Join(w.dir, w.base+".tmp") }

// FinalPath returns the promoted path `<dir>/<base>`.
func (w *Writer) FinalPath() string { return filepath.Join(w.dir, w.base) }

// VerifiedWriteAt persists p at off and only returns once a read-back has
// hashed equal to p:
//
//	repeat
//	    open, write at off, close
//	    open, read |p| bytes at off, close
//	until sha1(read back) == sha1(p)
//
// Handles are scoped to one operation each so every attempt sees fresh file
// layer faults rather than a cached page. Exhausting the attempt cap returns
// a CorruptionError; the session aborts and the .tmp stays put.
func (w *Writer) VerifiedWriteAt(p []byte, off int64) error {
	want := digest.OfBytes(p)
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if err := w.writeOnce(p, off); err != nil {
			return err
		}
		back, err := w.readBack(len(p), off)
		if err != nil {
			return err
		}
		if digest.OfBytes(back) == want {
			return nil
		}
		if w.OnRetry != nil {
			w.OnRetry()
		}
	}
	return ferrors.NewCorruptionError("stage.verifiedWrite", w.attempts,
		fmt.Errorf("offset %d, %d bytes never read back clean", off, len(p)))
}

func (w *Writer) writeOnce(p []byte, off int64) error {
	f, err := w.fs.OpenWrite(w.TmpPath())
	if err != nil {
		return fmt.Errorf("open staging file: %w", err)
	}
	defer f.Close()
	if len(p) == 0 {
		return nil
	}
	if _, err := f.WriteAt(p, off); err != nil {
		return fmt.Errorf("write staging file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync staging file: %w", err)
	}
	return nil
}

func (w *Writer) readBack(n int, off int64) ([]byte, error) {
	f, err := w.fs.Open(w.TmpPath())
	if err != nil {
		return nil, fmt.Errorf("reopen staging file: %w", err)
	}
	defer f.Close()
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	got, err := f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read back staging file: %w", err)
	}
	return buf[:got], nil
}

// Promote renames the staging file to its final name, replacing any existing
// file of that name.
func (w *Writer) Promote() error {
	if err := os.Rename(w.TmpPath(), w.FinalPath()); err != nil {
		return fmt.Errorf("promote staging file: %w", err)
	}
	return nil
}
