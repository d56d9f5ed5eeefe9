// Package digest provides the SHA-1 helpers used across FCP: file-name
// hashes (session identifiers), per-packet payload checksums, and the
// whole-file digest exchanged during the end-to-end check.
package digest

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/alxayo/go-fcp/internal/fcp/nasty"
)

// OfBytes returns the SHA-1 of buf as 40 lowercase hex characters.
func OfBytes(buf []byte) string {
	sum := sha1.Sum(buf)
	return hex.EncodeToString(sum[:])
}

// OfString is OfBytes over a string; used for file-name hashes.
func OfString(s string) string {
	return OfBytes([]byte(s))
}

// OfFile hashes the file at path, reading it through the nasty file layer.
// The file is read into memory once: reads may silently corrupt, and a
// corrupted read simply yields a digest that will not match the other peer's,
// which the end-to-end loop reports as CHK_FAIL. Repeated reads would not
// make the digest trustworthy, only slower.
func OfFile(fs *nasty.FS, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for digest: %w", err)
	}
	defer f.Close()

	buf, err := f.ReadAll()
	if err != nil {
		return "", fmt.Errorf("read for digest: %w", err)
	}
	return OfBytes(buf), nil
}
