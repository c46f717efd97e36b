package detect

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"
)

// sniffLen is how much of a file is checked for NUL bytes.
const sniffLen = 512

// Content is one read of a file.
type Content struct {
	Data    []byte
	Hash    string
	Size    int64
	ModTime time.Time
	// Skipped is set when the file is oversized or not text; Data and Hash
	// are empty and the fingerprint falls back to size and mtime.
	Skipped bool
}

// Read loads path and hashes it. Files larger than maxBytes (when positive)
// and files with a NUL byte in the first 512 bytes are returned with
// Skipped set.
func Read(path string, maxBytes int64) (Content, error) {
	f, err := os.Open(path)
	if err != nil {
		return Content{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Content{}, err
	}
	if !info.Mode().IsRegular() {
		return Content{}, fmt.Errorf("%s is not a regular file", path)
	}

	return readFrom(f, info.Size(), info.ModTime(), maxBytes)
}

// readFrom reads at most maxBytes+1 bytes from r, so a file that grew past
// the limit after size was observed is still skipped rather than read whole.
func readFrom(r io.Reader, size int64, modTime time.Time, maxBytes int64) (Content, error) {
	c := Content{Size: size, ModTime: modTime}
	if maxBytes > 0 && size > maxBytes {
		c.Skipped = true
		return c, nil
	}

	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Content{}, err
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		c.Skipped = true
		return c, nil
	}
	if binary(data) {
		c.Skipped = true
		return c, nil
	}

	c.Data = data
	c.Hash = Hash(data)
	c.Size = int64(len(data))
	return c, nil
}

// Hash returns the hex sha256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func binary(data []byte) bool {
	if len(data) > sniffLen {
		data = data[:sniffLen]
	}
	return bytes.IndexByte(data, 0) >= 0
}
