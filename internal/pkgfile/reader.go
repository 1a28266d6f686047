package pkgfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/bigbag/otalink/internal/checksum"
)

// Reader errors. Open failures surface before any wire activity.
var (
	ErrTooSmall         = fmt.Errorf("pkgfile: file smaller than header")
	ErrHeaderCorrupt    = fmt.Errorf("pkgfile: header CRC mismatch")
	ErrInvalidFileCount = fmt.Errorf("pkgfile: file count out of range")
	ErrSizeMismatch     = fmt.Errorf("pkgfile: file lengths inconsistent with package size")
	ErrFileNotFound     = fmt.Errorf("pkgfile: no such file in package")
	ErrOffsetOutOfRange = fmt.Errorf("pkgfile: slice offset beyond file length")
)

// Reader answers file-slice queries against an open package. The file is
// opened read-only and the cached header is immutable until Close.
type Reader struct {
	f    *os.File
	path string
	size int64
	hdr  *Header
	raw  []byte
	// absolute body offset of each file
	offsets [MaxFiles]int64
}

// Open stats and opens the package at path, parses and CRC-verifies the
// header, and checks the per-file limits.
func Open(path string) (*Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat package")
	}
	if info.Size() < HeaderSize {
		return nil, ErrTooSmall
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open package")
	}

	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, raw); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "read package header")
	}

	hdr, err := ParseHeader(raw)
	if err != nil {
		f.Close()
		return nil, err
	}
	if checksum.CRC32(raw[:offCRC]) != hdr.CRC32 {
		f.Close()
		return nil, ErrHeaderCorrupt
	}
	if hdr.FileCount == 0 || hdr.FileCount > MaxFiles {
		f.Close()
		return nil, ErrInvalidFileCount
	}

	r := &Reader{f: f, path: path, size: info.Size(), hdr: hdr, raw: raw}

	total := int64(HeaderSize)
	for i := uint32(0); i < hdr.FileCount; i++ {
		length := hdr.Files[i].Length
		if length == 0 || length > MaxFileSize {
			f.Close()
			return nil, ErrSizeMismatch
		}
		r.offsets[i] = total
		total += int64(length)
	}
	if total > info.Size() {
		f.Close()
		return nil, ErrSizeMismatch
	}
	return r, nil
}

// Header returns the cached, verified header.
func (r *Reader) Header() *Header { return r.hdr }

// HeaderBytes returns the verified 1028-byte header exactly as stored.
// This is the copy the transfer loop puts on the wire.
func (r *Reader) HeaderBytes() []byte { return r.raw }

// ReadSlice reads up to BlockPayload bytes of the named file starting at
// offset. The returned buffer is always BlockPayload bytes, zero-padded
// past the effective length.
func (r *Reader) ReadSlice(name string, offset uint32) ([]byte, int, error) {
	idx := -1
	for i := uint32(0); i < r.hdr.FileCount; i++ {
		if r.hdr.Files[i].Name == name {
			idx = int(i)
			break
		}
	}
	if idx < 0 {
		return nil, 0, ErrFileNotFound
	}

	length := r.hdr.Files[idx].Length
	if offset >= length {
		return nil, 0, ErrOffsetOutOfRange
	}

	effective := length - offset
	if effective > BlockPayload {
		effective = BlockPayload
	}

	buf := make([]byte, BlockPayload)
	if _, err := r.f.ReadAt(buf[:effective], r.offsets[idx]+int64(offset)); err != nil {
		return nil, 0, errors.Wrapf(err, "read %s at %d", name, offset)
	}
	return buf, int(effective), nil
}

// Matches reports whether the peer's claimed package name and size match
// this package. The name is compared against the package file's basename,
// the size against its total on-disk size.
func (r *Reader) Matches(name string, size uint32) bool {
	return filepath.Base(r.path) == name && int64(size) == r.size
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
