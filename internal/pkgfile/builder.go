package pkgfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// Input describes one image to place into a package. Path may point at a
// raw .bin or an Intel HEX file; HEX images are flattened relative to
// their lowest address with 0xFF gap fill.
type Input struct {
	Path      string
	Name      string // name inside the package; defaults to basename of Path
	Type      uint32
	StartAddr uint32
}

// Build writes a package file containing the given images.
func Build(outPath string, inputs []Input) (*Header, error) {
	if len(inputs) == 0 || len(inputs) > MaxFiles {
		return nil, ErrInvalidFileCount
	}

	hdr := &Header{FileCount: uint32(len(inputs))}
	bodies := make([][]byte, len(inputs))

	for i, in := range inputs {
		name := in.Name
		if name == "" {
			name = filepath.Base(in.Path)
		}
		if len(name) >= NameSize {
			return nil, fmt.Errorf("pkgfile: name %q exceeds %d bytes", name, NameSize-1)
		}

		data, err := loadImage(in.Path)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 || len(data) > MaxFileSize {
			return nil, fmt.Errorf("pkgfile: image %q is %d bytes, want 1..%d", name, len(data), MaxFileSize)
		}

		bodies[i] = data
		hdr.Files[i] = FileEntry{
			Name:      name,
			Type:      in.Type,
			StartAddr: in.StartAddr,
			Length:    uint32(len(data)),
		}
	}

	out, err := os.Create(outPath)
	if err != nil {
		return nil, errors.Wrap(err, "create package")
	}
	defer out.Close()

	if _, err := out.Write(EncodeHeader(hdr)); err != nil {
		return nil, errors.Wrap(err, "write header")
	}
	for i, body := range bodies {
		if _, err := out.Write(body); err != nil {
			return nil, errors.Wrapf(err, "write %s", hdr.Files[i].Name)
		}
	}
	return hdr, nil
}

func loadImage(path string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".hex") {
		return flattenHex(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read image")
	}
	return data, nil
}

// flattenHex parses an Intel HEX image and lays its segments out as one
// contiguous blob starting at the lowest segment address. Gaps read as
// 0xFF, matching erased flash.
func flattenHex(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open hex image")
	}
	defer f.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}

	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, fmt.Errorf("pkgfile: %s contains no data records", path)
	}
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Address < segments[j].Address
	})

	base := segments[0].Address
	last := segments[len(segments)-1]
	size := int(last.Address-base) + len(last.Data)
	if size > MaxFileSize {
		return nil, fmt.Errorf("pkgfile: %s flattens to %d bytes, exceeds %d", path, size, MaxFileSize)
	}

	blob := make([]byte, size)
	for i := range blob {
		blob[i] = 0xFF
	}
	for _, seg := range segments {
		copy(blob[seg.Address-base:], seg.Data)
	}
	return blob, nil
}
