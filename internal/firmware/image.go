// internal/firmware/image.go
// Image sources for the bulk engine. An ImageStream carries a name, the
// logical byte count and a reader that yields exactly that many bytes;
// the DATA command needs the size up front, so compressed sources are
// measured or spooled before streaming begins.
package firmware

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// ImageStream is a consumed-once, bounded image source.
type ImageStream struct {
	Name string
	Size int64

	r      io.Reader
	closer func() error
}

func (s *ImageStream) Read(p []byte) (int, error) { return s.r.Read(p) }

// Close releases the underlying file or spool.
func (s *ImageStream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// IsLZ4Name reports whether the path names an lz4-framed image.
func IsLZ4Name(name string) bool { return HasSuffixFold(name, ".lz4") }

// OpenImage opens a standalone image file. For .lz4 sources the logical
// size is the decompressed length, measured with a first pass over the
// frame; everything else streams as-is at its file size.
func OpenImage(path string) (*ImageStream, error) {
	if IsLZ4Name(path) {
		return openLZ4File(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}
	return &ImageStream{
		Name:   filepath.Base(path),
		Size:   info.Size(),
		r:      io.LimitReader(f, info.Size()),
		closer: f.Close,
	}, nil
}

// openLZ4File measures the decompressed length with a counting pass, then
// rewinds and streams the frame through the decompressor. Two passes cost
// one extra read of the compressed file and buy an exact size for the
// DATA packet.
func openLZ4File(path string) (*ImageStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}

	size, err := io.Copy(io.Discard, lz4.NewReader(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("measuring lz4 image %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("rewinding lz4 image: %w", err)
	}

	return &ImageStream{
		Name:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Size:   size,
		r:      io.LimitReader(lz4.NewReader(f), size),
		closer: f.Close,
	}, nil
}

// SpoolLZ4 decompresses a non-seekable lz4 source (a tar slice) into a
// temporary file so its logical size is known before streaming. The spool
// is deleted on Close.
func SpoolLZ4(name string, r io.Reader) (*ImageStream, error) {
	tmp, err := os.CreateTemp("", "odinflash-spool-*")
	if err != nil {
		return nil, fmt.Errorf("creating spool: %w", err)
	}
	cleanup := func() error {
		tmp.Close()
		return os.Remove(tmp.Name())
	}

	size, err := io.Copy(tmp, lz4.NewReader(r))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("spooling lz4 image %s: %w", name, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, fmt.Errorf("rewinding spool: %w", err)
	}

	return &ImageStream{
		Name:   strings.TrimSuffix(name, filepath.Ext(name)),
		Size:   size,
		r:      io.LimitReader(tmp, size),
		closer: cleanup,
	}, nil
}

// StreamFromTarEntry adapts an archive member into an image source. Plain
// entries stream straight off the archive; lz4 members are spooled first.
func StreamFromTarEntry(e *TarEntry) (*ImageStream, error) {
	if IsLZ4Name(e.Name) {
		return SpoolLZ4(filepath.Base(e.Name), e)
	}
	return &ImageStream{
		Name: filepath.Base(e.Name),
		Size: e.Size,
		r:    e,
	}, nil
}
