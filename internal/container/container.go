// Package container turns live-wallpaper packages into a playable video path.
package container

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bryanchriswhite/DeskLoop/internal/logger"
)

// ErrNoVideo means no strategy found a video inside the package
var ErrNoVideo = errors.New("no video found in package")

// PackageExt is the extension of the wallpaper packages this resolver unpacks
const PackageExt = ".mlw"

const scanChunk = 64 << 10

// Kind is a detected video container format
type Kind string

const (
	KindNone     Kind = ""
	KindMP4      Kind = "mp4"
	KindMatroska Kind = "webm"
	KindAVI      Kind = "avi"
	KindGIF      Kind = "gif"
)

// Ext returns the file extension decoders expect for k
func (k Kind) Ext() string {
	if k == KindNone {
		return ""
	}
	return "." + string(k)
}

var videoExts = map[string]bool{
	".mp4":  true,
	".m4v":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
	".mkv":  true,
	".gif":  true,
}

var (
	sigFtyp = []byte("ftyp")
	sigEBML = []byte{0x1a, 0x45, 0xdf, 0xa3}
)

// Sniff identifies a video container from the first bytes of a file
func Sniff(header []byte) Kind {
	switch {
	case len(header) >= 8 && bytes.Equal(header[4:8], sigFtyp):
		return KindMP4
	case bytes.HasPrefix(header, sigEBML):
		return KindMatroska
	case len(header) >= 12 && bytes.Equal(header[0:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("AVI ")):
		return KindAVI
	case bytes.HasPrefix(header, []byte("GIF87a")), bytes.HasPrefix(header, []byte("GIF89a")):
		return KindGIF
	}
	return KindNone
}

// IsPackage reports whether path names a wallpaper package
func IsPackage(path string) bool {
	return strings.EqualFold(filepath.Ext(path), PackageExt)
}

// Resolver extracts videos into a private temp directory
type Resolver struct {
	base string

	mu  sync.Mutex
	dir string
}

// NewResolver creates a Resolver whose scratch directory is created under
// base on first use. An empty base means os.TempDir.
func NewResolver(base string) *Resolver {
	return &Resolver{base: base}
}

// Resolve returns a playable path for path. Files that are not packages are
// returned unchanged.
func (r *Resolver) Resolve(path string) (string, error) {
	if !IsPackage(path) {
		return path, nil
	}
	log := logger.WithComponent("container")

	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}

	strategies := []struct {
		name string
		fn   func(string) (string, error)
	}{
		{"zip", r.fromZip},
		{"renamed", r.asVideo},
		{"embedded", r.embedded},
	}
	for _, s := range strategies {
		out, err := s.fn(path)
		if err != nil {
			if !errors.Is(err, ErrNoVideo) {
				log.Debug().Err(err).Str("strategy", s.name).Str("path", path).Msg("Strategy failed")
			}
			continue
		}
		log.Info().Str("strategy", s.name).Str("package", path).Str("video", out).Msg("Video extracted")
		return out, nil
	}
	return "", fmt.Errorf("resolve %s: %w", path, ErrNoVideo)
}

// Cleanup removes every extracted file
func (r *Resolver) Cleanup() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dir == "" {
		return nil
	}
	err := os.RemoveAll(r.dir)
	r.dir = ""
	return err
}

// Dir returns the scratch directory, or "" before the first extraction
func (r *Resolver) Dir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir
}

func (r *Resolver) scratch() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dir != "" {
		return r.dir, nil
	}
	dir, err := os.MkdirTemp(r.base, "deskloop-")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	r.dir = dir
	return dir, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// fromZip extracts the first video entry of a zip package. Entries are
// matched by extension first, then by content.
func (r *Resolver) fromZip(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	switch {
	case errors.Is(err, zip.ErrInsecurePath):
		// entries are flattened to base names below
	case errors.Is(err, zip.ErrFormat):
		return "", ErrNoVideo
	case err != nil:
		return "", err
	}
	defer zr.Close()

	var byContent *zip.File
	var contentKind Kind
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if videoExts[strings.ToLower(filepath.Ext(f.Name))] {
			return r.extractEntry(f, filepath.Base(f.Name))
		}
		if byContent == nil {
			if k := sniffEntry(f); k != KindNone {
				byContent, contentKind = f, k
			}
		}
	}
	if byContent != nil {
		return r.extractEntry(byContent, stem(byContent.Name)+contentKind.Ext())
	}
	return "", ErrNoVideo
}

func sniffEntry(f *zip.File) Kind {
	rc, err := f.Open()
	if err != nil {
		return KindNone
	}
	defer rc.Close()
	header := make([]byte, 16)
	n, _ := io.ReadFull(rc, header)
	return Sniff(header[:n])
}

func (r *Resolver) extractEntry(f *zip.File, name string) (string, error) {
	dir, err := r.scratch()
	if err != nil {
		return "", err
	}
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	// name is a base name, so entries cannot escape dir
	out := filepath.Join(dir, filepath.Base(name))
	if err := writeFile(out, rc); err != nil {
		return "", err
	}
	return out, nil
}

// asVideo handles packages that are a video file with a different extension
func (r *Resolver) asVideo(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	header := make([]byte, 16)
	n, _ := io.ReadFull(f, header)
	kind := Sniff(header[:n])
	if kind == KindNone {
		return "", ErrNoVideo
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return r.copyOut(f, stem(path)+kind.Ext())
}

// embedded scans for an MP4 or Matroska stream inside an opaque package
// and extracts from its start to the end of the file.
func (r *Resolver) embedded(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	// ftyp is the second field of the first box, preceded by its 4-byte size
	if off, err := findOffset(f, sigFtyp, 4); err == nil {
		return r.copyOut(io.NewSectionReader(f, off-4, info.Size()-off+4), stem(path)+"_extracted"+KindMP4.Ext())
	} else if !errors.Is(err, ErrNoVideo) {
		return "", err
	}
	if off, err := findOffset(f, sigEBML, 0); err == nil {
		return r.copyOut(io.NewSectionReader(f, off, info.Size()-off), stem(path)+"_extracted"+KindMatroska.Ext())
	} else if !errors.Is(err, ErrNoVideo) {
		return "", err
	}
	return "", ErrNoVideo
}

// findOffset returns the first offset >= from at which sig occurs in r
func findOffset(r io.ReaderAt, sig []byte, from int64) (int64, error) {
	overlap := len(sig) - 1
	buf := make([]byte, scanChunk+overlap)
	var pos int64
	carry := 0
	for {
		n, err := r.ReadAt(buf[carry:], pos)
		window := buf[:carry+n]
		start := pos - int64(carry)
		searchFrom := 0
		for {
			i := bytes.Index(window[searchFrom:], sig)
			if i < 0 {
				break
			}
			off := start + int64(searchFrom+i)
			if off >= from {
				return off, nil
			}
			searchFrom += i + 1
		}
		if err == io.EOF || n == 0 {
			return 0, ErrNoVideo
		}
		if err != nil {
			return 0, err
		}
		pos += int64(n)
		carry = overlap
		if len(window) < overlap {
			carry = len(window)
		}
		copy(buf, window[len(window)-carry:])
	}
}

func (r *Resolver) copyOut(src io.Reader, name string) (string, error) {
	dir, err := r.scratch()
	if err != nil {
		return "", err
	}
	out := filepath.Join(dir, name)
	if err := writeFile(out, src); err != nil {
		return "", err
	}
	return out, nil
}

func writeFile(path string, src io.Reader) error {
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return dst.Close()
}
