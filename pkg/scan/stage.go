package scan

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

const (
	// DefaultMaxUploadBytes caps the extracted size of one upload.
	DefaultMaxUploadBytes = int64(512 << 20)
	// DefaultMaxUploadFiles caps the number of extracted entries.
	DefaultMaxUploadFiles = 50000
	stagePrefix           = "semgrep-hub-"
	sourceDir             = "src"
)

var (
	ErrUploadTooLarge = errors.New("upload exceeds the size limit")
	ErrUnsafePath     = errors.New("archive entry escapes the staging directory")
	ErrInvalidUpload  = errors.New("invalid upload")
)

// StageOptions limits what StageUpload accepts.
type StageOptions struct {
	// BaseDir is where staging directories are created. Defaults to os.TempDir().
	BaseDir  string
	MaxBytes int64
	MaxFiles int
}

func (o StageOptions) withDefaults() StageOptions {
	if o.BaseDir == "" {
		o.BaseDir = os.TempDir()
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxUploadBytes
	}
	if o.MaxFiles <= 0 {
		o.MaxFiles = DefaultMaxUploadFiles
	}
	return o
}

// StagedUpload is an upload written to disk, ready to be analyzed.
type StagedUpload struct {
	// Dir is the staging directory; Cleanup removes it.
	Dir string
	// Target is the path to pass to the analyzer.
	Target string
	// Label is the original upload name, used as the scan target label.
	Label string
	Files int
}

// Cleanup removes the staging directory.
func (s *StagedUpload) Cleanup() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		return fmt.Errorf("failed to remove staging dir %s: %w", s.Dir, err)
	}
	return nil
}

// StageUpload writes r to a fresh directory. Zip and gzipped tar archives are extracted and
// the extracted tree becomes the target; any other file is scanned as is.
func StageUpload(name string, r io.Reader, opts StageOptions) (*StagedUpload, error) {
	base := filepath.Base(filepath.Clean(name))
	if name == "" || base == "." || base == string(filepath.Separator) || base == ".." {
		return nil, fmt.Errorf("%w: missing file name", ErrInvalidUpload)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: nil reader", ErrInvalidUpload)
	}
	opts = opts.withDefaults()

	dir := filepath.Join(opts.BaseDir, stagePrefix+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	staged := &StagedUpload{Dir: dir, Label: base}

	var err error
	lower := strings.ToLower(base)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		staged.Target, staged.Files, err = stageZip(dir, r, opts)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		staged.Target, staged.Files, err = stageTarGz(dir, r, opts)
	default:
		staged.Target, err = stageFile(dir, base, r, opts)
		staged.Files = 1
	}
	if err != nil {
		_ = os.RemoveAll(dir) //nolint:errcheck
		return nil, err
	}
	return staged, nil
}

func stageFile(dir, base string, r io.Reader, opts StageOptions) (string, error) {
	root := filepath.Join(dir, sourceDir)
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", fmt.Errorf("failed to create source dir: %w", err)
	}
	path := filepath.Join(root, base)
	budget := opts.MaxBytes
	if err := writeLimited(path, r, 0o600, &budget); err != nil {
		return "", err
	}
	return path, nil
}

func stageZip(dir string, r io.Reader, opts StageOptions) (string, int, error) {
	// zip needs random access, so the archive is spooled to disk first.
	archivePath := filepath.Join(dir, "upload.zip")
	spool := opts.MaxBytes
	if err := writeLimited(archivePath, r, 0o600, &spool); err != nil {
		return "", 0, err
	}
	defer os.Remove(archivePath) //nolint:errcheck

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", 0, fmt.Errorf("%w: failed to open zip: %v", ErrInvalidUpload, err)
	}
	defer zr.Close()

	root := filepath.Join(dir, sourceDir)
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", 0, fmt.Errorf("failed to create source dir: %w", err)
	}

	budget := opts.MaxBytes
	files := 0
	for _, f := range zr.File {
		if files >= opts.MaxFiles {
			return "", 0, fmt.Errorf("%w: more than %d entries", ErrUploadTooLarge, opts.MaxFiles)
		}
		dest, err := safeJoin(root, f.Name)
		if err != nil {
			return "", 0, err
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(dest, 0o700); err != nil {
				return "", 0, fmt.Errorf("failed to create %s: %w", f.Name, err)
			}
			continue
		case !mode.IsRegular():
			// symlinks and devices are not extracted
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return "", 0, fmt.Errorf("failed to create %s: %w", f.Name, err)
		}
		rc, err := f.Open()
		if err != nil {
			return "", 0, fmt.Errorf("failed to open zip entry %q: %w", f.Name, err)
		}
		err = writeLimited(dest, rc, 0o600, &budget)
		rc.Close()
		if err != nil {
			return "", 0, err
		}
		files++
	}
	return root, files, nil
}

func stageTarGz(dir string, r io.Reader, opts StageOptions) (string, int, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return "", 0, fmt.Errorf("%w: failed to open gzip stream: %v", ErrInvalidUpload, err)
	}
	defer gz.Close()

	root := filepath.Join(dir, sourceDir)
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", 0, fmt.Errorf("failed to create source dir: %w", err)
	}

	tarReader := tar.NewReader(gz)
	budget := opts.MaxBytes
	files := 0
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("%w: failed to read tar header: %v", ErrInvalidUpload, err)
		}
		if files >= opts.MaxFiles {
			return "", 0, fmt.Errorf("%w: more than %d entries", ErrUploadTooLarge, opts.MaxFiles)
		}
		dest, err := safeJoin(root, header.Name)
		if err != nil {
			return "", 0, err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o700); err != nil {
				return "", 0, fmt.Errorf("failed to create %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
				return "", 0, fmt.Errorf("failed to create %s: %w", header.Name, err)
			}
			if err := writeLimited(dest, tarReader, 0o600, &budget); err != nil {
				return "", 0, err
			}
			files++
		}
	}
	return root, files, nil
}

// safeJoin resolves an archive entry name under root and rejects anything that escapes it.
func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	dest := filepath.Join(root, clean)
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return dest, nil
}

// writeLimited copies r into path and charges the bytes against budget.
func writeLimited(path string, r io.Reader, perm os.FileMode, budget *int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	n, err := io.Copy(f, io.LimitReader(r, *budget+1))
	closeErr := f.Close()
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close %s: %w", path, closeErr)
	}
	if n > *budget {
		return fmt.Errorf("%w: more than %d bytes", ErrUploadTooLarge, *budget)
	}
	*budget -= n
	return nil
}
