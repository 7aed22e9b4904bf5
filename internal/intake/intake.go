package intake

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrMissingFile     = errors.New("No file uploaded (field name: file)")
	ErrEmptyFilename   = errors.New("Empty filename")
	ErrUnsupportedType = errors.New("Allowed file types: png, jpg, jpeg")
	ErrNotFound        = errors.New("file not found")
)

var allowedExt = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
}

const (
	NamingSequential = "sequential"
	NamingUUID       = "uuid"

	uuidAttempts = 5
)

// StoredImage is an accepted upload persisted in the upload directory.
type StoredImage struct {
	Name string
	Path string
}

// Store persists uploads into a single flat directory.
type Store struct {
	dir    string
	naming string
}

// NewStore creates dir if needed. naming is NamingSequential or NamingUUID.
func NewStore(dir, naming string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	switch naming {
	case NamingSequential, NamingUUID:
	default:
		return nil, fmt.Errorf("unknown naming scheme %q", naming)
	}
	return &Store{dir: abs, naming: naming}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Validate checks the client filename and returns its lower-cased extension.
func Validate(filename string) (string, error) {
	if filename == "" {
		return "", ErrEmptyFilename
	}
	i := strings.LastIndexByte(filename, '.')
	if i < 0 {
		return "", ErrUnsupportedType
	}
	ext := strings.ToLower(filename[i+1:])
	if !allowedExt[ext] {
		return "", ErrUnsupportedType
	}
	return ext, nil
}

// Save validates filename and writes r verbatim under a name that did not
// exist when it was chosen. Nothing is written if validation fails.
func (s *Store) Save(filename string, r io.Reader) (StoredImage, error) {
	ext, err := Validate(filename)
	if err != nil {
		return StoredImage{}, err
	}

	var f *os.File
	switch s.naming {
	case NamingUUID:
		f, err = s.createUnique(ext)
	default:
		f, err = createPath(s.freeSlot(storageName(filename, ext)))
	}
	if err != nil {
		return StoredImage{}, err
	}
	return writeUpload(f, r)
}

// writeUpload copies r into f and closes it. A partial file is removed.
func writeUpload(f *os.File, r io.Reader) (StoredImage, error) {
	img := StoredImage{Name: filepath.Base(f.Name()), Path: f.Name()}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(img.Path)
		return StoredImage{}, fmt.Errorf("failed to write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(img.Path)
		return StoredImage{}, fmt.Errorf("failed to write upload: %w", err)
	}
	return img, nil
}

// storageName sanitizes the client filename, falling back to upload.<ext>
// when sanitizing strips the name or its extension.
func storageName(filename, ext string) string {
	safe := SanitizeFilename(filename)
	_, safeExt := splitExt(safe)
	if !allowedExt[strings.ToLower(strings.TrimPrefix(safeExt, "."))] {
		return "upload." + ext
	}
	return safe
}

// freeSlot returns the first of name, base_1.ext, base_2.ext, ... that does
// not exist yet. Nothing reserves the slot: two concurrent uploads of the
// same name can get the same path, and the later create truncates the
// earlier file. NamingUUID does not have this problem.
func (s *Store) freeSlot(name string) string {
	base, ext := splitExt(name)
	path := filepath.Join(s.dir, name)
	for i := 1; exists(path); i++ {
		path = filepath.Join(s.dir, fmt.Sprintf("%s_%d%s", base, i, ext))
	}
	return path
}

func createPath(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload: %w", err)
	}
	return f, nil
}

func (s *Store) createUnique(ext string) (*os.File, error) {
	var lastErr error
	for i := 0; i < uuidAttempts; i++ {
		path := filepath.Join(s.dir, uuid.NewString()+"."+ext)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create upload: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to create upload after %d attempts: %w", uuidAttempts, lastErr)
}

// Open returns a stored upload by its bare name. Anything that is not a
// plain file directly inside the upload directory is ErrNotFound.
func (s *Store) Open(name string) (*os.File, fs.FileInfo, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
