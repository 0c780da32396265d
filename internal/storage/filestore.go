package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/sua-org/multicam/internal/core"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrInvalidName = errors.New("invalid file name")
)

// FileRecord is the stat of one recorded file.
type FileRecord struct {
	Name     string
	Size     int64
	Created  time.Time
	Modified time.Time
}

// Metadata converts the record to its wire form.
func (r FileRecord) Metadata() core.FileMetadata {
	return core.FileMetadata{
		FileName:         r.Name,
		FileSize:         r.Size,
		CreationDate:     core.UnixSeconds(r.Created),
		ModificationDate: core.UnixSeconds(r.Modified),
	}
}

// FileStore keeps recorded videos in a single flat directory.
type FileStore struct {
	dir string
	ext string
}

func NewFileStore(dir, ext string) (*FileStore, error) {
	if ext == "" {
		ext = ".mp4"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir %s: %w", dir, err)
	}
	log.Info().Str("dir", abs).Str("ext", ext).Msg("file store ready")
	return &FileStore{dir: abs, ext: ext}, nil
}

func (s *FileStore) Dir() string { return s.dir }

// NewFileName returns the recording name for a session started at t.
func (s *FileStore) NewFileName(t time.Time) string {
	return fmt.Sprintf("video_%d%s", t.Unix(), s.ext)
}

// Path resolves name inside the store. Names carrying any path component
// are rejected.
func (s *FileStore) Path(name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dir, name), nil
}

// Stat returns the record for name or ErrNotFound.
func (s *FileStore) Stat(name string) (FileRecord, error) {
	p, err := s.Path(name)
	if err != nil {
		return FileRecord{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return FileRecord{}, fmt.Errorf("stat %s: %w", name, err)
	}
	if !fi.Mode().IsRegular() {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return recordFor(name, fi), nil
}

// Open opens name for reading. The record comes from the open handle, so
// its size matches what the handle can deliver.
func (s *FileStore) Open(name string) (*os.File, FileRecord, error) {
	p, err := s.Path(name)
	if err != nil {
		return nil, FileRecord{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, FileRecord{}, fmt.Errorf("open %s: %w", name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, FileRecord{}, fmt.Errorf("stat %s: %w", name, err)
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f, recordFor(name, fi), nil
}

// Delete removes name. Deleting a missing file returns ErrNotFound.
func (s *FileStore) Delete(name string) error {
	p, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("delete %s: %w", name, err)
	}
	log.Debug().Str("file", name).Msg("file deleted")
	return nil
}

// List returns every recording in the store, oldest name first.
func (s *FileStore) List() ([]FileRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read storage dir: %w", err)
	}
	out := make([]FileRecord, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), s.ext) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		out = append(out, recordFor(e.Name(), fi))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// FreeBytes reports the space available to the store's filesystem.
func (s *FileStore) FreeBytes() (uint64, error) {
	usage, err := disk.Usage(s.dir)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", s.dir, err)
	}
	return usage.Free, nil
}

func recordFor(name string, fi os.FileInfo) FileRecord {
	return FileRecord{
		Name:     name,
		Size:     fi.Size(),
		Created:  createdAt(fi),
		Modified: fi.ModTime(),
	}
}
