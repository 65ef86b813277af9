// Package storage writes generated outputs to the local filesystem.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TimestampLayout names untagged outputs.
const TimestampLayout = "2006-01-02_15-04-05"

var (
	// ErrEmptyBase is returned when no base directory is configured.
	ErrEmptyBase = errors.New("storage: base path is required")
	// ErrInvalidTag is returned for row tags that cannot be used as file names.
	ErrInvalidTag = errors.New("storage: invalid row tag")
)

// FileStore persists job outputs under a base directory. Relative job output
// directories resolve under the base, absolute ones are used as is.
type FileStore struct {
	basePath string
}

// NewFileStore creates the base directory if needed.
func NewFileStore(basePath string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, ErrEmptyBase
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// ResolveDir maps a job output directory onto the filesystem.
func (s *FileStore) ResolveDir(outputDir string) string {
	outputDir = strings.TrimSpace(outputDir)
	switch {
	case outputDir == "":
		return s.basePath
	case filepath.IsAbs(outputDir):
		return filepath.Clean(outputDir)
	default:
		return filepath.Join(s.basePath, outputDir)
	}
}

// TaggedPath is the deterministic output path of a row-tagged job. It returns
// "" when the tag is not usable.
func (s *FileStore) TaggedPath(outputDir, rowTag, ext string) string {
	tag, err := sanitizeTag(rowTag)
	if err != nil {
		return ""
	}
	return filepath.Join(s.ResolveDir(outputDir), tag+ext)
}

// Exists reports whether path names an existing file.
func (s *FileStore) Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Save writes data for a job and returns the file path and its directory.
// Tagged jobs are written to rowTag+ext, replacing any previous file.
// Untagged jobs get the first free timestamp name, with _1, _2... suffixes.
func (s *FileStore) Save(outputDir, rowTag, ext string, data []byte, now time.Time) (string, string, error) {
	dir := s.ResolveDir(outputDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("storage: ensure directory: %w", err)
	}

	var path string
	if strings.TrimSpace(rowTag) != "" {
		tag, err := sanitizeTag(rowTag)
		if err != nil {
			return "", "", err
		}
		path = filepath.Join(dir, tag+ext)
	} else {
		path = s.freeName(dir, now.Format(TimestampLayout), ext)
	}

	if err := writeAtomic(path, data); err != nil {
		return "", "", err
	}
	return path, dir, nil
}

func (s *FileStore) freeName(dir, stem, ext string) string {
	path := filepath.Join(dir, stem+ext)
	for n := 1; s.Exists(path); n++ {
		path = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
	}
	return path
}

// writeAtomic writes to a temp file in the same directory and renames it.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".genqueue-*.tmp")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("storage: write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage: close file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage: chmod file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage: rename file: %w", err)
	}
	return nil
}

// sanitizeTag keeps a row tag inside its directory.
func sanitizeTag(tag string) (string, error) {
	tag = strings.TrimSpace(tag)
	tag = strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(tag)
	if tag == "" || tag == "." || tag == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	return tag, nil
}
