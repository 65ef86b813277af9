// Package imageenc turns reference image files into the base64 strings sent
// to workers.
package imageenc

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// DefaultMaxSize is the largest file accepted by Encode.
const DefaultMaxSize = 10 << 20

var (
	// ErrTooLarge is returned for files above the size limit.
	ErrTooLarge = errors.New("imageenc: file too large")
	// ErrNotImage is returned when the file content is not an image.
	ErrNotImage = errors.New("imageenc: not an image")
)

// Encoder reads image files and base64-encodes them.
type Encoder struct {
	maxSize int64
}

// New returns an Encoder; maxSize <= 0 selects DefaultMaxSize.
func New(maxSize int64) *Encoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Encoder{maxSize: maxSize}
}

// Encode returns the standard base64 encoding of the image at path.
func (e *Encoder) Encode(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("imageenc: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("imageenc: %s is a directory", path)
	}
	if info.Size() > e.maxSize {
		return "", fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, path, info.Size(), e.maxSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("imageenc: %w", err)
	}
	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/") {
		return "", fmt.Errorf("%w: %s looks like %s", ErrNotImage, path, ct)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
