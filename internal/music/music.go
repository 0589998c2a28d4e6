// Package music fetches background music tracks by key.
package music

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	ErrNotFound   = errors.New("music track not found")
	ErrDisabled   = errors.New("music library is not configured")
	ErrInvalidKey = errors.New("invalid music key")
	ErrTooLarge   = errors.New("music track too large")
)

// Library resolves a music key to the encoded track bytes.
type Library interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Disabled is a Library that rejects every fetch.
type Disabled struct{}

func (Disabled) Fetch(context.Context, string) ([]byte, error) {
	return nil, ErrDisabled
}

// cleanKey rejects keys that would escape the library root.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, ErrTooLarge
	}
	return data, nil
}
