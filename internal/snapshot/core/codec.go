package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"entitycore/pkg/entity"
)

// CheckName rejects empty, absolute and traversing names and returns the
// cleaned slash-separated form.
func CheckName(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("snapshot: empty name")
	}
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("snapshot: invalid name %q contains '..'", name)
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return "", fmt.Errorf("snapshot: invalid absolute name %q", name)
	}
	return path.Clean(strings.ReplaceAll(name, "\\", "/")), nil
}

// Encode serialises b in the bundle wire format.
func Encode(b *entity.Bundle) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("snapshot: nil bundle")
	}
	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses data written by Encode.
func Decode(data []byte) (*entity.Bundle, error) {
	return entity.DecodeBundle(bytes.NewReader(data))
}

// Describe builds the Info for an encoded bundle.
func Describe(name string, b *entity.Bundle, data []byte, savedAt time.Time) Info {
	return Info{
		Name:     name,
		BundleID: b.ID,
		Entities: b.Count(),
		Size:     int64(len(data)),
		ETag:     ETag(data),
		SavedAt:  savedAt.UTC(),
	}
}

// ETag returns the hex sha256 of data.
func ETag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
