// Package storage keeps uploaded media as content-addressed files.
package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrNotFound        = errors.New("blob not found")
	ErrTooLarge        = errors.New("blob exceeds size limit")
	ErrInvalidKey      = errors.New("invalid blob key")
	ErrUnsupportedType = errors.New("unsupported content type")
)

// extensions maps accepted upload types to the extension used in keys.
var extensions = map[string]string{
	"image/jpeg":  ".jpg",
	"image/png":   ".png",
	"image/gif":   ".gif",
	"image/webp":  ".webp",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/mp4":   ".m4a",
	"audio/aac":   ".aac",
	"audio/mpeg":  ".mp3",
	"audio/ogg":   ".ogg",
	"audio/webm":  ".webm",
}

// Blob describes a stored object.
type Blob struct {
	Key         string
	ContentType string
	Size        int64
}

// DiskStore writes blobs under dir, named by the blake2b-256 digest of
// their content. Identical uploads share one file.
type DiskStore struct {
	dir      string
	maxBytes int64
}

func NewDiskStore(dir string, maxBytes int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	return &DiskStore{dir: dir, maxBytes: maxBytes}, nil
}

// Put stores r and returns its key.
func (s *DiskStore) Put(contentType string, r io.Reader) (Blob, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return Blob{}, fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	ext, ok := extensions[mediaType]
	if !ok {
		return Blob{}, fmt.Errorf("%w: %q", ErrUnsupportedType, mediaType)
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return Blob{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hash, err := blake2b.New256(nil)
	if err != nil {
		return Blob{}, fmt.Errorf("failed to init hash: %w", err)
	}

	limited := io.LimitReader(r, s.maxBytes+1)
	n, err := io.Copy(io.MultiWriter(tmp, hash), limited)
	if err != nil {
		return Blob{}, fmt.Errorf("failed to write blob: %w", err)
	}
	if n > s.maxBytes {
		return Blob{}, ErrTooLarge
	}
	if n == 0 {
		return Blob{}, fmt.Errorf("empty upload")
	}
	if err := tmp.Close(); err != nil {
		return Blob{}, fmt.Errorf("failed to flush blob: %w", err)
	}

	key := hex.EncodeToString(hash.Sum(nil)) + ext
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, key)); err != nil {
		return Blob{}, fmt.Errorf("failed to store blob: %w", err)
	}
	return Blob{Key: key, ContentType: mediaType, Size: n}, nil
}

// Open returns the blob stored under key.
func (s *DiskStore) Open(key string) (*os.File, Blob, error) {
	if !validKey(key) {
		return nil, Blob{}, ErrInvalidKey
	}
	f, err := os.Open(filepath.Join(s.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, Blob{}, ErrNotFound
	}
	if err != nil {
		return nil, Blob{}, fmt.Errorf("failed to open blob: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Blob{}, fmt.Errorf("failed to stat blob: %w", err)
	}
	return f, Blob{Key: key, ContentType: ContentTypeOf(key), Size: info.Size()}, nil
}

// ContentTypeOf infers the content type from a key's extension.
func ContentTypeOf(key string) string {
	ext := filepath.Ext(key)
	for typ, e := range extensions {
		if e == ext && typ != "audio/x-wav" {
			return typ
		}
	}
	return "application/octet-stream"
}

func validKey(key string) bool {
	name, ext, ok := strings.Cut(key, ".")
	if !ok || len(name) != hex.EncodedLen(blake2b.Size256) {
		return false
	}
	if _, err := hex.DecodeString(name); err != nil {
		return false
	}
	for _, e := range extensions {
		if "."+ext == e {
			return true
		}
	}
	return false
}
