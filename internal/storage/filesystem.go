package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ImagePrefix starts the name of every uploaded page image.
const ImagePrefix = "gemini_image_"

var unsafeHint = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// FileStore persists assets onto the local filesystem and serves them from
// baseURL. It is intended for development and single-node deployments where
// an object storage service is not available.
type FileStore struct {
	basePath string
	baseURL  string
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath, baseURL string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("storage: base url is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath, baseURL: baseURL}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// Upload stores a PNG under a unique name derived from nameHint and returns
// its public URL.
func (s *FileStore) Upload(ctx context.Context, data []byte, nameHint string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("storage: empty upload")
	}
	hint := strings.Trim(unsafeHint.ReplaceAllString(nameHint, "-"), "-")
	name := ImagePrefix + uuid.NewString() + ".png"
	if hint != "" {
		name = ImagePrefix + hint + "_" + uuid.NewString()[:8] + ".png"
	}
	key, err := s.Write(ctx, name, data)
	if err != nil {
		return "", err
	}
	return s.URL(key), nil
}

// URL returns the public address of key.
func (s *FileStore) URL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}

// KeyFor maps a public URL produced by this store back to its key.
func (s *FileStore) KeyFor(url string) (string, bool) {
	rest, ok := strings.CutPrefix(url, s.baseURL+"/")
	if !ok {
		return "", false
	}
	key, err := sanitizeKey(rest)
	if err != nil {
		return "", false
	}
	return key, true
}

// Write persists the provided bytes at the given relative key and returns the
// canonicalized storage key. Keys are cleaned to prevent directory traversal.
func (s *FileStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write file: %w", err)
	}
	return cleanKey, nil
}

// Read loads the bytes stored at key.
func (s *FileStore) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.basePath, filepath.FromSlash(cleanKey)))
	if err != nil {
		return nil, fmt.Errorf("storage: read file: %w", err)
	}
	return data, nil
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
