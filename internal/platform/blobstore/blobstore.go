// Package blobstore stores consultation documents as opaque blobs addressed by
// a caller-generated key. It defines the Store contract, an in-memory
// implementation for development and tests, HMAC-signed expiring download
// URLs, and the Echo handler that serves them.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrInvalidKey         = errors.New("invalid blob key")
)

// MaxFileSize is the maximum allowed blob size in bytes (25 MB).
const MaxFileSize = 25 * 1024 * 1024

// AllowedContentTypes lists the document types a consultation may carry.
var AllowedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/heic":      true,
	"image/dicom":     true,
	"text/plain":      true,
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Metadata describes a stored blob.
type Metadata struct {
	Key         string            `json:"key"`
	FileName    string            `json:"file_name"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Hash        string            `json:"hash"`
	CreatedAt   time.Time         `json:"created_at"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Store is the document storage contract used by the consultation core.
type Store interface {
	Upload(ctx context.Context, key string, data []byte, meta Metadata) (*Metadata, error)
	Download(ctx context.Context, key string) ([]byte, *Metadata, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// ValidateKey rejects empty, absolute and traversing keys.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") || strings.ContainsAny(key, "\\?#") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata Metadata
	content  []byte
}

// InMemoryStore is a thread-safe, in-memory Store for testing/dev.
type InMemoryStore struct {
	mu     sync.RWMutex
	blobs  map[string]*storedBlob
	signer *URLSigner
}

// NewInMemoryStore returns a ready-to-use InMemoryStore whose signed URLs are
// produced by signer.
func NewInMemoryStore(signer *URLSigner) *InMemoryStore {
	return &InMemoryStore{
		blobs:  make(map[string]*storedBlob),
		signer: signer,
	}
}

// Upload validates inputs, computes a SHA-256 hash, and stores the blob
// under key, replacing any previous content.
func (s *InMemoryStore) Upload(_ context.Context, key string, data []byte, meta Metadata) (*Metadata, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	if !AllowedContentTypes[meta.ContentType] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContentType, meta.ContentType)
	}

	h := sha256.Sum256(data)
	meta.Key = key
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.blobs[key] = &storedBlob{
		metadata: meta,
		content:  bytes.Clone(data),
	}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

// Download returns a copy of the blob content and its metadata.
func (s *InMemoryStore) Download(_ context.Context, key string) ([]byte, *Metadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	meta := blob.metadata
	return bytes.Clone(blob.content), &meta, nil
}

// SignedURL returns an expiring download URL for an existing blob.
func (s *InMemoryStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrBlobNotFound
	}
	return s.signer.Sign(key, ttl), nil
}

// Delete removes a blob by key.
func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

// Exists reports whether a blob is stored under key.
func (s *InMemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[key]
	return ok, nil
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// DownloadHandler serves blobs behind signed URLs.
type DownloadHandler struct {
	store  Store
	signer *URLSigner
}

func NewDownloadHandler(store Store, signer *URLSigner) *DownloadHandler {
	return &DownloadHandler{store: store, signer: signer}
}

// RegisterRoutes mounts the signed download route on e.
func (h *DownloadHandler) RegisterRoutes(e *echo.Echo) {
	e.GET(signedPathPrefix+"*", h.handleDownload)
}

func (h *DownloadHandler) handleDownload(c echo.Context) error {
	key := c.Param("*")
	if err := h.signer.Verify(key, c.QueryParam("expires"), c.QueryParam("sig")); err != nil {
		// Expired and forged links look the same to the caller.
		return c.JSON(http.StatusForbidden, map[string]string{"error": "link is invalid or expired"})
	}

	data, meta, err := h.store.Download(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, meta.FileName))
	c.Response().Header().Set("Cache-Control", "private, no-store")
	return c.Blob(http.StatusOK, meta.ContentType, data)
}
