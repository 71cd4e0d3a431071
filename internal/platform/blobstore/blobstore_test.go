package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const testKey = "businesses/b1/consultations/c1/doc-lab.pdf"

func newTestStore() (*InMemoryStore, *URLSigner) {
	signer := NewURLSigner([]byte("blob-signing-secret"), "https://api.example.com")
	return NewInMemoryStore(signer), signer
}

func seedBlob(t *testing.T, store Store, key, content string) *Metadata {
	t.Helper()
	meta, err := store.Upload(context.Background(), key, []byte(content), Metadata{
		FileName:    "lab.pdf",
		ContentType: "application/pdf",
		Tags:        map[string]string{"source": "unit-test"},
	})
	if err != nil {
		t.Fatalf("seedBlob: %v", err)
	}
	return meta
}

// ---------------------------------------------------------------------------
// Store tests
// ---------------------------------------------------------------------------

func TestInMemoryStore_UploadDownload(t *testing.T) {
	store, _ := newTestStore()
	meta := seedBlob(t, store, testKey, "hello world")

	if meta.Key != testKey {
		t.Errorf("expected key %q, got %q", testKey, meta.Key)
	}
	if meta.Size != 11 {
		t.Errorf("expected size 11, got %d", meta.Size)
	}
	want := fmt.Sprintf("%x", sha256.Sum256([]byte("hello world")))
	if meta.Hash != want {
		t.Errorf("expected hash %s, got %s", want, meta.Hash)
	}

	data, got, err := store.Download(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("unexpected content %q", data)
	}
	if got.FileName != "lab.pdf" || got.ContentType != "application/pdf" {
		t.Errorf("unexpected metadata %+v", got)
	}
}

func TestInMemoryStore_DownloadIsACopy(t *testing.T) {
	store, _ := newTestStore()
	seedBlob(t, store, testKey, "abc")

	data, _, _ := store.Download(context.Background(), testKey)
	data[0] = 'X'
	again, _, _ := store.Download(context.Background(), testKey)
	if string(again) != "abc" {
		t.Errorf("stored content was mutated: %q", again)
	}
}

func TestInMemoryStore_NotFound(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	if _, _, err := store.Download(ctx, "missing"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Download: expected ErrBlobNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "missing"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Delete: expected ErrBlobNotFound, got %v", err)
	}
	if _, err := store.SignedURL(ctx, "missing", time.Minute); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("SignedURL: expected ErrBlobNotFound, got %v", err)
	}
}

func TestInMemoryStore_DeleteAndExists(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()
	seedBlob(t, store, testKey, "x")

	if ok, _ := store.Exists(ctx, testKey); !ok {
		t.Fatal("expected blob to exist")
	}
	if err := store.Delete(ctx, testKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := store.Exists(ctx, testKey); ok {
		t.Error("expected blob to be gone")
	}
}

func TestInMemoryStore_UploadValidation(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()
	pdf := Metadata{ContentType: "application/pdf"}

	tests := []struct {
		name string
		key  string
		data []byte
		meta Metadata
		want error
	}{
		{"empty key", "", []byte("x"), pdf, ErrInvalidKey},
		{"absolute key", "/etc/passwd", []byte("x"), pdf, ErrInvalidKey},
		{"traversal", "businesses/../other", []byte("x"), pdf, ErrInvalidKey},
		{"content type", "k", []byte("x"), Metadata{ContentType: "application/x-msdownload"}, ErrInvalidContentType},
		{"too large", "k", make([]byte, MaxFileSize+1), pdf, ErrFileTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Upload(ctx, tt.key, tt.data, tt.meta); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestInMemoryStore_ConcurrentAccess(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k/%d", i)
			if _, err := store.Upload(ctx, key, []byte("data"), Metadata{ContentType: "text/plain"}); err != nil {
				t.Errorf("upload %d: %v", i, err)
				return
			}
			if _, _, err := store.Download(ctx, key); err != nil {
				t.Errorf("download %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
}

// ---------------------------------------------------------------------------
// Signer tests
// ---------------------------------------------------------------------------

func TestURLSigner_SignAndVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := NewURLSigner([]byte("secret"), "https://api.example.com/").WithClock(func() time.Time { return now })

	raw := signer.Sign(testKey, 5*time.Minute)
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Path != "/blobs/"+testKey {
		t.Errorf("unexpected path %q", u.Path)
	}
	exp, sig := u.Query().Get("expires"), u.Query().Get("sig")

	if err := signer.Verify(testKey, exp, sig); err != nil {
		t.Errorf("expected valid signature, got %v", err)
	}
	if err := signer.Verify("businesses/b2/consultations/c1/doc-lab.pdf", exp, sig); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("other key: expected ErrSignatureInvalid, got %v", err)
	}
	if err := signer.Verify(testKey, "9999999999", sig); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("extended expiry: expected ErrSignatureInvalid, got %v", err)
	}
	if err := signer.Verify(testKey, "soon", sig); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("bad expiry: expected ErrSignatureInvalid, got %v", err)
	}

	now = now.Add(6 * time.Minute)
	if err := signer.Verify(testKey, exp, sig); !errors.Is(err, ErrSignatureExpired) {
		t.Errorf("expected ErrSignatureExpired, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestDownloadHandler(t *testing.T) {
	store, signer := newTestStore()
	seedBlob(t, store, testKey, "%PDF-1.7")

	e := echo.New()
	NewDownloadHandler(store, signer).RegisterRoutes(e)

	signed, err := store.SignedURL(context.Background(), testKey, time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	u, _ := url.Parse(signed)

	t.Run("valid link", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if !bytes.Equal(rec.Body.Bytes(), []byte("%PDF-1.7")) {
			t.Errorf("unexpected body %q", rec.Body.String())
		}
		if !strings.Contains(rec.Header().Get("Content-Disposition"), "lab.pdf") {
			t.Errorf("unexpected Content-Disposition %q", rec.Header().Get("Content-Disposition"))
		}
	})

	t.Run("tampered signature", func(t *testing.T) {
		q := u.Query()
		q.Set("sig", strings.Repeat("0", 64))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u.Path+"?"+q.Encode(), nil))
		if rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("deleted blob", func(t *testing.T) {
		if err := store.Delete(context.Background(), testKey); err != nil {
			t.Fatal(err)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}
