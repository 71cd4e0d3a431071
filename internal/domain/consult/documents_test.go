package consult

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medmart/telehealth/internal/platform/apperr"
	"github.com/medmart/telehealth/internal/platform/blobstore"
)

func TestSafeFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"lab-results.pdf", "lab-results.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\jane\scan 1.png`, "scan_1.png"},
		{"   ", "document"},
		{"..", "document"},
		{"résumé.pdf", "r_sum_.pdf"},
	}
	for _, tt := range tests {
		if got := safeFileName(tt.in); got != tt.want {
			t.Errorf("safeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := strings.Repeat("a", 200) + ".pdf"
	if got := safeFileName(long); len(got) != 120 || !strings.HasSuffix(got, ".pdf") {
		t.Errorf("expected a 120 character name keeping the extension, got %d %q", len(got), got)
	}
}

func TestDocumentKey(t *testing.T) {
	b, c, d := uuid.New(), uuid.New(), uuid.New()
	key := DocumentKey(b, c, d, "../scan.png")
	want := "businesses/" + b.String() + "/consultations/" + c.String() + "/" + d.String() + "-scan.png"
	if key != want {
		t.Fatalf("got %q, want %q", key, want)
	}
	if err := blobstore.ValidateKey(key); err != nil {
		t.Errorf("document keys must be valid blob keys: %v", err)
	}
}

func TestDocuments_Lifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.submit(t, f.acme, "c1", "p1")
	ctx := f.ctx(f.acme)

	doc, err := f.svc.AttachDocument(ctx, res.ConsultationID, DocumentUpload{
		FileName:    "lab results.pdf",
		ContentType: "application/pdf",
		Data:        []byte("%PDF-1.4 results"),
	}, "clinician-7")
	if err != nil {
		t.Fatal(err)
	}
	if doc.BusinessID != f.acme || doc.ConsultationID != res.ConsultationID || doc.SizeBytes != 16 {
		t.Errorf("unexpected document: %+v", doc)
	}
	if ok, _ := f.blobs.Exists(context.Background(), doc.StorageKey); !ok {
		t.Fatal("blob not stored")
	}

	docs, err := f.svc.ListDocuments(ctx, res.ConsultationID)
	if err != nil || len(docs) != 1 || docs[0].ID != doc.ID {
		t.Fatalf("expected the attached document, got %v %v", docs, err)
	}
	view, err := f.svc.GetStatus(ctx, res.ConsultationID)
	if err != nil || len(view.Documents) != 1 {
		t.Fatalf("status view should list documents, got %v", err)
	}

	link, got, err := f.svc.DocumentURL(ctx, doc.ID, 10*time.Minute, "clinician-7")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != doc.ID {
		t.Errorf("expected document %s, got %s", doc.ID, got.ID)
	}

	e := echo.New()
	blobstore.NewDownloadHandler(f.blobs, f.signer).RegisterRoutes(e)
	u, err := url.Parse(link)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "%PDF-1.4 results" {
		t.Fatalf("signed link should download the file, got %d %q", rec.Code, rec.Body.String())
	}

	if err := f.svc.DeleteDocument(ctx, doc.ID, "clinician-7"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := f.blobs.Exists(context.Background(), doc.StorageKey); ok {
		t.Error("blob should be removed")
	}
	docs, _ = f.svc.ListDocuments(ctx, res.ConsultationID)
	if len(docs) != 0 {
		t.Errorf("deleted documents must not be listed, got %d", len(docs))
	}
	if _, _, err := f.svc.DocumentURL(ctx, doc.ID, 0, "clinician-7"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	if err := f.svc.DeleteDocument(ctx, doc.ID, "clinician-7"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete: expected not found, got %v", err)
	}

	actions := f.auditActions()
	for _, a := range []string{"document_attached", "document_link_issued", "document_deleted"} {
		if actions[a] != 1 {
			t.Errorf("expected one %s audit record, got %d", a, actions[a])
		}
	}
}

func TestAttachDocument_Rejections(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.submit(t, f.acme, "c1", "p1")

	tests := []struct {
		name string
		ctx  context.Context
		id   uuid.UUID
		up   DocumentUpload
		want error
	}{
		{"content type", f.ctx(f.acme), res.ConsultationID,
			DocumentUpload{FileName: "run.sh", ContentType: "application/x-sh", Data: []byte("#!/bin/sh")}, apperr.ErrInvalidInput},
		{"empty file", f.ctx(f.acme), res.ConsultationID,
			DocumentUpload{FileName: "a.txt", ContentType: "text/plain"}, apperr.ErrInvalidInput},
		{"missing name", f.ctx(f.acme), res.ConsultationID,
			DocumentUpload{ContentType: "text/plain", Data: []byte("x")}, apperr.ErrInvalidInput},
		{"other business", f.ctx(f.globex), res.ConsultationID,
			DocumentUpload{FileName: "a.txt", ContentType: "text/plain", Data: []byte("x")}, apperr.ErrNotFound},
		{"unknown consultation", f.ctx(f.acme), uuid.New(),
			DocumentUpload{FileName: "a.txt", ContentType: "text/plain", Data: []byte("x")}, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.AttachDocument(tt.ctx, tt.id, tt.up, "clinician-7"); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	docs, _ := f.repo.ListDocuments(context.Background(), res.ConsultationID)
	if len(docs) != 0 {
		t.Errorf("rejected uploads must not create rows, got %d", len(docs))
	}
}

func TestDocumentURL_Bounds(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.submit(t, f.acme, "c1", "p1")
	doc, err := f.svc.AttachDocument(f.ctx(f.acme), res.ConsultationID, DocumentUpload{
		FileName: "note.txt", ContentType: "text/plain", Data: []byte("note"),
	}, "clinician-7")
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := f.svc.DocumentURL(f.ctx(f.acme), doc.ID, MaxDocumentURLTTL+time.Second, "clinician-7"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected invalid input for an oversized ttl, got %v", err)
	}
	if _, _, err := f.svc.DocumentURL(f.ctx(f.globex), doc.ID, time.Minute, "clinician-9"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found for another business, got %v", err)
	}
}
