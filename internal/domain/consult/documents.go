package consult

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medmart/telehealth/internal/domain/tenant"
	"github.com/medmart/telehealth/internal/platform/apperr"
	"github.com/medmart/telehealth/internal/platform/blobstore"
	"github.com/medmart/telehealth/internal/platform/hipaa"
)

// DefaultDocumentURLTTL bounds signed document links when the caller gives
// no lifetime.
const DefaultDocumentURLTTL = 15 * time.Minute

// MaxDocumentURLTTL is the longest lifetime a signed document link may have.
const MaxDocumentURLTTL = 24 * time.Hour

// DocumentUpload is a file to attach to a consultation.
type DocumentUpload struct {
	FileName    string
	ContentType string
	Data        []byte
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safeFileName reduces name to a single path segment usable in a blob key.
func safeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	name = unsafeFileChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "document"
	}
	if len(name) > 120 {
		name = name[len(name)-120:]
	}
	return name
}

// DocumentKey is the blob key of a consultation document.
func DocumentKey(businessID, consultationID, documentID uuid.UUID, fileName string) string {
	return fmt.Sprintf("businesses/%s/consultations/%s/%s-%s",
		businessID, consultationID, documentID, safeFileName(fileName))
}

func (s *Service) getDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	d, err := s.repo.GetDocument(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("document")
	}
	return d, err
}

func (s *Service) loadDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	return tenant.Load(ctx, s.guard, "document", id, s.getDocument,
		func(d *Document) uuid.UUID { return d.BusinessID })
}

// AttachDocument stores a clinical file and links it to the consultation.
// The blob is removed again if the row cannot be written.
func (s *Service) AttachDocument(ctx context.Context, consultationID uuid.UUID, up DocumentUpload, actor string) (*Document, error) {
	if s.blobs == nil {
		return nil, fmt.Errorf("document storage is not configured")
	}
	if strings.TrimSpace(up.FileName) == "" {
		return nil, apperr.InvalidInput("file_name is required")
	}
	if len(up.Data) == 0 {
		return nil, apperr.InvalidInput("file is empty")
	}

	c, err := s.loadConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		ID:             uuid.New(),
		BusinessID:     c.BusinessID,
		ConsultationID: c.ID,
		FileName:       strings.TrimSpace(up.FileName),
		ContentType:    up.ContentType,
		SizeBytes:      int64(len(up.Data)),
		UploadedBy:     actor,
	}
	doc.StorageKey = DocumentKey(c.BusinessID, c.ID, doc.ID, doc.FileName)

	meta, err := s.blobs.Upload(ctx, doc.StorageKey, up.Data, blobstore.Metadata{
		FileName:    doc.FileName,
		ContentType: up.ContentType,
		Tags: map[string]string{
			"business_id":     c.BusinessID.String(),
			"consultation_id": c.ID.String(),
		},
	})
	switch {
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return nil, apperr.InvalidInput("file exceeds the maximum size of %d bytes", blobstore.MaxFileSize)
	case errors.Is(err, blobstore.ErrInvalidContentType):
		return nil, apperr.InvalidInput("content type %q is not allowed", up.ContentType)
	case err != nil:
		return nil, fmt.Errorf("upload document: %w", err)
	}
	doc.ContentType = meta.ContentType

	if err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.repo.CreateDocument(ctx, doc)
	}); err != nil {
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), doc.StorageKey); delErr != nil {
			s.logger.Error().Err(delErr).Str("document_id", doc.ID.String()).Msg("orphaned document blob")
		}
		return nil, fmt.Errorf("record document: %w", err)
	}

	s.logger.Info().
		Str("business_id", c.BusinessID.String()).
		Str("consultation_id", c.ID.String()).
		Str("document_id", doc.ID.String()).
		Int64("size_bytes", doc.SizeBytes).
		Msg("document attached")
	s.auditor.Record(ctx, hipaa.AuditRecord{
		Actor:      actor,
		Action:     "document_attached",
		EntityType: "consultation_document",
		EntityID:   doc.ID.String(),
		BusinessID: &c.BusinessID,
		Metadata: map[string]any{
			"consultation_id": c.ID.String(),
			"content_type":    doc.ContentType,
			"size_bytes":      doc.SizeBytes,
			"sha256":          meta.Hash,
		},
		RiskLevel: hipaa.RiskMedium,
	})
	return doc, nil
}

// ListDocuments returns the live documents of a consultation.
func (s *Service) ListDocuments(ctx context.Context, consultationID uuid.UUID) ([]*Document, error) {
	c, err := s.loadConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	docs, err := s.repo.ListDocuments(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	if docs == nil {
		docs = []*Document{}
	}
	return docs, nil
}

// DocumentURL returns a signed, expiring download link for a document.
func (s *Service) DocumentURL(ctx context.Context, documentID uuid.UUID, ttl time.Duration, actor string) (string, *Document, error) {
	if s.blobs == nil {
		return "", nil, fmt.Errorf("document storage is not configured")
	}
	if ttl <= 0 {
		ttl = DefaultDocumentURLTTL
	}
	if ttl > MaxDocumentURLTTL {
		return "", nil, apperr.InvalidInput("ttl must not exceed %s", MaxDocumentURLTTL)
	}
	d, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return "", nil, err
	}
	url, err := s.blobs.SignedURL(ctx, d.StorageKey, ttl)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		s.logger.Error().Str("document_id", d.ID.String()).Msg("document row has no blob")
		return "", nil, apperr.NotFound("document")
	}
	if err != nil {
		return "", nil, fmt.Errorf("sign document url: %w", err)
	}

	s.auditor.Record(ctx, hipaa.AuditRecord{
		Actor:      actor,
		Action:     "document_link_issued",
		EntityType: "consultation_document",
		EntityID:   d.ID.String(),
		BusinessID: &d.BusinessID,
		Metadata:   map[string]any{"ttl_seconds": int(ttl.Seconds())},
	})
	return url, d, nil
}

// DeleteDocument soft-deletes the row and removes the blob.
func (s *Service) DeleteDocument(ctx context.Context, documentID uuid.UUID, actor string) error {
	d, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.repo.SoftDeleteDocument(ctx, d.ID)
	}); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound("document")
		}
		return fmt.Errorf("delete document: %w", err)
	}
	if s.blobs != nil {
		if err := s.blobs.Delete(ctx, d.StorageKey); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
			s.logger.Error().Err(err).Str("document_id", d.ID.String()).Msg("document blob not removed")
		}
	}

	s.auditor.Record(ctx, hipaa.AuditRecord{
		Actor:      actor,
		Action:     "document_deleted",
		EntityType: "consultation_document",
		EntityID:   d.ID.String(),
		BusinessID: &d.BusinessID,
		RiskLevel:  hipaa.RiskMedium,
	})
	return nil
}
