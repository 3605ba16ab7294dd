package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
	"github.com/noah-isme/sma-assessment-api/pkg/storage"
)

type sheetRenderer interface {
	Export(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind, format string, publishedOnly bool) (*ExportFile, error)
	ContentTypeFor(filename string) string
}

type exportArchive interface {
	Put(tenantID, filename string, data []byte) (string, error)
	Read(key string) ([]byte, error)
	Purge(maxAge time.Duration) (int, error)
}

type linkSigner interface {
	Sign(filename, key string) (string, time.Time, error)
	Verify(token string) (storage.Link, error)
}

// ExportLink is a time-limited download handle for an archived sheet export.
type ExportLink struct {
	Token     string    `json:"token"`
	Filename  string    `json:"filename"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExportLinkService archives rendered sheets and resolves signed links to them, so large PDF exports can be
// fetched later without re-rendering or re-authenticating.
type ExportLinkService struct {
	sheets  sheetRenderer
	archive exportArchive
	signer  linkSigner
	logger  *zap.Logger
}

// NewExportLinkService constructs the service.
func NewExportLinkService(sheets sheetRenderer, archive exportArchive, signer linkSigner, logger *zap.Logger) *ExportLinkService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportLinkService{sheets: sheets, archive: archive, signer: signer, logger: logger}
}

// Create renders the sheet with the caller's visibility rules, stores it and returns a signed link.
func (s *ExportLinkService) Create(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind, format string, publishedOnly bool) (*ExportLink, error) {
	file, err := s.sheets.Export(ctx, scope, id, kind, format, publishedOnly)
	if err != nil {
		return nil, err
	}
	key, err := s.archive.Put(scope.TenantID, file.Filename, file.Content)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to archive export")
	}
	token, expiresAt, err := s.signer.Sign(file.Filename, key)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to sign export link")
	}
	s.logger.Info("export archived", zap.String("assessment_id", id), zap.String("key", key), zap.Time("expires_at", expiresAt))
	return &ExportLink{Token: token, Filename: file.Filename, ExpiresAt: expiresAt}, nil
}

// Resolve returns the archived file behind token.
func (s *ExportLinkService) Resolve(token string) (*ExportFile, error) {
	link, err := s.signer.Verify(token)
	switch {
	case errors.Is(err, storage.ErrLinkExpired):
		return nil, appErrors.Clone(appErrors.ErrForbidden, "download link expired")
	case err != nil:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download link")
	}
	content, err := s.archive.Read(link.Key)
	if errors.Is(err, storage.ErrNotStored) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export no longer available")
	}
	if err != nil {
		return nil, appErrors.Internal(err, "failed to read export")
	}
	return &ExportFile{Filename: link.Filename, ContentType: s.sheets.ContentTypeFor(link.Filename), Content: content}, nil
}

// Purge drops archived exports older than retention.
func (s *ExportLinkService) Purge(retention time.Duration) {
	removed, err := s.archive.Purge(retention)
	if err != nil {
		s.logger.Warn("export purge failed", zap.Error(err))
	}
	if removed > 0 {
		s.logger.Info("expired exports purged", zap.Int("removed", removed))
	}
}
