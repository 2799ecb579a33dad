// Package documents is the application facade over the storage pipeline:
// metadata persistence, envelope encryption, resilient object storage and
// analysis orchestration.
package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/docvault/internal/analysis"
	"github.com/dmitrijs2005/docvault/internal/common"
	"github.com/dmitrijs2005/docvault/internal/logging"
	"github.com/dmitrijs2005/docvault/internal/server/models"
	docrepo "github.com/dmitrijs2005/docvault/internal/server/repositories/documents"
)

// BlobStore is the slice of the object store client the service needs.
// *blobstore.Client satisfies it.
type BlobStore interface {
	Upload(ctx context.Context, plaintext []byte, path, contentType string) (string, string, error)
	Download(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) (bool, error)
}

// NameCipher encrypts display names before they reach the database.
// *cryptox.Engine satisfies it.
type NameCipher interface {
	EncryptName(ctx context.Context, name string) ([]byte, error)
	DecryptName(ctx context.Context, wrapped []byte) (string, error)
}

// Analyzer runs document analysis jobs. *analysis.Orchestrator satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, documentRef string, opts analysis.Options) (*analysis.Result, error)
	GetStatus(ctx context.Context, jobID string) (*analysis.Job, error)
	Invalidate(ctx context.Context, documentRef string) error
}

type Service struct {
	repo     docrepo.Repository
	store    BlobStore
	names    NameCipher
	analyzer Analyzer
	logger   logging.Logger
}

func NewService(repo docrepo.Repository, store BlobStore, names NameCipher, analyzer Analyzer, logger logging.Logger) *Service {
	return &Service{
		repo:     repo,
		store:    store,
		names:    names,
		analyzer: analyzer,
		logger:   logger.With("component", "documents"),
	}
}

// DocumentInfo pairs persisted metadata with the decrypted display name.
type DocumentInfo struct {
	Doc  *models.Document
	Name string
}

// StorageKey builds the object-storage key for a new document. The owner and
// the type category are encoded into the path so storage-side listing stays
// meaningful without the database.
func StorageKey(userID, docType, id string) string {
	return fmt.Sprintf("users/%s/%s/%s", userID, category(docType), id)
}

// category normalizes a type tag ("Password", "Tax Form") into a path
// segment.
func category(docType string) string {
	c := strings.ToLower(strings.TrimSpace(docType))
	return strings.ReplaceAll(c, " ", "-")
}

// UploadDocument encrypts and stores the content, persists the metadata with
// the encrypted name, and returns the created record. The content buffer is
// consumed by the encryption engine.
func (s *Service) UploadDocument(ctx context.Context, userID, name, docType, contentType string, content []byte) (*models.Document, error) {
	if userID == "" || name == "" || docType == "" {
		return nil, fmt.Errorf("%w: user id, name and type are required", common.ErrInvalidInput)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: empty content", common.ErrInvalidInput)
	}

	id := uuid.New().String()
	path := StorageKey(userID, docType, id)

	encryptedName, err := s.names.EncryptName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("encrypting name: %w", err)
	}

	_, checksum, err := s.store.Upload(ctx, content, path, contentType)
	if err != nil {
		return nil, err
	}

	doc := &models.Document{
		ID:            id,
		UserID:        userID,
		EncryptedName: encryptedName,
		Type:          category(docType),
		ContentType:   contentType,
		StoragePath:   path,
		Checksum:      checksum,
	}
	if err := s.repo.Create(ctx, doc); err != nil {
		// The blob is already stored; remove it so a failed upload leaves
		// nothing behind.
		if _, delErr := s.store.Delete(ctx, path); delErr != nil {
			s.logger.Warn(ctx, "orphaned blob after metadata failure", "path", path, "error", delErr)
		}
		return nil, fmt.Errorf("persisting document: %w", err)
	}

	s.logger.Info(ctx, "document stored", "document_id", id, "path", path)
	return doc, nil
}

// DownloadDocument returns the metadata, decrypted name and plaintext content
// of one document. Documents owned by other users are reported as not found.
func (s *Service) DownloadDocument(ctx context.Context, userID, docID string) (*DocumentInfo, []byte, error) {
	doc, err := s.getOwned(ctx, userID, docID)
	if err != nil {
		return nil, nil, err
	}

	content, err := s.store.Download(ctx, doc.StoragePath)
	if err != nil {
		return nil, nil, err
	}

	name, err := s.names.DecryptName(ctx, doc.EncryptedName)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypting name: %w", err)
	}

	return &DocumentInfo{Doc: doc, Name: name}, content, nil
}

// ListDocuments returns the user's documents with decrypted names, newest
// first.
func (s *Service) ListDocuments(ctx context.Context, userID string) ([]*DocumentInfo, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", common.ErrInvalidInput)
	}

	docs, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := make([]*DocumentInfo, 0, len(docs))
	for _, doc := range docs {
		name, err := s.names.DecryptName(ctx, doc.EncryptedName)
		if err != nil {
			return nil, fmt.Errorf("decrypting name of %q: %w", doc.ID, err)
		}
		result = append(result, &DocumentInfo{Doc: doc, Name: name})
	}
	return result, nil
}

// DeleteDocument removes the metadata row, the blob and the cached analysis
// result. It reports whether the document existed; deleting an absent
// document is not an error.
//
// The row goes first: once it is gone the document is unreachable, so a blob
// or cache failure afterwards leaves only orphaned storage, never a live
// record pointing at missing content. Orphans are logged for cleanup.
func (s *Service) DeleteDocument(ctx context.Context, userID, docID string) (bool, error) {
	doc, err := s.getOwned(ctx, userID, docID)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	existed, err := s.repo.Delete(ctx, docID)
	if err != nil {
		return false, err
	}

	if _, err := s.store.Delete(ctx, doc.StoragePath); err != nil {
		s.logger.Warn(ctx, "orphaned blob after metadata delete", "path", doc.StoragePath, "error", err)
	}

	if err := s.analyzer.Invalidate(ctx, doc.StoragePath); err != nil {
		s.logger.Warn(ctx, "stale analysis cache entry not removed", "path", doc.StoragePath, "error", err)
	}

	s.logger.Info(ctx, "document deleted", "document_id", docID, "path", doc.StoragePath)
	return existed, nil
}

// AnalyzeDocument runs the analysis pipeline over a stored document.
func (s *Service) AnalyzeDocument(ctx context.Context, userID, docID string, opts analysis.Options) (*analysis.Result, error) {
	doc, err := s.getOwned(ctx, userID, docID)
	if err != nil {
		return nil, err
	}
	return s.analyzer.Analyze(ctx, doc.StoragePath, opts)
}

// GetAnalysisStatus reports the current state of a submitted analysis job.
func (s *Service) GetAnalysisStatus(ctx context.Context, jobID string) (*analysis.Job, error) {
	return s.analyzer.GetStatus(ctx, jobID)
}

// getOwned loads a document and enforces ownership. Somebody else's document
// is indistinguishable from a missing one.
func (s *Service) getOwned(ctx context.Context, userID, docID string) (*models.Document, error) {
	if userID == "" || docID == "" {
		return nil, fmt.Errorf("%w: user id and document id are required", common.ErrInvalidInput)
	}

	doc, err := s.repo.GetByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.UserID != userID {
		return nil, common.ErrNotFound
	}
	return doc, nil
}
