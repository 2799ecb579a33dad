package documents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/docvault/internal/analysis"
	"github.com/dmitrijs2005/docvault/internal/common"
	"github.com/dmitrijs2005/docvault/internal/logging"
	"github.com/dmitrijs2005/docvault/internal/server/models"
)

type fakeRepo struct {
	docs      map[string]*models.Document
	createErr error
	deleteErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{docs: map[string]*models.Document{}}
}

func (f *fakeRepo) Create(ctx context.Context, doc *models.Document) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeRepo) GetByID(ctx context.Context, id string) (*models.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return doc, nil
}

func (f *fakeRepo) ListByUser(ctx context.Context, userID string) ([]*models.Document, error) {
	var result []*models.Document
	for _, doc := range f.docs {
		if doc.UserID == userID {
			result = append(result, doc)
		}
	}
	return result, nil
}

func (f *fakeRepo) Delete(ctx context.Context, id string) (bool, error) {
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	if _, ok := f.docs[id]; !ok {
		return false, nil
	}
	delete(f.docs, id)
	return true, nil
}

// fakeStore keeps plaintext in memory and returns a real checksum so upload
// results can be asserted.
type fakeStore struct {
	blobs       map[string][]byte
	uploadErr   error
	downloadErr error
	deleteErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: map[string][]byte{}}
}

func (f *fakeStore) Upload(ctx context.Context, plaintext []byte, path, contentType string) (string, string, error) {
	if f.uploadErr != nil {
		return "", "", f.uploadErr
	}
	f.blobs[path] = append([]byte(nil), plaintext...)
	sum := sha256.Sum256(plaintext)
	return path, hex.EncodeToString(sum[:]), nil
}

func (f *fakeStore) Download(ctx context.Context, path string) ([]byte, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	blob, ok := f.blobs[path]
	if !ok {
		return nil, common.ErrNotFound
	}
	return blob, nil
}

func (f *fakeStore) Delete(ctx context.Context, path string) (bool, error) {
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	_, ok := f.blobs[path]
	delete(f.blobs, path)
	return ok, nil
}

// fakeNames reversibly "encrypts" names with a prefix.
type fakeNames struct{ err error }

func (f fakeNames) EncryptName(ctx context.Context, name string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("enc:" + name), nil
}

func (f fakeNames) DecryptName(ctx context.Context, wrapped []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return strings.TrimPrefix(string(wrapped), "enc:"), nil
}

type fakeAnalyzer struct {
	result        *analysis.Result
	err           error
	invalidated   []string
	invalidateErr error
	analyzedRefs  []string
	statusByJobID map[string]analysis.JobStatus
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, ref string, opts analysis.Options) (*analysis.Result, error) {
	f.analyzedRefs = append(f.analyzedRefs, ref)
	return f.result, f.err
}

func (f *fakeAnalyzer) GetStatus(ctx context.Context, jobID string) (*analysis.Job, error) {
	status, ok := f.statusByJobID[jobID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &analysis.Job{ID: jobID, Status: status}, nil
}

func (f *fakeAnalyzer) Invalidate(ctx context.Context, ref string) error {
	f.invalidated = append(f.invalidated, ref)
	return f.invalidateErr
}

func newTestService(repo *fakeRepo, store *fakeStore, names fakeNames, analyzer *fakeAnalyzer) *Service {
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewService(repo, store, names, analyzer, logger)
}

func TestUploadDocument_StoresBlobAndMetadata(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	svc := newTestService(repo, store, fakeNames{}, &fakeAnalyzer{})

	doc, err := svc.UploadDocument(context.Background(), "U1", "bank login", "Password", "text/plain", []byte("hunter2"))
	require.NoError(t, err)

	assert.Equal(t, "U1", doc.UserID)
	assert.Equal(t, "password", doc.Type)
	assert.Equal(t, []byte("enc:bank login"), doc.EncryptedName, "name is encrypted before persisting")
	assert.True(t, strings.HasPrefix(doc.StoragePath, "users/U1/password/"), "path encodes owner and category: %s", doc.StoragePath)
	assert.NotEmpty(t, doc.Checksum)

	stored, ok := store.blobs[doc.StoragePath]
	require.True(t, ok)
	assert.Equal(t, []byte("hunter2"), stored)

	persisted, err := repo.GetByID(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.StoragePath, persisted.StoragePath)
}

func TestUploadDocument_Validation(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakeStore(), fakeNames{}, &fakeAnalyzer{})
	ctx := context.Background()

	_, err := svc.UploadDocument(ctx, "", "n", "password", "text/plain", []byte("x"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = svc.UploadDocument(ctx, "U1", "", "password", "text/plain", []byte("x"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = svc.UploadDocument(ctx, "U1", "n", "", "text/plain", []byte("x"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = svc.UploadDocument(ctx, "U1", "n", "password", "text/plain", nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestUploadDocument_MetadataFailureRemovesBlob(t *testing.T) {
	repo := newFakeRepo()
	repo.createErr = errors.New("db down")
	store := newFakeStore()
	svc := newTestService(repo, store, fakeNames{}, &fakeAnalyzer{})

	_, err := svc.UploadDocument(context.Background(), "U1", "n", "invoice", "application/pdf", []byte("pdf"))
	require.Error(t, err)
	assert.Empty(t, store.blobs, "failed upload must not leave a blob behind")
}

func TestDownloadDocument_RoundTrip(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	svc := newTestService(repo, store, fakeNames{}, &fakeAnalyzer{})
	ctx := context.Background()

	doc, err := svc.UploadDocument(ctx, "U1", "tax 2025", "Tax Form", "application/pdf", []byte("form data"))
	require.NoError(t, err)
	assert.Equal(t, "tax-form", doc.Type)

	info, content, err := svc.DownloadDocument(ctx, "U1", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "tax 2025", info.Name)
	assert.Equal(t, []byte("form data"), content)
}

func TestDownloadDocument_OtherUsersDocumentIsNotFound(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	svc := newTestService(repo, store, fakeNames{}, &fakeAnalyzer{})
	ctx := context.Background()

	doc, err := svc.UploadDocument(ctx, "U1", "secret", "password", "text/plain", []byte("x"))
	require.NoError(t, err)

	_, _, err = svc.DownloadDocument(ctx, "U2", doc.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestListDocuments_DecryptsNames(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	svc := newTestService(repo, store, fakeNames{}, &fakeAnalyzer{})
	ctx := context.Background()

	_, err := svc.UploadDocument(ctx, "U1", "doc one", "invoice", "application/pdf", []byte("a"))
	require.NoError(t, err)
	_, err = svc.UploadDocument(ctx, "U1", "doc two", "invoice", "application/pdf", []byte("b"))
	require.NoError(t, err)
	_, err = svc.UploadDocument(ctx, "U2", "other", "invoice", "application/pdf", []byte("c"))
	require.NoError(t, err)

	infos, err := svc.ListDocuments(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	names := []string{infos[0].Name, infos[1].Name}
	assert.ElementsMatch(t, []string{"doc one", "doc two"}, names)
}

func TestDeleteDocument_RemovesEverything(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	analyzer := &fakeAnalyzer{}
	svc := newTestService(repo, store, fakeNames{}, analyzer)
	ctx := context.Background()

	doc, err := svc.UploadDocument(ctx, "U1", "n", "password", "text/plain", []byte("x"))
	require.NoError(t, err)

	existed, err := svc.DeleteDocument(ctx, "U1", doc.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	assert.Empty(t, store.blobs, "blob removed")
	assert.Equal(t, []string{doc.StoragePath}, analyzer.invalidated, "cached analysis invalidated")
	_, err = repo.GetByID(ctx, doc.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDeleteDocument_BlobFailureLeavesNoRow(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	svc := newTestService(repo, store, fakeNames{}, &fakeAnalyzer{})
	ctx := context.Background()

	doc, err := svc.UploadDocument(ctx, "U1", "n", "password", "text/plain", []byte("x"))
	require.NoError(t, err)

	store.deleteErr = errors.New("storage down")

	existed, err := svc.DeleteDocument(ctx, "U1", doc.ID)
	require.NoError(t, err, "an orphaned blob is logged, not surfaced")
	assert.True(t, existed)

	_, err = repo.GetByID(ctx, doc.ID)
	assert.ErrorIs(t, err, common.ErrNotFound, "no metadata row may survive a delete")
}

func TestDeleteDocument_MetadataFailureKeepsDocument(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	svc := newTestService(repo, store, fakeNames{}, &fakeAnalyzer{})
	ctx := context.Background()

	doc, err := svc.UploadDocument(ctx, "U1", "n", "password", "text/plain", []byte("x"))
	require.NoError(t, err)

	repo.deleteErr = errors.New("db down")

	_, err = svc.DeleteDocument(ctx, "U1", doc.ID)
	require.Error(t, err)
	assert.Contains(t, store.blobs, doc.StoragePath, "blob stays until the row is gone")
}

func TestDeleteDocument_AbsentIsIdempotent(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakeStore(), fakeNames{}, &fakeAnalyzer{})

	existed, err := svc.DeleteDocument(context.Background(), "U1", "no-such-id")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestDeleteDocument_CacheInvalidationFailureIsAbsorbed(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	analyzer := &fakeAnalyzer{invalidateErr: errors.New("cache down")}
	svc := newTestService(repo, store, fakeNames{}, analyzer)
	ctx := context.Background()

	doc, err := svc.UploadDocument(ctx, "U1", "n", "password", "text/plain", []byte("x"))
	require.NoError(t, err)

	existed, err := svc.DeleteDocument(ctx, "U1", doc.ID)
	require.NoError(t, err, "cache trouble must not block deletion")
	assert.True(t, existed)
}

func TestAnalyzeDocument_UsesStoragePath(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	analyzer := &fakeAnalyzer{result: &analysis.Result{Status: analysis.StatusSucceeded}}
	svc := newTestService(repo, store, fakeNames{}, analyzer)
	ctx := context.Background()

	doc, err := svc.UploadDocument(ctx, "U1", "scan", "invoice", "application/pdf", []byte("img"))
	require.NoError(t, err)

	result, err := svc.AnalyzeDocument(ctx, "U1", doc.ID, analysis.Options{})
	require.NoError(t, err)
	assert.Equal(t, analysis.StatusSucceeded, result.Status)
	assert.Equal(t, []string{doc.StoragePath}, analyzer.analyzedRefs)
}

func TestAnalyzeDocument_OtherUser(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	analyzer := &fakeAnalyzer{}
	svc := newTestService(repo, store, fakeNames{}, analyzer)
	ctx := context.Background()

	doc, err := svc.UploadDocument(ctx, "U1", "scan", "invoice", "application/pdf", []byte("img"))
	require.NoError(t, err)

	_, err = svc.AnalyzeDocument(ctx, "U2", doc.ID, analysis.Options{})
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Empty(t, analyzer.analyzedRefs)
}

func TestGetAnalysisStatus(t *testing.T) {
	analyzer := &fakeAnalyzer{statusByJobID: map[string]analysis.JobStatus{"j1": analysis.StatusInProgress}}
	svc := newTestService(newFakeRepo(), newFakeStore(), fakeNames{}, analyzer)

	job, err := svc.GetAnalysisStatus(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, analysis.StatusInProgress, job.Status)
}

func TestStorageKey(t *testing.T) {
	assert.Equal(t, "users/U1/password/id1", StorageKey("U1", "Password", "id1"))
	assert.Equal(t, "users/U1/tax-form/id2", StorageKey("U1", " Tax Form ", "id2"))
}
