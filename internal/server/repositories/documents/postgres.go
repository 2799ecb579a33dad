package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/docvault/internal/common"
	"github.com/dmitrijs2005/docvault/internal/dbx"
	"github.com/dmitrijs2005/docvault/internal/server/models"
)

// PostgresRepository implements document metadata storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new document row. Exactly one row must be affected.
func (r *PostgresRepository) Create(ctx context.Context, doc *models.Document) error {
	query := `
		INSERT INTO documents (id, user_id, encrypted_name, type, content_type, storage_path, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	res, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.UserID, doc.EncryptedName, doc.Type, doc.ContentType, doc.StoragePath, doc.Checksum)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
	return nil
}

// GetByID returns the document with the given id, or common.ErrNotFound.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Document, error) {
	query := ` SELECT id, user_id, encrypted_name, type, content_type, storage_path, checksum, created_at, updated_at from documents
		WHERE id=$1
		`

	result := &models.Document{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&result.ID, &result.UserID, &result.EncryptedName, &result.Type,
		&result.ContentType, &result.StoragePath, &result.Checksum,
		&result.CreatedAt, &result.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select document: %w", err)
	}
	return result, nil
}

// ListByUser returns all documents owned by userID, newest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*models.Document, error) {
	query := ` SELECT id, user_id, encrypted_name, type, content_type, storage_path, checksum, created_at, updated_at from documents
		WHERE user_id=$1 ORDER BY created_at DESC
		`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select documents: %w", err)
	}
	defer rows.Close()

	var result []*models.Document
	for rows.Next() {
		var item models.Document
		if err := rows.Scan(&item.ID, &item.UserID, &item.EncryptedName, &item.Type,
			&item.ContentType, &item.StoragePath, &item.Checksum,
			&item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes the document row. It reports whether a row existed, so the
// operation stays idempotent for callers.
func (r *PostgresRepository) Delete(ctx context.Context, id string) (bool, error) {
	query := `delete from documents where id=$1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return ra > 0, nil
}
