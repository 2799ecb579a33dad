// Package db wires the PostgreSQL connection, schema migrations (goose) and
// repository construction for the server.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmitrijs2005/docvault/internal/server/migrations"
	"github.com/dmitrijs2005/docvault/internal/server/repositories/documents"
)

// Manager owns the database handle and vends repositories bound to it.
type Manager struct {
	db        *sql.DB
	documents documents.Repository
}

// Conn exposes the underlying handle for transaction management.
func (m *Manager) Conn() *sql.DB {
	return m.db
}

func (m *Manager) Documents() documents.Repository {
	return m.documents
}

func (m *Manager) Close() error {
	return m.db.Close()
}

// gooseUpContext is a seam for testing RunMigrations.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and applies them.
func (m *Manager) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, m.db, "."); err != nil {
		return err
	}
	return nil
}

// NewManager opens the database by DSN, runs migrations and returns a
// ready-to-use Manager.
func NewManager(ctx context.Context, dsn string) (*Manager, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	m := &Manager{
		db:        db,
		documents: documents.NewPostgresRepository(db),
	}

	if err := m.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return m, nil
}
