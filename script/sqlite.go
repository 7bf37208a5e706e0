package script

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS script_templates (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	name TEXT NOT NULL,
	body TEXT NOT NULL,
	last_run_user TEXT NOT NULL DEFAULT '',
	modify_time INTEGER NOT NULL
);`

var _ Repository = &SQLiteRepository{}

type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates the templates table if needed.
func NewSQLiteRepository(ctx context.Context, db *sql.DB) (*SQLiteRepository, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating script_templates table: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Template, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, body, last_run_user, modify_time FROM script_templates WHERE id = ?`, id)

	var (
		t        Template
		modifyMS int64
	)
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.Name, &t.Body, &t.LastRunUser, &modifyMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying script template %q: %w", id, err)
	}
	t.ModifyTime = time.UnixMilli(modifyMS)
	return &t, nil
}

func (r *SQLiteRepository) Update(ctx context.Context, t *Template) error {
	t.ModifyTime = time.Now()
	res, err := r.db.ExecContext(ctx,
		`UPDATE script_templates SET workspace_id = ?, name = ?, body = ?, last_run_user = ?, modify_time = ? WHERE id = ?`,
		t.WorkspaceID, t.Name, t.Body, t.LastRunUser, t.ModifyTime.UnixMilli(), t.ID)
	if err != nil {
		return fmt.Errorf("updating script template %q: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating script template %q: %w", t.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Create inserts a new template, assigning it an ID if it has none.
func (r *SQLiteRepository) Create(ctx context.Context, t *Template) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.ModifyTime = time.Now()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO script_templates (id, workspace_id, name, body, last_run_user, modify_time) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkspaceID, t.Name, t.Body, t.LastRunUser, t.ModifyTime.UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting script template %q: %w", t.Name, err)
	}
	return nil
}
