package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"prism-calendar/domain"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteTable stores task entities in a local SQLite database. Merges run in
// one transaction, so a failed batch leaves no entity changed.
type SQLiteTable struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteTable, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// One connection: SQLite has a single writer and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteTable{db: db}, nil
}

// Close releases the database.
func (s *SQLiteTable) Close() error {
	return s.db.Close()
}

const (
	insertTaskSQL = `INSERT INTO tasks (owner_id, id, text, day, ord, completed, subtasks, notes)
VALUES (?, ?, COALESCE(?, ''), COALESCE(?, ''), COALESCE(?, 0), COALESCE(?, 0), COALESCE(?, '[]'), COALESCE(?, ''))`

	mergeTaskSQL = `UPDATE tasks SET
    text = COALESCE(?, text),
    day = COALESCE(?, day),
    ord = COALESCE(?, ord),
    completed = COALESCE(?, completed),
    subtasks = COALESCE(?, subtasks),
    notes = COALESCE(?, notes)
WHERE owner_id = ? AND id = ?`

	listTasksSQL = `SELECT id, text, day, ord, completed, subtasks, notes
FROM tasks WHERE owner_id = ? ORDER BY day, ord, id`
)

func (s *SQLiteTable) Insert(ctx context.Context, ent TaskEntity) error {
	_, err := s.db.ExecContext(ctx, insertTaskSQL, insertArgs(ent)...)
	return err
}

func (s *SQLiteTable) Merge(ctx context.Context, ownerID string, ents []TaskEntity, mode MergeMode) error {
	if len(ents) == 0 {
		return nil
	}
	if len(ents) > MaxBatch {
		return domain.ErrBatchTooLarge
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, ent := range ents {
		if ent.PartitionKey != ownerID {
			return fmt.Errorf("entity %s outside partition %s", ent.RowKey, ownerID)
		}
		res, err := tx.ExecContext(ctx, mergeTaskSQL,
			nullable(ent.Text), nullable(ent.Day), nullable(ent.Order), nullable(ent.Completed),
			nullable(ent.Subtasks), nullable(ent.Notes), ent.PartitionKey, ent.RowKey)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if mode != MergeOrInsert {
			return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, ent.RowKey)
		}
		if _, err := tx.ExecContext(ctx, insertTaskSQL, insertArgs(ent)...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteTable) Delete(ctx context.Context, ownerID, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE owner_id = ? AND id = ?`, ownerID, id)
	return err
}

func (s *SQLiteTable) List(ctx context.Context, ownerID string) ([]TaskEntity, error) {
	rows, err := s.db.QueryContext(ctx, listTasksSQL, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ents := []TaskEntity{}
	for rows.Next() {
		var (
			id, text, day, subtasks, notes string
			order                          int
			completed                      bool
		)
		if err := rows.Scan(&id, &text, &day, &order, &completed, &subtasks, &notes); err != nil {
			return nil, err
		}
		ents = append(ents, TaskEntity{
			PartitionKey: ownerID,
			RowKey:       id,
			Text:         &text,
			Day:          &day,
			Order:        &order,
			Completed:    &completed,
			Subtasks:     &subtasks,
			Notes:        &notes,
		})
	}
	return ents, rows.Err()
}

func insertArgs(ent TaskEntity) []any {
	return []any{
		ent.PartitionKey, ent.RowKey,
		nullable(ent.Text), nullable(ent.Day), nullable(ent.Order), nullable(ent.Completed),
		nullable(ent.Subtasks), nullable(ent.Notes),
	}
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
