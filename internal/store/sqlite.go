// Package store persists worksheet rows and cells in SQLite. Cell writes are
// idempotent upserts keyed by (row_id, column_id), so the enrichment engine
// can flush the same batch repeatedly without conflicts.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/selwynpear/growthgrid/internal/enrich"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite database holding worksheet rows and cells.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the worksheet database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database.
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "growthgrid.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Writes from a batch arrive on multiple goroutines; serialize them on
	// a single connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// InsertRows adds new worksheet rows with their structured fields.
func (s *Store) InsertRows(rows []*enrich.Row) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	for _, row := range rows {
		fields, err := json.Marshal(row.Fields)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marshaling fields for row %s: %w", row.ID, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO rows (id, fields) VALUES (?, ?)",
			row.ID, string(fields),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting row %s: %w", row.ID, err)
		}
	}

	return tx.Commit()
}

// CountRows reports the worksheet size.
func (s *Store) CountRows() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM rows").Scan(&n)
	return n, err
}

// ListRows loads every row together with its cells, ordered by insertion.
func (s *Store) ListRows() ([]*enrich.Row, error) {
	rows, err := s.db.Query("SELECT id, fields FROM rows ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*enrich.Row
	index := make(map[string]*enrich.Row)

	for rows.Next() {
		var id, fieldsJSON string
		if err := rows.Scan(&id, &fieldsJSON); err != nil {
			return nil, err
		}

		fields := make(map[string]string)
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, fmt.Errorf("parsing fields for row %s: %w", id, err)
		}

		row := &enrich.Row{ID: id, Fields: fields, Cells: make(map[string]enrich.Cell)}
		result = append(result, row)
		index[id] = row
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cells, err := s.db.Query("SELECT row_id, column_id, value, status, error, updated_at FROM cells")
	if err != nil {
		return nil, err
	}
	defer cells.Close()

	for cells.Next() {
		var rowID, columnID, value, status, errMsg, updatedAt string
		if err := cells.Scan(&rowID, &columnID, &value, &status, &errMsg, &updatedAt); err != nil {
			return nil, err
		}

		row, ok := index[rowID]
		if !ok {
			continue
		}

		t, _ := time.Parse(time.RFC3339, updatedAt)
		row.Cells[columnID] = enrich.Cell{
			Value:        value,
			Status:       status,
			ErrorMessage: errMsg,
			UpdatedAt:    t,
		}
	}

	return result, cells.Err()
}

// GetRow loads a single row with its cells.
func (s *Store) GetRow(id string) (*enrich.Row, error) {
	var fieldsJSON string
	err := s.db.QueryRow("SELECT fields FROM rows WHERE id = ?", id).Scan(&fieldsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	fields := make(map[string]string)
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("parsing fields for row %s: %w", id, err)
	}

	row := &enrich.Row{ID: id, Fields: fields, Cells: make(map[string]enrich.Cell)}

	cells, err := s.db.Query("SELECT column_id, value, status, error, updated_at FROM cells WHERE row_id = ?", id)
	if err != nil {
		return nil, err
	}
	defer cells.Close()

	for cells.Next() {
		var columnID, value, status, errMsg, updatedAt string
		if err := cells.Scan(&columnID, &value, &status, &errMsg, &updatedAt); err != nil {
			return nil, err
		}
		t, _ := time.Parse(time.RFC3339, updatedAt)
		row.Cells[columnID] = enrich.Cell{Value: value, Status: status, ErrorMessage: errMsg, UpdatedAt: t}
	}

	return row, cells.Err()
}

// UpsertCells writes the batch under the given column. Existing cells are
// overwritten, satisfying the enrich.CellWriter contract.
func (s *Store) UpsertCells(ctx context.Context, columnID string, updates []enrich.CellUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	for _, u := range updates {
		updatedAt := u.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cells (row_id, column_id, value, status, error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(row_id, column_id) DO UPDATE SET
				value = excluded.value,
				status = excluded.status,
				error = excluded.error,
				updated_at = excluded.updated_at`,
			u.RowID, columnID, u.Value, u.Status, u.ErrorMessage,
			updatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting cell (%s, %s): %w", u.RowID, columnID, err)
		}
	}

	return tx.Commit()
}

// MarkCells transitions the named rows' cells for a column to the given
// status without touching their values.
func (s *Store) MarkCells(ctx context.Context, columnID string, rowIDs []string, status string) error {
	if len(rowIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, rowID := range rowIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cells (row_id, column_id, status, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(row_id, column_id) DO UPDATE SET
				status = excluded.status,
				updated_at = excluded.updated_at`,
			rowID, columnID, status, now,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("marking cell (%s, %s): %w", rowID, columnID, err)
		}
	}

	return tx.Commit()
}
