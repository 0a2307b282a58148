package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/selwynpear/growthgrid/internal/enrich"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndListRows(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	rows := []*enrich.Row{
		{ID: "r1", Fields: map[string]string{"company": "Acme", "industry": "SaaS"}},
		{ID: "r2", Fields: map[string]string{"company": "Globex"}},
	}
	if err := s.InsertRows(rows); err != nil {
		t.Fatalf("inserting rows: %v", err)
	}

	count, err := s.CountRows()
	if err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}

	loaded, err := s.ListRows()
	if err != nil {
		t.Fatalf("listing rows: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(loaded))
	}
	if loaded[0].Fields["company"] != "Acme" {
		t.Fatalf("unexpected fields: %v", loaded[0].Fields)
	}
	if loaded[0].Cells == nil || len(loaded[0].Cells) != 0 {
		t.Fatalf("expected empty cells map, got %v", loaded[0].Cells)
	}
}

func TestUpsertCellsIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertRows([]*enrich.Row{{ID: "r1", Fields: map[string]string{}}}); err != nil {
		t.Fatalf("inserting rows: %v", err)
	}

	updates := []enrich.CellUpdate{{
		RowID:     "r1",
		Value:     "first",
		Status:    enrich.StatusComplete,
		UpdatedAt: time.Now(),
	}}
	if err := s.UpsertCells(ctx, "col-1", updates); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Same key again with a new value must overwrite, not fail.
	updates[0].Value = "second"
	if err := s.UpsertCells(ctx, "col-1", updates); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	row, err := s.GetRow("r1")
	if err != nil {
		t.Fatalf("getting row: %v", err)
	}

	cell, ok := row.Cells["col-1"]
	if !ok {
		t.Fatalf("expected cell for col-1")
	}
	if cell.Value != "second" || cell.Status != enrich.StatusComplete {
		t.Fatalf("unexpected cell: %+v", cell)
	}
}

func TestUpsertCellsStoresErrors(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertRows([]*enrich.Row{{ID: "r1", Fields: map[string]string{}}}); err != nil {
		t.Fatalf("inserting rows: %v", err)
	}

	updates := []enrich.CellUpdate{{
		RowID:        "r1",
		Status:       enrich.StatusError,
		ErrorMessage: "upstream unavailable",
		UpdatedAt:    time.Now(),
	}}
	if err := s.UpsertCells(ctx, "col-1", updates); err != nil {
		t.Fatalf("upserting error cell: %v", err)
	}

	row, err := s.GetRow("r1")
	if err != nil {
		t.Fatalf("getting row: %v", err)
	}

	cell := row.Cells["col-1"]
	if cell.Status != enrich.StatusError || cell.ErrorMessage != "upstream unavailable" {
		t.Fatalf("unexpected cell: %+v", cell)
	}
}

func TestMarkCells(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertRows([]*enrich.Row{{ID: "r1", Fields: map[string]string{}}}); err != nil {
		t.Fatalf("inserting rows: %v", err)
	}

	if err := s.MarkCells(ctx, "col-1", []string{"r1"}, enrich.StatusRunning); err != nil {
		t.Fatalf("marking cells: %v", err)
	}

	row, err := s.GetRow("r1")
	if err != nil {
		t.Fatalf("getting row: %v", err)
	}
	if row.Cells["col-1"].Status != enrich.StatusRunning {
		t.Fatalf("expected running status, got %+v", row.Cells["col-1"])
	}

	// Marking must not clobber an existing value.
	if err := s.UpsertCells(ctx, "col-1", []enrich.CellUpdate{{
		RowID: "r1", Value: "done", Status: enrich.StatusComplete, UpdatedAt: time.Now(),
	}}); err != nil {
		t.Fatalf("upserting: %v", err)
	}
	if err := s.MarkCells(ctx, "col-1", []string{"r1"}, enrich.StatusRunning); err != nil {
		t.Fatalf("re-marking cells: %v", err)
	}

	row, err = s.GetRow("r1")
	if err != nil {
		t.Fatalf("getting row: %v", err)
	}
	cell := row.Cells["col-1"]
	if cell.Value != "done" || cell.Status != enrich.StatusRunning {
		t.Fatalf("expected preserved value with running status, got %+v", cell)
	}
}

func TestGetRowNotFound(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if _, err := s.GetRow("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	// Re-running migrations against the same database must be a no-op.
	if err := s.migrate(); err != nil {
		t.Fatalf("re-running migrations: %v", err)
	}
}
