package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/selwynpear/growthgrid/internal/ai"
)

type stubInvoker struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	response  string
	tokens    int
}

func (s *stubInvoker) Invoke(_ context.Context, req ai.Request) (*ai.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.failFirst {
		return nil, errors.New("upstream unavailable")
	}

	text := s.response
	if text == "" {
		text = "answer for: " + req.Prompt
	}
	return &ai.Response{Text: text, TokensUsed: s.tokens}, nil
}

type recordingWriter struct {
	mu      sync.Mutex
	batches [][]CellUpdate
	err     error
}

func (w *recordingWriter) UpsertCells(_ context.Context, _ string, updates []CellUpdate) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, updates)
	return nil
}

func testExecutor(invoker ai.Invoker) (*Executor, *[]time.Duration) {
	e := NewExecutor(invoker, nil, nil, nil, nil)

	waits := &[]time.Duration{}
	e.wait = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return e, waits
}

func testColumn() *ColumnConfig {
	return &ColumnConfig{
		ID:     "col-1",
		Name:   "Research",
		Key:    "research",
		Prompt: "Research {company}",
		Model:  "gemini-2.5-flash",
	}
}

func testRows(n int) []*Row {
	rows := make([]*Row, n)
	for i := range rows {
		rows[i] = &Row{
			ID:     fmt.Sprintf("row-%d", i),
			Fields: map[string]string{"company": fmt.Sprintf("Company %d", i)},
		}
	}
	return rows
}

func TestExecuteForRowSecondCallHitsCache(t *testing.T) {
	t.Parallel()

	invoker := &stubInvoker{tokens: 42}
	e, _ := testExecutor(invoker)
	column := testColumn()
	row := testRows(1)[0]

	first := e.ExecuteForRow(context.Background(), column, row, nil)
	if !first.Success || first.Cached {
		t.Fatalf("expected uncached success, got %+v", first)
	}
	if first.TokensUsed != 42 {
		t.Fatalf("expected 42 tokens, got %d", first.TokensUsed)
	}

	second := e.ExecuteForRow(context.Background(), column, row, nil)
	if !second.Success || !second.Cached {
		t.Fatalf("expected cached success, got %+v", second)
	}
	if second.TokensUsed != 0 {
		t.Fatalf("expected zero token cost on cache hit, got %d", second.TokensUsed)
	}
	if second.Value != first.Value {
		t.Fatalf("cache returned different value: %q vs %q", second.Value, first.Value)
	}
	if invoker.calls != 1 {
		t.Fatalf("expected a single inference call, got %d", invoker.calls)
	}
}

func TestExecuteForRowRecomputesWhenUpstreamCellChanges(t *testing.T) {
	t.Parallel()

	invoker := &stubInvoker{}
	e, _ := testExecutor(invoker)

	columns := []ColumnConfig{
		{ID: "col-a", Name: "Research", Key: "research"},
		{ID: "col-b", Name: "Summary", Key: "summary"},
	}
	summaryCol := &ColumnConfig{ID: "col-b", Name: "Summary", Key: "summary", Prompt: "Summarize: {research}"}

	row := &Row{
		ID:     "row-0",
		Fields: map[string]string{"company": "Acme"},
		Cells:  map[string]Cell{"col-a": {Value: "old research", Status: StatusComplete}},
	}

	first := e.ExecuteForRow(context.Background(), summaryCol, row, columns)
	if !first.Success || first.Value != "answer for: Summarize: old research" {
		t.Fatalf("unexpected first result: %+v", first)
	}

	// The upstream column is recomputed; the summary must not reuse the
	// answer built from the old cell value.
	row.Cells["col-a"] = Cell{Value: "new research", Status: StatusComplete}

	second := e.ExecuteForRow(context.Background(), summaryCol, row, columns)
	if second.Cached {
		t.Fatalf("expected cache miss after upstream cell changed, got %+v", second)
	}
	if second.Value != "answer for: Summarize: new research" {
		t.Fatalf("expected answer from new cell value, got %q", second.Value)
	}
	if invoker.calls != 2 {
		t.Fatalf("expected 2 inference calls, got %d", invoker.calls)
	}

	// An identical payload still hits the cache.
	third := e.ExecuteForRow(context.Background(), summaryCol, row, columns)
	if !third.Cached || third.Value != second.Value {
		t.Fatalf("expected cached repeat, got %+v", third)
	}
}

func TestExecuteForRowRetrySchedule(t *testing.T) {
	t.Parallel()

	invoker := &stubInvoker{failFirst: 2}
	e, waits := testExecutor(invoker)

	result := e.ExecuteForRow(context.Background(), testColumn(), testRows(1)[0], nil)

	if !result.Success {
		t.Fatalf("expected success after retries, got %+v", result)
	}
	if result.Retries != 2 {
		t.Fatalf("expected exactly 2 retries, got %d", result.Retries)
	}

	if len(*waits) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %v", *waits)
	}
	if (*waits)[1] < 2*(*waits)[0] {
		t.Fatalf("expected second backoff >= 2x first, got %v then %v", (*waits)[0], (*waits)[1])
	}
}

func TestExecuteForRowExhaustsRetries(t *testing.T) {
	t.Parallel()

	invoker := &stubInvoker{failFirst: 100}
	e, waits := testExecutor(invoker)

	result := e.ExecuteForRow(context.Background(), testColumn(), testRows(1)[0], nil)

	if result.Success {
		t.Fatalf("expected terminal failure, got %+v", result)
	}
	if result.Retries != 3 {
		t.Fatalf("expected 3 retries before giving up, got %d", result.Retries)
	}
	if result.ErrorMessage == "" {
		t.Fatalf("expected error message on terminal failure")
	}
	if len(*waits) != 3 {
		t.Fatalf("expected 3 backoff sleeps, got %v", *waits)
	}
	if invoker.calls != 4 {
		t.Fatalf("expected 4 attempts total, got %d", invoker.calls)
	}
}

func TestRunBatchesProgressAndPersistence(t *testing.T) {
	t.Parallel()

	invoker := &stubInvoker{tokens: 10}
	e, _ := testExecutor(invoker)
	writer := &recordingWriter{}

	var progress []Progress
	summary, err := e.Run(context.Background(), testColumn(), testRows(12), nil, RunOptions{
		BatchSize: 5,
		Persist:   writer,
		OnProgress: func(p Progress) {
			progress = append(progress, p)
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !summary.Success {
		t.Fatalf("expected successful summary")
	}
	if summary.TotalRows != 12 || summary.SuccessCount != 12 || summary.ErrorCount != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.TokensUsed != 120 {
		t.Fatalf("expected 120 tokens, got %d", summary.TokensUsed)
	}

	if len(progress) != 3 {
		t.Fatalf("expected 3 progress events, got %d", len(progress))
	}
	sizes := []int{5, 5, 2}
	completed := []int{5, 10, 12}
	for i, p := range progress {
		if len(p.LatestResults) != sizes[i] {
			t.Fatalf("event %d: expected %d results, got %d", i, sizes[i], len(p.LatestResults))
		}
		if p.Completed != completed[i] {
			t.Fatalf("event %d: expected completed %d, got %d", i, completed[i], p.Completed)
		}
		if p.Total != 12 {
			t.Fatalf("event %d: expected total 12, got %d", i, p.Total)
		}
	}
	if progress[2].Percentage != 100 {
		t.Fatalf("expected final percentage 100, got %d", progress[2].Percentage)
	}

	if len(writer.batches) != 3 {
		t.Fatalf("expected persistence once per batch, got %d calls", len(writer.batches))
	}
	for i, batch := range writer.batches {
		if len(batch) != sizes[i] {
			t.Fatalf("persist call %d: expected %d updates, got %d", i, sizes[i], len(batch))
		}
		for _, u := range batch {
			if u.Status != StatusComplete {
				t.Fatalf("expected complete status, got %q", u.Status)
			}
		}
	}
}

func TestRunCancellationStopsAtBatchBoundary(t *testing.T) {
	t.Parallel()

	invoker := &stubInvoker{}
	e, _ := testExecutor(invoker)
	writer := &recordingWriter{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := 0
	summary, err := e.Run(ctx, testColumn(), testRows(12), nil, RunOptions{
		BatchSize: 5,
		Persist:   writer,
		OnProgress: func(p Progress) {
			events++
			if p.Completed == 10 {
				cancel()
			}
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if events != 2 {
		t.Fatalf("expected 2 progress events before cancellation, got %d", events)
	}
	if len(summary.Results) != 10 {
		t.Fatalf("expected 10 processed rows, got %d", len(summary.Results))
	}
	if len(writer.batches) != 2 {
		t.Fatalf("expected 2 persistence calls, got %d", len(writer.batches))
	}
	if summary.SuccessCount != 10 {
		t.Fatalf("expected 10 successes, got %d", summary.SuccessCount)
	}
}

func TestRunRowFailureDoesNotAbortSiblings(t *testing.T) {
	t.Parallel()

	// Every call fails; all rows end in a terminal error state.
	invoker := &stubInvoker{failFirst: 1 << 30}
	e, _ := testExecutor(invoker)
	writer := &recordingWriter{}

	summary, err := e.Run(context.Background(), testColumn(), testRows(4), nil, RunOptions{
		BatchSize: 2,
		Persist:   writer,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !summary.Success {
		t.Fatalf("row failures must not fail the summary")
	}
	if summary.ErrorCount != 4 || summary.SuccessCount != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(summary.Results) != 4 {
		t.Fatalf("every row must have a terminal result, got %d", len(summary.Results))
	}

	for _, batch := range writer.batches {
		for _, u := range batch {
			if u.Status != StatusError || u.ErrorMessage == "" {
				t.Fatalf("expected error cells with messages, got %+v", u)
			}
		}
	}
}

func TestRunPersistenceFailureMarksSummary(t *testing.T) {
	t.Parallel()

	invoker := &stubInvoker{}
	e, _ := testExecutor(invoker)
	writer := &recordingWriter{err: errors.New("store unreachable")}

	summary, err := e.Run(context.Background(), testColumn(), testRows(3), nil, RunOptions{
		BatchSize: 5,
		Persist:   writer,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Success {
		t.Fatalf("expected summary.Success=false on persistence failure")
	}
	// Computed values are still cached for a later flush.
	if _, ok := e.Cache().Get(testColumn().Prompt, testRows(3)[0]); !ok {
		t.Fatalf("expected computed value to stay cached after persistence failure")
	}
}

func TestRunValidatesArguments(t *testing.T) {
	t.Parallel()

	e, _ := testExecutor(&stubInvoker{})

	if _, err := e.Run(context.Background(), nil, testRows(1), nil, RunOptions{}); err == nil {
		t.Fatalf("expected error for nil column")
	}
	if _, err := e.Run(context.Background(), &ColumnConfig{ID: "x"}, testRows(1), nil, RunOptions{}); err == nil {
		t.Fatalf("expected error for empty prompt")
	}
}
