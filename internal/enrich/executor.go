package enrich

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/selwynpear/growthgrid/internal/ai"
	"github.com/selwynpear/growthgrid/internal/utils"
)

const (
	defaultBatchSize  = 5
	defaultBatchPause = time.Second
	defaultMaxRetries = 3

	maxLogLength = 200
)

// CellUpdate is a single cell mutation flushed to the persistence adapter.
type CellUpdate struct {
	RowID        string
	Value        string
	Status       string
	ErrorMessage string
	UpdatedAt    time.Time
}

// CellWriter persists cell values. Implementations must treat the write as an
// idempotent upsert keyed by (rowID, columnID).
type CellWriter interface {
	UpsertCells(ctx context.Context, columnID string, updates []CellUpdate) error
}

// RunOptions tune a single executor run.
type RunOptions struct {
	// BatchSize caps concurrent inference calls. Defaults to 5.
	BatchSize int
	// BatchPause is slept between batches so the rate limiter drains
	// between waves. Defaults to one second.
	BatchPause time.Duration
	// Persist receives per-batch cell flushes. Nil disables persistence.
	Persist CellWriter
	// OnProgress is invoked once per completed batch.
	OnProgress func(Progress)
}

// Executor applies one column's computation across a set of rows: bounded
// parallel batches, per-row cache/rate-limit/retry, incremental persistence
// and progress reporting.
type Executor struct {
	invoker ai.Invoker
	cache   *ResultCache
	limiter *RateLimiter
	prices  *PriceTable
	logger  *zap.Logger

	maxRetries  int
	backoffBase time.Duration
	wait        func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

// NewExecutor creates an Executor. Cache, limiter, price table and logger may
// be nil, in which case defaults are constructed.
func NewExecutor(invoker ai.Invoker, cache *ResultCache, limiter *RateLimiter, prices *PriceTable, logger *zap.Logger) *Executor {
	if cache == nil {
		cache = NewResultCache(0, 0)
	}
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	if prices == nil {
		prices = DefaultPriceTable()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		invoker:     invoker,
		cache:       cache,
		limiter:     limiter,
		prices:      prices,
		logger:      logger,
		maxRetries:  defaultMaxRetries,
		backoffBase: time.Second,
		wait:        utils.WaitFor,
		now:         time.Now,
	}
}

// Cache exposes the executor's result cache.
func (e *Executor) Cache() *ResultCache { return e.cache }

// Run computes the column for every row. Cancellation is cooperative and
// checked at batch boundaries only: rows already dispatched complete on a
// detached context, so a batch's persistence always covers every row in it.
func (e *Executor) Run(ctx context.Context, column *ColumnConfig, rows []*Row, columns []ColumnConfig, opts RunOptions) (*Summary, error) {
	if e.invoker == nil {
		return nil, errors.New("inference invoker is required")
	}
	if column == nil {
		return nil, errors.New("column config is required")
	}
	if column.Prompt == "" {
		return nil, errors.New("column prompt must not be empty")
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	pause := opts.BatchPause
	if pause <= 0 {
		pause = defaultBatchPause
	}

	summary := &Summary{Success: true, TotalRows: len(rows)}

	// In-flight rows must outlive a cancellation of the run context.
	rowCtx := context.WithoutCancel(ctx)

	for start := 0; start < len(rows); start += batchSize {
		if ctx.Err() != nil {
			e.logger.Info("run cancelled, stopping before next batch",
				zap.String("column_id", column.ID),
				zap.Int("processed", len(summary.Results)),
			)
			break
		}

		end := min(start+batchSize, len(rows))
		batch := rows[start:end]

		batchResults := e.runBatch(rowCtx, column, batch, columns)
		summary.Results = append(summary.Results, batchResults...)

		for _, r := range batchResults {
			summary.TokensUsed += r.TokensUsed
			if r.Success {
				summary.SuccessCount++
			} else {
				summary.ErrorCount++
			}
		}

		if opts.Persist != nil {
			if err := e.persistBatch(rowCtx, opts.Persist, column.ID, batchResults); err != nil {
				// Computed values stay in the cache, so a future run
				// of the same prompt and rows can flush them again.
				e.logger.Error("persisting batch results",
					zap.String("column_id", column.ID),
					zap.Error(err),
				)
				summary.Success = false
			}
		}

		if opts.OnProgress != nil {
			completed := len(summary.Results)
			opts.OnProgress(Progress{
				Completed:     completed,
				Total:         len(rows),
				Percentage:    percentage(completed, len(rows)),
				LatestResults: batchResults,
				TokensUsed:    summary.TokensUsed,
				EstimatedCost: e.prices.Estimate(summary.TokensUsed, column.Model),
			})
		}

		if len(batch) > 0 && end < len(rows) {
			if err := e.wait(ctx, pause); err != nil {
				continue // cancellation is observed at the top of the loop
			}
		}
	}

	summary.EstimatedCost = e.prices.Estimate(summary.TokensUsed, column.Model)
	return summary, nil
}

// runBatch resolves every row in the batch concurrently and returns one
// terminal result per row, in input order.
func (e *Executor) runBatch(ctx context.Context, column *ColumnConfig, batch []*Row, columns []ColumnConfig) []Result {
	results := make([]Result, len(batch))

	g := new(errgroup.Group)
	for i, row := range batch {
		g.Go(func() error {
			results[i] = e.ExecuteForRow(ctx, column, row, columns)
			return nil
		})
	}
	// Row failures are carried in results, never as group errors.
	_ = g.Wait()

	return results
}

// ExecuteForRow computes the column for a single row: cache check, prompt
// substitution, rate-limited inference and retries with exponential backoff.
func (e *Executor) ExecuteForRow(ctx context.Context, column *ColumnConfig, row *Row, columns []ColumnConfig) Result {
	if value, ok := e.cache.Get(column.Prompt, row); ok {
		return Result{RowID: row.ID, Success: true, Value: value, Cached: true}
	}

	prompt := Substitute(column.Prompt, row, columns)

	e.logger.Debug("inference request",
		zap.String("column_id", column.ID),
		zap.String("row_id", row.ID),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, maxLogLength)),
	)

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			backoff := e.backoffBase << (attempt - 1) // 1s, 2s, 4s
			e.logger.Warn("inference failed, retrying",
				zap.String("row_id", row.ID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			if err := e.wait(ctx, backoff); err != nil {
				return Result{RowID: row.ID, ErrorMessage: err.Error(), Retries: attempt - 1}
			}
		}

		if err := e.limiter.Acquire(ctx); err != nil {
			return Result{RowID: row.ID, ErrorMessage: err.Error(), Retries: attempt}
		}

		resp, err := e.invoker.Invoke(ctx, ai.Request{
			Prompt:          prompt,
			SystemPrompt:    column.SystemPrompt,
			Model:           column.Model,
			MaxOutputTokens: column.MaxOutputTokens,
			Temperature:     column.Temperature,
		})
		if err == nil {
			e.cache.Set(column.Prompt, row, resp.Text)
			return Result{
				RowID:      row.ID,
				Success:    true,
				Value:      resp.Text,
				TokensUsed: resp.TokensUsed,
				Retries:    attempt,
			}
		}

		lastErr = err
		if attempt >= e.maxRetries {
			return Result{RowID: row.ID, ErrorMessage: err.Error(), Retries: attempt}
		}
	}
}

// persistBatch flushes the batch to the adapter: successful rows as complete
// cells, failed rows as error cells carrying their message.
func (e *Executor) persistBatch(ctx context.Context, writer CellWriter, columnID string, results []Result) error {
	updates := make([]CellUpdate, 0, len(results))
	now := e.now()

	for _, r := range results {
		update := CellUpdate{RowID: r.RowID, UpdatedAt: now}
		if r.Success {
			update.Value = r.Value
			update.Status = StatusComplete
		} else {
			update.Status = StatusError
			update.ErrorMessage = r.ErrorMessage
		}
		updates = append(updates, update)
	}

	if len(updates) == 0 {
		return nil
	}

	return writer.UpsertCells(ctx, columnID, updates)
}

func percentage(completed, total int) int {
	if total == 0 {
		return 100
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}
