package enrich

import "time"

// Cell statuses as persisted in the worksheet store.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusError    = "error"
)

// ColumnConfig describes a user-defined enrichment column. It is immutable
// for the duration of a single run.
type ColumnConfig struct {
	ID              string  `mapstructure:"id"`
	Name            string  `mapstructure:"name"`
	Key             string  `mapstructure:"key"`
	Prompt          string  `mapstructure:"prompt"`
	SystemPrompt    string  `mapstructure:"system-prompt"`
	Model           string  `mapstructure:"model"`
	MaxOutputTokens int     `mapstructure:"max-tokens"`
	Temperature     float64 `mapstructure:"temperature"`
}

// Cell is the materialized value of one column for one row.
type Cell struct {
	Value        string
	Status       string
	ErrorMessage string
	UpdatedAt    time.Time
}

// Row is a single worksheet entry: canonical structured fields plus any
// previously computed cells addressable by column id.
type Row struct {
	ID     string
	Fields map[string]string
	Cells  map[string]Cell
}

// CellValue returns the computed value for the given column id, or an empty
// string when the cell does not exist yet.
func (r *Row) CellValue(columnID string) string {
	if r == nil || r.Cells == nil {
		return ""
	}
	return r.Cells[columnID].Value
}

// rowSnapshot is the serialized view of everything prompt substitution can
// read from a row: structured fields plus computed cell values. Recomputing
// an upstream cell therefore changes the snapshot.
type rowSnapshot struct {
	Fields map[string]string `json:"fields"`
	Cells  map[string]string `json:"cells,omitempty"`
}

func (r *Row) snapshot() rowSnapshot {
	if r == nil {
		return rowSnapshot{}
	}

	snap := rowSnapshot{Fields: r.Fields}
	if len(r.Cells) == 0 {
		return snap
	}

	cells := make(map[string]string, len(r.Cells))
	for id, cell := range r.Cells {
		if cell.Value != "" {
			cells[id] = cell.Value
		}
	}
	if len(cells) > 0 {
		snap.Cells = cells
	}
	return snap
}

// Result is the terminal outcome of computing one column for one row.
type Result struct {
	RowID        string
	Success      bool
	Value        string
	ErrorMessage string
	Cached       bool
	TokensUsed   int
	Retries      int
}

// Summary aggregates a whole run. Success is false only on executor-level
// faults; individual row failures are reflected in ErrorCount.
type Summary struct {
	Success       bool
	Results       []Result
	TotalRows     int
	SuccessCount  int
	ErrorCount    int
	TokensUsed    int
	EstimatedCost float64
}

// Progress is emitted once per completed batch.
type Progress struct {
	Completed     int
	Total         int
	Percentage    int
	LatestResults []Result
	TokensUsed    int
	EstimatedCost float64
}
