package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/selwynpear/growthgrid/internal/ai"
	"github.com/selwynpear/growthgrid/internal/ai/gemini"
	"github.com/selwynpear/growthgrid/internal/enrich"
	"github.com/selwynpear/growthgrid/internal/logger"
	"github.com/selwynpear/growthgrid/internal/secrets"
	"github.com/selwynpear/growthgrid/internal/store"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	PromptYes            = "Yes"
	PromptNo             = "No"
	PromptPreviewPrompts = "Preview substituted prompts"

	promptPreviewRows = 3
)

var errExit = errors.New("exit requested")

var prompt = promptui.Select{
	Label: "Proceed?",
	Items: []string{PromptYes, PromptNo, PromptPreviewPrompts},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one enrichment column over every worksheet row",
	Run: func(cmd *cobra.Command, _ []string) {
		run(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("column", "c", "", "column to compute, by id, key or name")
	runCmd.Flags().BoolP("auto-aprove", "y", false, "do not ask for confirmation before spending tokens")
	runCmd.Flags().Bool("dry-run", false, "substitute prompts and exit without calling the inference provider")
	runCmd.Flags().Bool("no-persist", false, "do not write results to the worksheet store")
	runCmd.Flags().Bool("dump-summary", false, "write the run summary to a temporary json file")

	viper.BindPFlag("no-persist", runCmd.Flags().Lookup("no-persist"))
}

// run is the main command for the cli.
func run(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting growthgrid", zap.String("version", version))

	if config == nil {
		logger.Fatal("config is required")
	}

	if len(config.Columns) == 0 {
		logger.Fatal("at least one column is required under columns to enrich the worksheet")
	}

	columnName := cmd.Flag("column").Value.String()
	if columnName == "" {
		logger.Fatal("column is required", zap.String("hint", "pass --column with a column id, key or name from the config"))
	}

	column := config.findColumn(columnName)
	if column == nil {
		logger.Fatal("column not found in config",
			zap.String("column", columnName),
			zap.Strings("known columns", columnNames(config.Columns)),
		)
	}

	worksheet, err := store.Open(config.dataDir())
	if err != nil {
		logger.Fatal("opening worksheet store", zap.Error(err))
	}
	defer worksheet.Close()

	rows, err := worksheet.ListRows()
	if err != nil {
		logger.Fatal("loading worksheet rows", zap.Error(err))
	}

	if len(rows) == 0 {
		logger.Info("exiting", zap.String("reason", "worksheet is empty, import rows first"))
		return
	}

	logger.Info("loaded worksheet",
		zap.Int("rows", len(rows)),
		zap.String("column_id", column.ID),
		zap.String("model", column.Model),
	)

	if cmd.Flag("dry-run").Value.String() == "true" {
		previewPrompts(logger, column, rows, config.Columns)
		return
	}

	if cmd.Flag("auto-aprove").Value.String() == "false" {
		if err := confirm(logger, column, rows, config.Columns); err != nil {
			if errors.Is(err, errExit) {
				logger.Info("exiting", zap.String("reason", "got no from prompt"))
				return
			}
			logger.Fatal("exiting", zap.Error(err))
		}
	}

	invoker, err := newInvoker(ctx, config.AI)
	if err != nil {
		logger.Fatal("building inference provider", zap.Error(err))
	}

	summary, err := enrichColumn(ctx, config, column, rows, invoker, worksheet, logger)
	if err != nil {
		logger.Fatal("running enrichment", zap.Error(err))
	}

	reportSummary(logger, column, summary)

	if cmd.Flag("dump-summary").Value.String() == "true" {
		filename, err := dumpSummary(summary)
		if err != nil {
			logger.Error("dumping summary to file", zap.Error(err))
			return
		}
		logger.Info("dumped summary to file", zap.String("filename", filename))
	}
}

func enrichColumn(ctx context.Context, config *Config, column *enrich.ColumnConfig, rows []*enrich.Row, invoker ai.Invoker, worksheet *store.Store, baseLogger *zap.Logger) (*enrich.Summary, error) {
	provider := "gemini"
	if config.AI != nil && config.AI.Provider != "" {
		provider = config.AI.Provider
	}
	runLogger := logger.WithCommonFields(baseLogger, provider, column.Model)

	execCfg := config.Executor
	if execCfg == nil {
		execCfg = &ExecutorConfig{}
	}

	var limiter *enrich.RateLimiter
	if rl := execCfg.RateLimit; rl != nil {
		limiter = enrich.NewRateLimiter(rl.MaxRequests, rl.Window)
	}

	cache := enrich.NewResultCache(execCfg.CacheSize, execCfg.CacheTTL)
	prices := enrich.NewPriceTable(config.Pricing, 0)

	executor := enrich.NewExecutor(invoker, cache, limiter, prices, runLogger)

	opts := enrich.RunOptions{
		BatchSize:  execCfg.BatchSize,
		BatchPause: execCfg.BatchPause,
		OnProgress: func(p enrich.Progress) {
			runLogger.Info("batch completed",
				zap.Int("completed", p.Completed),
				zap.Int("total", p.Total),
				zap.Int("percentage", p.Percentage),
				zap.Int("tokens_used", p.TokensUsed),
				zap.Float64("estimated_cost", p.EstimatedCost),
			)
		},
	}

	if !viper.GetBool("no-persist") {
		rowIDs := make([]string, 0, len(rows))
		for _, row := range rows {
			rowIDs = append(rowIDs, row.ID)
		}
		if err := worksheet.MarkCells(ctx, column.ID, rowIDs, enrich.StatusRunning); err != nil {
			return nil, fmt.Errorf("marking cells running: %w", err)
		}
		opts.Persist = worksheet
	}

	return executor.Run(ctx, column, rows, config.Columns, opts)
}

func reportSummary(logger *zap.Logger, column *enrich.ColumnConfig, summary *enrich.Summary) {
	fields := []zap.Field{
		zap.String("column_id", column.ID),
		zap.Int("total_rows", summary.TotalRows),
		zap.Int("processed", len(summary.Results)),
		zap.Int("succeeded", summary.SuccessCount),
		zap.Int("failed", summary.ErrorCount),
		zap.Int("tokens_used", summary.TokensUsed),
		zap.Float64("estimated_cost", summary.EstimatedCost),
	}

	if !summary.Success {
		logger.Error("run finished with persistence failures", fields...)
	} else {
		logger.Info("run finished", fields...)
	}

	for _, r := range summary.Results {
		if !r.Success {
			logger.Warn("row failed",
				zap.String("row_id", r.RowID),
				zap.Int("retries", r.Retries),
				zap.String("error", r.ErrorMessage),
			)
		}
	}
}

func confirm(logger *zap.Logger, column *enrich.ColumnConfig, rows []*enrich.Row, columns []enrich.ColumnConfig) error {
	for {
		_, action, err := prompt.Run()
		if err != nil {
			return err
		}

		switch action {
		case PromptYes:
			return nil
		case PromptNo:
			return errExit
		case PromptPreviewPrompts:
			previewPrompts(logger, column, rows, columns)
		default:
			return fmt.Errorf("invalid action: %s", action)
		}
	}
}

// previewPrompts logs the substituted prompt for the first few rows.
func previewPrompts(logger *zap.Logger, column *enrich.ColumnConfig, rows []*enrich.Row, columns []enrich.ColumnConfig) {
	count := min(promptPreviewRows, len(rows))
	for _, row := range rows[:count] {
		prompt := enrich.Substitute(column.Prompt, row, columns)
		logger.Info("substituted prompt",
			zap.String("row_id", row.ID),
			zap.String("prompt", prompt),
		)
	}

	logger.Info("previewed prompts",
		zap.Int("shown", count),
		zap.Strings("referenced variables", enrich.Placeholders(column.Prompt)),
	)
}

func newInvoker(ctx context.Context, cfg *AIConfig) (ai.Invoker, error) {
	if cfg == nil {
		return nil, errors.New("ai configuration is required")
	}

	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	if provider != "" && provider != "gemini" {
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}

	if cfg.Gemini == nil {
		return nil, errors.New("gemini configuration is required")
	}

	apiKey, err := secrets.Load(secrets.Source{
		Name: "gemini api key",
		File: cfg.Gemini.APIKeyFile,
		Env:  "GEMINI_API_KEY",
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set ai.gemini.api-key-file or GEMINI_API_KEY_FILE)", err)
	}

	return gemini.New(ctx, apiKey, cfg.Gemini.Model)
}

func columnNames(columns []enrich.ColumnConfig) []string {
	names := make([]string, 0, len(columns))
	for _, c := range columns {
		names = append(names, c.ID)
	}
	return names
}

// dumpSummary writes the run summary to a temporary JSON file for later
// inspection.
func dumpSummary(summary *enrich.Summary) (string, error) {
	f, err := os.CreateTemp("", app+"-summary-*.json")
	if err != nil {
		return "", err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return "", err
	}

	return f.Name(), nil
}
