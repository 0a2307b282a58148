package cmd

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"time"

	"github.com/selwynpear/growthgrid/internal/enrich"
	"github.com/selwynpear/growthgrid/internal/logger"
	"github.com/selwynpear/growthgrid/internal/scoring"
	"github.com/selwynpear/growthgrid/internal/store"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// FitScoreColumnID is the reserved column holding computed fit scores.
const FitScoreColumnID = "fit_score"

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Compute fit scores for every worksheet row against the targeting profile",
	Run: func(cmd *cobra.Command, _ []string) {
		score(cmd)
	},
}

func init() {
	rootCmd.AddCommand(scoreCmd)

	scoreCmd.Flags().Bool("no-persist", false, "do not write scores to the worksheet store")
}

func score(cmd *cobra.Command) {
	ctx := context.Background()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	if config == nil {
		logger.Fatal("config is required")
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

	profile, analyzer := scoringInputs(config.Targeting)
	scorer := scoring.NewScorer(analyzer)

	logger.Info("scoring worksheet",
		zap.Int("rows", len(rows)),
		zap.Strings("target_industries", profile.Industries),
		zap.Strings("target_company_sizes", profile.CompanySizes),
	)

	counts := map[string]int{}
	total := 0
	updates := make([]enrich.CellUpdate, 0, len(rows))

	for _, row := range rows {
		result := scorer.Score(row, profile, aiDerivedText(row, config.Columns))

		counts[result.Level]++
		total += result.Total

		value, err := json.Marshal(result)
		if err != nil {
			logger.Fatal("encoding score", zap.String("row_id", row.ID), zap.Error(err))
		}

		updates = append(updates, enrich.CellUpdate{
			RowID:     row.ID,
			Value:     string(value),
			Status:    enrich.StatusComplete,
			UpdatedAt: time.Now(),
		})

		logger.Debug("scored row",
			zap.String("row_id", row.ID),
			zap.Int("total", result.Total),
			zap.String("level", result.Level),
		)
	}

	if cmd.Flag("no-persist").Value.String() == "false" {
		if err := worksheet.UpsertCells(ctx, FitScoreColumnID, updates); err != nil {
			logger.Fatal("persisting fit scores", zap.Error(err))
		}
	}

	logger.Info("scoring finished",
		zap.Int("total", len(rows)),
		zap.Int("hot", counts[scoring.LevelHot]),
		zap.Int("warm", counts[scoring.LevelWarm]),
		zap.Int("cold", counts[scoring.LevelCold]),
		zap.Int("avg_score", int(math.Round(float64(total)/float64(len(rows))))),
	)
}

// scoringInputs converts the config targeting block into a profile and an
// optional custom phrase analyzer.
func scoringInputs(cfg *TargetingConfig) (*scoring.Profile, scoring.Analyzer) {
	if cfg == nil {
		return &scoring.Profile{}, nil
	}

	profile := &scoring.Profile{
		Industries:   cfg.Industries,
		CompanySizes: cfg.CompanySizes,
	}

	if cfg.Sentiment == nil {
		return profile, nil
	}

	return profile, scoring.NewPhraseAnalyzer(cfg.Sentiment.Positives, cfg.Sentiment.Negatives)
}

// aiDerivedText gathers completed cell values for the configured AI columns,
// keyed by column id. The fit score column itself is never an input.
func aiDerivedText(row *enrich.Row, columns []enrich.ColumnConfig) map[string]string {
	texts := make(map[string]string)
	for _, column := range columns {
		if column.ID == FitScoreColumnID {
			continue
		}
		cell, ok := row.Cells[column.ID]
		if !ok || cell.Status != enrich.StatusComplete || cell.Value == "" {
			continue
		}
		texts[column.ID] = cell.Value
	}
	return texts
}
