package cmd

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/selwynpear/growthgrid/internal/enrich"
	"github.com/selwynpear/growthgrid/internal/logger"
	"github.com/selwynpear/growthgrid/internal/store"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import worksheet rows from a csv file",
	Run: func(cmd *cobra.Command, _ []string) {
		runImport(cmd)
	},
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringP("file", "f", "", "csv file with a header row of field names")
	importCmd.MarkFlagRequired("file")
}

func runImport(cmd *cobra.Command) {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	filename := cmd.Flag("file").Value.String()

	rows, err := readCSV(filename)
	if err != nil {
		logger.Fatal("reading csv", zap.String("filename", filename), zap.Error(err))
	}

	if len(rows) == 0 {
		logger.Info("exiting", zap.String("reason", "no data rows in csv"))
		return
	}

	worksheet, err := store.Open(config.dataDir())
	if err != nil {
		logger.Fatal("opening worksheet store", zap.Error(err))
	}
	defer worksheet.Close()

	if err := worksheet.InsertRows(rows); err != nil {
		logger.Fatal("inserting rows", zap.Error(err))
	}

	count, err := worksheet.CountRows()
	if err != nil {
		logger.Fatal("counting rows", zap.Error(err))
	}

	logger.Info("imported rows",
		zap.String("filename", filename),
		zap.Int("imported", len(rows)),
		zap.Int("worksheet_total", count),
	)
}

// readCSV parses the file into worksheet rows. The header row supplies the
// structured field names; headers are normalized to snake_case.
func readCSV(filename string) ([]*enrich.Row, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("csv file %q is empty", filename)
	}

	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		headers[i] = normalizeHeader(h)
	}

	rows := make([]*enrich.Row, 0, len(records)-1)
	for _, record := range records[1:] {
		fields := make(map[string]string, len(headers))
		for i, value := range record {
			if i >= len(headers) || headers[i] == "" {
				continue
			}
			fields[headers[i]] = strings.TrimSpace(value)
		}
		rows = append(rows, &enrich.Row{
			ID:     uuid.NewString(),
			Fields: fields,
		})
	}

	return rows, nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.ReplaceAll(h, " ", "_")
}
