package cmd

import (
	"log"
	"time"

	"github.com/selwynpear/growthgrid/internal/enrich"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	app = "growthgrid"
)

type Config struct {
	DataDir   string                `mapstructure:"data-dir"`
	Columns   []enrich.ColumnConfig `mapstructure:"columns"`
	Pricing   map[string]float64    `mapstructure:"pricing"`
	Targeting *TargetingConfig      `mapstructure:"targeting"`
	Executor  *ExecutorConfig       `mapstructure:"executor"`
	AI        *AIConfig             `mapstructure:"ai"`
}

type TargetingConfig struct {
	Industries   []string         `mapstructure:"industries"`
	CompanySizes []string         `mapstructure:"company-sizes"`
	Sentiment    *SentimentConfig `mapstructure:"sentiment"`
}

type SentimentConfig struct {
	Positives []string `mapstructure:"positives"`
	Negatives []string `mapstructure:"negatives"`
}

type ExecutorConfig struct {
	BatchSize  int              `mapstructure:"batch-size"`
	BatchPause time.Duration    `mapstructure:"batch-pause"`
	CacheSize  int              `mapstructure:"cache-size"`
	CacheTTL   time.Duration    `mapstructure:"cache-ttl"`
	RateLimit  *RateLimitConfig `mapstructure:"rate-limit"`
}

type RateLimitConfig struct {
	MaxRequests int           `mapstructure:"max-requests"`
	Window      time.Duration `mapstructure:"window"`
}

type AIConfig struct {
	Provider string        `mapstructure:"provider"`
	Gemini   *GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKeyFile string `mapstructure:"api-key-file"`
	Model      string `mapstructure:"model"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "growthgrid is a cli for enriching prospect worksheets with AI-computed columns and fit scores",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	if err := viper.BindEnv("ai.gemini.api-key-file", "GEMINI_API_KEY_FILE"); err != nil {
		log.Fatalf("binding GEMINI_API_KEY_FILE environment variable: %v", err)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is growthgrid.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	// Config is needed only for the worksheet commands. If there is no
	// config, we can skip initialization.
	if runCmd.CalledAs() == "" && scoreCmd.CalledAs() == "" && importCmd.CalledAs() == "" {
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app + ".yaml")
	}

	// We can't proceed if the config file parsed with error.
	if err := viper.ReadInConfig(); err != nil {
		log.Fatal(err)
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	return config, nil
}

// dataDir returns the configured worksheet location, defaulting to ./data.
func (c *Config) dataDir() string {
	if c == nil || c.DataDir == "" {
		return "data"
	}
	return c.DataDir
}

// findColumn looks a column up by id, key or name.
func (c *Config) findColumn(name string) *enrich.ColumnConfig {
	for i := range c.Columns {
		col := &c.Columns[i]
		if col.ID == name || col.Key == name || col.Name == name {
			return col
		}
	}
	return nil
}
