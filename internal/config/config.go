// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	GithubToken       string        `mapstructure:"GITHUB_TOKEN"`
	GithubAPIURL      string        `mapstructure:"GITHUB_API_URL"`
	RequestsPerSecond float64       `mapstructure:"REQUESTS_PER_SECOND"`
	MaxRetries        int           `mapstructure:"MAX_RETRIES"`
	DataDir           string        `mapstructure:"DATA_DIR"`
	SearchQueries     []string      `mapstructure:"SEARCH_QUERIES"`
	SearchTopics      []string      `mapstructure:"SEARCH_TOPICS"`
	Relations         []string      `mapstructure:"RELATIONS"`
	ExcludedEntities  []string      `mapstructure:"EXCLUDED_ENTITIES"`
	ErrorCoolDown     time.Duration `mapstructure:"ERROR_COOL_DOWN"`
	JoinThreshold     int           `mapstructure:"JOIN_THRESHOLD"`
	StarredThreshold  int           `mapstructure:"STARRED_THRESHOLD"`
	MaxArchives       int           `mapstructure:"MAX_ARCHIVES"`
	LoadExistingFiles bool          `mapstructure:"LOAD_EXISTING_FILES"`
	OverwriteTemp     bool          `mapstructure:"OVERWRITE_EXISTING_TEMP_FILES"`
	RetryErrors       bool          `mapstructure:"RETRY_ERRORS"`
	RunInterval       time.Duration `mapstructure:"RUN_INTERVAL"`
	DBURL             string        `mapstructure:"DB_URL"`
	APIAddr           string        `mapstructure:"API_ADDR"`
}

var defaults = map[string]any{
	"LOG_LEVEL":                     "info",
	"GITHUB_TOKEN":                  "",
	"GITHUB_API_URL":                "https://api.github.com/",
	"REQUESTS_PER_SECOND":           1.3, // 5000 requests per hour
	"MAX_RETRIES":                   3,
	"DATA_DIR":                      "data",
	"SEARCH_QUERIES":                "digital humanities",
	"SEARCH_TOPICS":                 "digital-humanities",
	"RELATIONS":                     "",
	"EXCLUDED_ENTITIES":             "",
	"ERROR_COOL_DOWN":               "168h",
	"JOIN_THRESHOLD":                1000,
	"STARRED_THRESHOLD":             2500,
	"MAX_ARCHIVES":                  2,
	"LOAD_EXISTING_FILES":           false,
	"OVERWRITE_EXISTING_TEMP_FILES": false,
	"RETRY_ERRORS":                  false,
	"RUN_INTERVAL":                  "0s",
	"DB_URL":                        "",
	"API_ADDR":                      "",
}

// LoadConfig reads configuration from a .env file in the given directories
// (the working directory when none are given) and from environment variables.
// Environment variables win.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()

	// Every key gets a default so AutomaticEnv can find it on Unmarshal.
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	_ = v.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.SearchQueries = cleanList(cfg.SearchQueries)
	cfg.SearchTopics = cleanList(cfg.SearchTopics)
	cfg.Relations = cleanList(cfg.Relations)
	cfg.ExcludedEntities = cleanList(cfg.ExcludedEntities)

	// Validate required fields
	if cfg.GithubToken == "" {
		return nil, errors.New("GITHUB_TOKEN is a required configuration field")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("DATA_DIR must not be empty")
	}
	if len(cfg.SearchQueries) == 0 && len(cfg.SearchTopics) == 0 {
		return nil, errors.New("SEARCH_QUERIES or SEARCH_TOPICS must contain at least one entry")
	}
	if cfg.JoinThreshold < 0 || cfg.StarredThreshold < 0 {
		return nil, errors.New("JOIN_THRESHOLD and STARRED_THRESHOLD must not be negative")
	}
	if cfg.MaxArchives < 0 {
		return nil, errors.New("MAX_ARCHIVES must not be negative (0 merges every archive)")
	}
	if cfg.RunInterval < 0 || cfg.ErrorCoolDown < 0 {
		return nil, errors.New("RUN_INTERVAL and ERROR_COOL_DOWN must not be negative")
	}

	return &cfg, nil
}

// cleanList trims comma separated entries and drops empty ones.
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
