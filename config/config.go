package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"sigor/logging"
	"sigor/ml"
	"sigor/monitoring"
)

// EnvPrefix namespaces environment overrides, e.g. SIGOR_HTTP_PORT.
const EnvPrefix = "SIGOR"

type Config struct {
	HTTP      HTTPConfig      `yaml:"http" split_words:"true"`
	ML        MLConfig        `yaml:"ml" split_words:"true"`
	Database  DatabaseConfig  `yaml:"database" split_words:"true"`
	Log       LogConfig       `yaml:"log" split_words:"true"`
	Dashboard DashboardConfig `yaml:"dashboard" split_words:"true"`
	Alerts    AlertsConfig    `yaml:"alerts" split_words:"true"`
}

type HTTPConfig struct {
	Port           int           `yaml:"port" split_words:"true"`
	ReadTimeout    time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout   time.Duration `yaml:"write_timeout" split_words:"true"`
	AllowedOrigins []string      `yaml:"allowed_origins" split_words:"true"`
	RateLimit      float64       `yaml:"rate_limit" split_words:"true"`
	RateBurst      int           `yaml:"rate_burst" split_words:"true"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" split_words:"true"`
}

type MLConfig struct {
	ArtifactDir    string        `yaml:"artifact_dir" split_words:"true"`
	ModelPrefix    string        `yaml:"model_prefix" split_words:"true"`
	Extension      string        `yaml:"extension" split_words:"true"`
	ScalerFile     string        `yaml:"scaler_file" split_words:"true"`
	EncoderFile    string        `yaml:"encoder_file" split_words:"true"`
	Selection      string        `yaml:"selection" split_words:"true"`
	MissingPolicy  string        `yaml:"missing_policy" split_words:"true"`
	CacheSize      int           `yaml:"cache_size" split_words:"true"`
	Watch          bool          `yaml:"watch" split_words:"true"`
	ReloadDebounce time.Duration `yaml:"reload_debounce" split_words:"true"`
}

type DatabaseConfig struct {
	// Path of the SQLite file; empty disables the prediction store.
	Path string `yaml:"path" split_words:"true"`
}

type LogConfig struct {
	Level      string `yaml:"level" split_words:"true"`
	Format     string `yaml:"format" split_words:"true"`
	File       string `yaml:"file" split_words:"true"`
	MaxSizeMB  int    `yaml:"max_size_mb" split_words:"true"`
	MaxBackups int    `yaml:"max_backups" split_words:"true"`
	MaxAgeDays int    `yaml:"max_age_days" split_words:"true"`
}

type DashboardConfig struct {
	Language string `yaml:"language" split_words:"true"`
	// Seed for the simulated series; 0 picks one per process.
	Seed int64 `yaml:"seed" split_words:"true"`
}

// AlertsConfig configures the optional webhook that receives model load
// alerts. An empty WebhookURL keeps alerts in memory only.
type AlertsConfig struct {
	WebhookURL string        `yaml:"webhook_url" split_words:"true"`
	MinLevel   string        `yaml:"min_level" split_words:"true"`
	MaxPerHour int           `yaml:"max_per_hour" split_words:"true"`
	Cooldown   time.Duration `yaml:"cooldown" split_words:"true"`
}

// Default returns the configuration used when no file sets a value.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:           8501,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   30 * time.Second,
			AllowedOrigins: []string{"*"},
			RateLimit:      50,
			RateBurst:      100,
			MaxBodyBytes:   10 << 20,
		},
		ML: MLConfig{
			ArtifactDir:    ".",
			ModelPrefix:    ml.DefaultModelPrefix,
			Extension:      ml.DefaultExtension,
			ScalerFile:     ml.DefaultScalerFile,
			EncoderFile:    ml.DefaultEncoderFile,
			Selection:      string(ml.SelectLexical),
			MissingPolicy:  string(ml.MissingZeroFill),
			CacheSize:      1024,
			Watch:          true,
			ReloadDebounce: ml.DefaultReloadDebounce,
		},
		Database: DatabaseConfig{Path: "sigor.db"},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Dashboard: DashboardConfig{Language: "fr"},
		Alerts: AlertsConfig{
			MinLevel:   "error",
			MaxPerHour: 10,
			Cooldown:   5 * time.Minute,
		},
	}
}

// Load reads path over the defaults, then applies SIGOR_* environment
// overrides. A .env file in the working directory is loaded first if
// present. An empty path skips the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		errs = append(errs, errors.New("http rate limit must not be negative"))
	}
	if c.ML.ArtifactDir == "" {
		errs = append(errs, errors.New("ml.artifact_dir is required"))
	}
	if _, err := ml.ParseSelectionPolicy(c.ML.Selection); err != nil {
		errs = append(errs, err)
	}
	if _, err := ml.ParseMissingPolicy(c.ML.MissingPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.ML.CacheSize < 0 {
		errs = append(errs, errors.New("ml.cache_size must not be negative"))
	}
	if _, err := monitoring.ParseAlertLevel(c.Alerts.MinLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LoaderConfig translates the ml section for ml.NewArtifactLoader.
func (c MLConfig) LoaderConfig() ml.LoaderConfig {
	selection, _ := ml.ParseSelectionPolicy(c.Selection)
	return ml.LoaderConfig{
		Dir:         c.ArtifactDir,
		ModelPrefix: c.ModelPrefix,
		Extension:   c.Extension,
		ScalerFile:  c.ScalerFile,
		EncoderFile: c.EncoderFile,
		Selection:   selection,
	}
}

func (c MLConfig) PredictorOptions() []ml.PredictorOption {
	policy, _ := ml.ParseMissingPolicy(c.MissingPolicy)
	return []ml.PredictorOption{ml.WithMissingPolicy(policy)}
}

func (c LogConfig) Options() logging.Options {
	return logging.Options{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
	}
}

// Channel returns the webhook channel, or nil when no URL is set.
func (c AlertsConfig) Channel() *monitoring.AlertChannel {
	if c.WebhookURL == "" {
		return nil
	}
	level, _ := monitoring.ParseAlertLevel(c.MinLevel)
	return &monitoring.AlertChannel{
		Name:       "webhook",
		URL:        c.WebhookURL,
		MinLevel:   level,
		MaxPerHour: c.MaxPerHour,
		Cooldown:   c.Cooldown,
	}
}
