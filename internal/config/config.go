// Package config handles contentdigest configuration loading: secrets
// and capability endpoints from environment variables (per spec's
// enumerated list), non-secret pipeline tuning from an optional YAML
// file with environment-variable expansion, following the teacher's
// layered approach.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/contentdigest/internal/email"
	"github.com/nugget/contentdigest/internal/paths"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config flag) is checked first. Then: ./config.yaml,
// ~/.config/contentdigest/config.yaml, /config/config.yaml,
// /etc/contentdigest/config.yaml.
func DefaultSearchPaths() []string {
	searchPaths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "contentdigest", "config.yaml"))
	}

	searchPaths = append(searchPaths, "/config/config.yaml") // Container convention
	searchPaths = append(searchPaths, "/etc/contentdigest/config.yaml")
	return searchPaths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists. A missing file is not fatal: pipeline tuning all has
// spec-mandated defaults, so an all-env-var deployment is valid.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all contentdigest configuration: secrets/endpoints read
// from the environment, and pipeline tuning optionally overridden by a
// YAML file, per spec.md §6's enumerated environment variables.
type Config struct {
	// Secrets and capability endpoints, set from environment variables.
	// These fields carry no yaml tags, so yaml.v3 also decodes a
	// top-level YAML key equal to the lowercased field name (e.g.
	// twitterbearertoken); an environment variable that is set wins.
	TwitterBearerToken string
	LLMAPIKey          string
	LLMProvider        string
	FromEmail          string
	DataBucket         string
	SubscribersTable   string
	ClassificationTable string
	QueueURL           string
	MQTTBrokerURL      string
	SQLiteDriver       string
	AdminDashboardAddress string
	BrowserServiceURL  string
	OCRServiceURL      string
	LLMModel           string
	OllamaURL          string
	HTTPAddress        string
	CORSOrigins        []string
	PublicBaseURL      string
	DataDir            string

	// paths resolves the "data:" prefix used by DataBucket, QueueURL,
	// and the composition root's local sqlite file locations against
	// DataDir, the same named-prefix idiom the teacher used for kb:/
	// scratchpad: workspace paths.
	paths *paths.Resolver

	// Pipeline tuning (YAML overridable, env var overrides YAML).
	ClassifierVersion         string        `yaml:"classifier_version"`
	MaxAccounts               int           `yaml:"max_accounts"`
	MaxTweetsPerAccount       int           `yaml:"max_tweets_per_account"`
	FetchLookbackDays         int           `yaml:"fetch_lookback_days"`
	VisualCaptureEnabled      bool          `yaml:"visual_capture_enabled"`
	MaxProcessingTimeSeconds  int           `yaml:"max_processing_time_seconds"`
	ProcessingMode            string        `yaml:"processing_mode"`
	AutoModeThreshold         int           `yaml:"auto_mode_threshold"`
	ClassifierWorkers         int           `yaml:"classifier_workers"`
	ClassifierBatchSize       int           `yaml:"classifier_batch_size"`
	ClassifierVisibilityTimeoutSeconds int `yaml:"classifier_visibility_timeout_seconds"`

	// Email carries SMTP/IMAP account configuration for internal/emailsender.
	// Account passwords are expected as ${ENV_VAR} references, expanded by
	// Load before parsing, so no secret is ever committed to the YAML file.
	Email email.Config `yaml:"email"`

	LogLevel string `yaml:"log_level"`
}

// FetchConfigured reports whether enough of the configuration is present to
// run the fetch stage.
func (c *Config) FetchConfigured() bool { return c.TwitterBearerToken != "" }

// LLMConfigured reports whether enough of the configuration is present to
// run the classify/summarize stages.
func (c *Config) LLMConfigured() bool { return c.LLMAPIKey != "" }

// DistributionConfigured reports whether the sending identity is ready for the
// distribution stage.
func (c *Config) DistributionConfigured() bool { return c.FromEmail != "" }

// VisualCaptureConfigured reports whether both remote capability
// endpoints the long path's capture stage needs are present.
func (c *Config) VisualCaptureConfigured() bool {
	return c.BrowserServiceURL != "" && c.OCRServiceURL != ""
}

// ResolvePath expands a "data:"-prefixed path against DataDir (tildes
// included), matching the teacher's kb:/scratchpad: workspace-path
// convention. Paths without the prefix are returned unchanged.
func (c *Config) ResolvePath(p string) string {
	resolved, _ := c.paths.Resolve(p)
	return resolved
}

// Load reads pipeline tuning from a YAML file (if found), then layers
// environment variables on top (env always wins), applies
// spec-mandated defaults and clamps, and validates the result. After
// Load returns successfully, every field is usable without additional
// nil/empty checks other than the stage-specific Configured predicates
// above.
func Load(explicitPath string) (*Config, error) {
	cfg := &Config{}

	path, err := FindConfig(explicitPath)
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	cfg.paths = paths.New(map[string]string{"data": cfg.DataDir})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays the enumerated environment variables on top of
// whatever the YAML file supplied, env winning on conflict.
func (c *Config) applyEnv() {
	c.TwitterBearerToken = envOr("TWITTER_BEARER_TOKEN", c.TwitterBearerToken)
	c.LLMAPIKey = envOr("LLM_API_KEY", c.LLMAPIKey)
	c.LLMProvider = envOr("LLM_PROVIDER", c.LLMProvider)
	c.FromEmail = envOr("FROM_EMAIL", c.FromEmail)
	c.DataBucket = envOr("DATA_BUCKET", c.DataBucket)
	c.DataDir = envOr("DATA_DIR", c.DataDir)
	c.SubscribersTable = envOr("SUBSCRIBERS_TABLE", c.SubscribersTable)
	c.ClassificationTable = envOr("CLASSIFICATION_TABLE", c.ClassificationTable)
	c.QueueURL = envOr("QUEUE_URL", c.QueueURL)
	c.MQTTBrokerURL = envOr("MQTT_BROKER_URL", c.MQTTBrokerURL)
	c.SQLiteDriver = envOr("SQLITE_DRIVER", c.SQLiteDriver)
	c.AdminDashboardAddress = envOr("ADMIN_DASHBOARD_ADDRESS", c.AdminDashboardAddress)
	c.BrowserServiceURL = envOr("BROWSER_SERVICE_URL", c.BrowserServiceURL)
	c.OCRServiceURL = envOr("OCR_SERVICE_URL", c.OCRServiceURL)
	c.LLMModel = envOr("LLM_MODEL", c.LLMModel)
	c.OllamaURL = envOr("OLLAMA_URL", c.OllamaURL)
	c.HTTPAddress = envOr("HTTP_ADDRESS", c.HTTPAddress)
	c.PublicBaseURL = envOr("PUBLIC_BASE_URL", c.PublicBaseURL)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = strings.Split(v, ",")
		for i := range c.CORSOrigins {
			c.CORSOrigins[i] = strings.TrimSpace(c.CORSOrigins[i])
		}
	}

	c.ClassifierVersion = envOr("CLASSIFIER_VERSION", c.ClassifierVersion)
	c.MaxAccounts = envOrInt("MAX_ACCOUNTS", c.MaxAccounts)
	c.MaxTweetsPerAccount = envOrInt("MAX_TWEETS_PER_ACCOUNT", c.MaxTweetsPerAccount)
	c.FetchLookbackDays = envOrInt("FETCH_LOOKBACK_DAYS", c.FetchLookbackDays)
	c.VisualCaptureEnabled = envOrBool("VISUAL_CAPTURE_ENABLED", c.VisualCaptureEnabled)
	c.MaxProcessingTimeSeconds = envOrInt("MAX_PROCESSING_TIME_SECONDS", c.MaxProcessingTimeSeconds)
	c.ProcessingMode = envOr("PROCESSING_MODE", c.ProcessingMode)
	c.ClassifierWorkers = envOrInt("CLASSIFIER_WORKERS", c.ClassifierWorkers)
	c.ClassifierBatchSize = envOrInt("CLASSIFIER_BATCH_SIZE", c.ClassifierBatchSize)
	c.ClassifierVisibilityTimeoutSeconds = envOrInt("CLASSIFIER_VISIBILITY_TIMEOUT", c.ClassifierVisibilityTimeoutSeconds)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// applyDefaults fills in zero-value fields with the defaults and
// floors spec.md §6/§4.6 mandates. Called automatically by Load.
func (c *Config) applyDefaults() {
	if c.ClassifierVersion == "" {
		c.ClassifierVersion = "v1-seq-llm"
	}
	if c.MaxAccounts == 0 {
		c.MaxAccounts = 25
	}
	if c.MaxTweetsPerAccount == 0 {
		c.MaxTweetsPerAccount = 10
	}
	if c.MaxTweetsPerAccount < 5 {
		c.MaxTweetsPerAccount = 5
	}
	if c.FetchLookbackDays == 0 {
		c.FetchLookbackDays = 7
	}
	if c.MaxProcessingTimeSeconds == 0 {
		c.MaxProcessingTimeSeconds = 900 // 15 minutes, the short-path bound from spec.md §4.12
	}
	if c.ProcessingMode == "" {
		c.ProcessingMode = "auto"
	}
	if c.AutoModeThreshold == 0 {
		c.AutoModeThreshold = 50
	}
	if c.ClassifierWorkers == 0 {
		c.ClassifierWorkers = 10
	}
	if c.ClassifierBatchSize == 0 {
		c.ClassifierBatchSize = 32
	}
	if c.ClassifierVisibilityTimeoutSeconds == 0 {
		c.ClassifierVisibilityTimeoutSeconds = 300
	}
	if c.SQLiteDriver == "" {
		c.SQLiteDriver = "modernc"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.DataBucket == "" {
		c.DataBucket = "data:objects"
	}
	if c.QueueURL == "" {
		c.QueueURL = "data:queue.db"
	}
	if c.LLMModel == "" {
		c.LLMModel = "claude-sonnet-4-5"
	}
	if c.OllamaURL == "" {
		c.OllamaURL = "http://localhost:11434"
	}
	if c.HTTPAddress == "" {
		c.HTTPAddress = ":8080"
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	c.Email.ApplyDefaults()
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	switch strings.ToLower(c.ProcessingMode) {
	case "short", "long", "auto":
	default:
		return fmt.Errorf("processing_mode %q must be one of short|long|auto", c.ProcessingMode)
	}
	if c.FetchLookbackDays < 1 || c.FetchLookbackDays > 14 {
		return fmt.Errorf("fetch_lookback_days %d out of range (1-14)", c.FetchLookbackDays)
	}
	if c.MaxTweetsPerAccount < 5 {
		return fmt.Errorf("max_tweets_per_account %d below floor of 5", c.MaxTweetsPerAccount)
	}
	if c.SQLiteDriver != "modernc" && c.SQLiteDriver != "mattn" {
		return fmt.Errorf("sqlite_driver %q must be modernc or mattn", c.SQLiteDriver)
	}
	if c.VisualCaptureEnabled && !c.VisualCaptureConfigured() {
		return fmt.Errorf("visual_capture_enabled requires BROWSER_SERVICE_URL and OCR_SERVICE_URL")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Email.Configured() {
		if err := c.Email.Validate(); err != nil {
			return err
		}
	}
	return nil
}
