// Package config loads the service settings and per-owner job definitions.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/blacktop/cawatch/internal/notify"
	"github.com/blacktop/cawatch/internal/ratelimit"
	"github.com/blacktop/cawatch/internal/source"
	"github.com/blacktop/cawatch/internal/source/bluesky"
	"github.com/blacktop/cawatch/internal/source/mastodon"
	"github.com/blacktop/cawatch/internal/source/twitter"
	"github.com/blacktop/cawatch/internal/store"
	"github.com/blacktop/cawatch/internal/watch"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envConfigPath = "CAWATCH_CONFIG"
	envDataDir    = "CAWATCH_DATA_DIR"
	envDriver     = "CAWATCH_STORAGE_DRIVER"
	envMongoURI   = "CAWATCH_MONGO_URI"
	envRedisAddr  = "CAWATCH_REDIS_ADDR"
	envRedisPass  = "CAWATCH_REDIS_PASSWORD"
	envAPIAddr    = "CAWATCH_API_ADDR"
	envAPIToken   = "CAWATCH_API_TOKEN"

	DefaultPath     = "cawatch.yaml"
	defaultAPIAddr  = "127.0.0.1:8080"
	defaultMongoDB  = "cawatch"
	defaultDriver   = "sqlite"
	defaultStaleMax = 2 * time.Minute
	defaultJitter   = 300 * time.Millisecond
)

// Duration accepts "90s"/"1m30s" or a bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the whole settings file.
type Config struct {
	Storage     StorageConfig        `yaml:"storage"`
	Quota       QuotaConfig          `yaml:"quota"`
	Staleness   Duration             `yaml:"staleness"`
	Jitter      Duration             `yaml:"jitter"`
	StopTimeout Duration             `yaml:"stop_timeout"`
	Providers   ProvidersConfig      `yaml:"providers"`
	Notify      NotifyConfig         `yaml:"notify"`
	OCR         OCRConfig            `yaml:"ocr"`
	API         APIConfig            `yaml:"api"`
	Jobs        map[string]JobConfig `yaml:"jobs"`
}

type StorageConfig struct {
	Driver        string `yaml:"driver"`
	DataDir       string `yaml:"data_dir"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDB       string `yaml:"mongo_db"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// QuotaConfig describes the provider's read limit per worker.
type QuotaConfig struct {
	Requests     int      `yaml:"requests"`
	Window       Duration `yaml:"window"`
	SafetyMargin float64  `yaml:"safety_margin"`
}

type ProvidersConfig struct {
	Twitter struct {
		APIKey    string `yaml:"api_key"`
		APISecret string `yaml:"api_secret"`
	} `yaml:"twitter"`
	Mastodon struct {
		Server       string `yaml:"server"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
	} `yaml:"mastodon"`
	Bluesky struct {
		PDSURL string `yaml:"pds_url"`
	} `yaml:"bluesky"`
}

// NotifyConfig selects the alert sinks. Sinks is any of "telegram",
// "mastodon" and "log"; an empty list logs only.
type NotifyConfig struct {
	Sinks         []string `yaml:"sinks"`
	TelegramToken string   `yaml:"telegram_token"`
	Mastodon      struct {
		Server      string `yaml:"server"`
		AccessToken string `yaml:"access_token"`
	} `yaml:"mastodon"`
}

type OCRConfig struct {
	Enabled  bool   `yaml:"enabled"`
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
	Language string `yaml:"language"`
}

type APIConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

// JobConfig is one owner's monitoring job.
type JobConfig struct {
	Owner    string   `yaml:"-"`
	Target   string   `yaml:"target"`
	Interval Duration `yaml:"interval"`
	Platform string   `yaml:"platform"`
	Provider string   `yaml:"provider"`
	// Notify is the alert destination: a chat id, @channel or mastodon handle.
	Notify   string `yaml:"notify"`
	Operator string `yaml:"operator"`
}

// JobSource looks up the job definition of an owner.
type JobSource interface {
	Job(owner string) (JobConfig, error)
}

// LoadEnv reads .env from the working directory. A missing file is not an error.
func LoadEnv() error {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. An empty path uses $CAWATCH_CONFIG or
// DefaultPath; a missing default file yields a config with no jobs.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv(envConfigPath)
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	cfg, err := loadFile(path)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = &Config{}
	}
	applyEnv(cfg)
	setDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a config document without touching the environment.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	setDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML %s: %w", path, err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Storage.Driver, envDriver)
	set(&cfg.Storage.DataDir, envDataDir)
	set(&cfg.Storage.MongoURI, envMongoURI)
	set(&cfg.Storage.RedisAddr, envRedisAddr)
	set(&cfg.Storage.RedisPassword, envRedisPass)
	set(&cfg.API.Addr, envAPIAddr)
	set(&cfg.API.Token, envAPIToken)
}

func setDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaultDriver
	}
	if cfg.Storage.MongoDB == "" {
		cfg.Storage.MongoDB = defaultMongoDB
	}
	if cfg.Quota.Requests == 0 {
		cfg.Quota.Requests = ratelimit.DefaultQuota.Requests
	}
	if cfg.Quota.Window == 0 {
		cfg.Quota.Window = Duration(ratelimit.DefaultQuota.Window)
	}
	if cfg.Quota.SafetyMargin == 0 {
		cfg.Quota.SafetyMargin = ratelimit.DefaultQuota.SafetyMargin
	}
	if cfg.Staleness == 0 {
		cfg.Staleness = Duration(defaultStaleMax)
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = Duration(defaultJitter)
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = defaultAPIAddr
	}
	for owner, job := range cfg.Jobs {
		job.Owner = owner
		cfg.Jobs[owner] = job
	}
}

func validate(cfg *Config) error {
	switch cfg.Storage.Driver {
	case "sqlite", "mongo", "memory":
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver == "mongo" && cfg.Storage.MongoURI == "" {
		return errors.New("storage.mongo_uri is required for the mongo driver")
	}
	if cfg.Quota.Requests < 0 || cfg.Quota.Window < 0 {
		return errors.New("quota must be non-negative")
	}
	if cfg.Quota.SafetyMargin < 0 {
		return errors.New("quota.safety_margin must be non-negative")
	}
	if cfg.Staleness < 0 || cfg.Jitter < 0 || cfg.StopTimeout < 0 {
		return errors.New("durations must be non-negative")
	}
	for _, sink := range cfg.Notify.Sinks {
		switch strings.ToLower(sink) {
		case "telegram", "mastodon", "log":
		default:
			return fmt.Errorf("unsupported notify sink %q", sink)
		}
	}
	// Jobs are checked at start so that one broken job does not take the
	// others down.
	return nil
}

// Job returns the owner's job. Missing required keys are ConfigErrors.
func (c *Config) Job(owner string) (JobConfig, error) {
	job, ok := c.Jobs[owner]
	if !ok {
		return JobConfig{}, watch.ConfigError{Field: "jobs." + owner, Reason: "not configured"}
	}
	job.Owner = owner
	return job, job.Validate()
}

// Validate checks the keys a job cannot start without.
func (j JobConfig) Validate() error {
	if strings.TrimSpace(j.Target) == "" {
		return watch.ConfigError{Field: "target", Reason: "not set"}
	}
	if j.Interval <= 0 {
		return watch.ConfigError{Field: "interval", Reason: "not set"}
	}
	if _, err := watch.ParsePlatform(j.Platform); err != nil {
		return err
	}
	return nil
}

// Resolve returns the owner's job with the start overrides applied. An
// owner without a configured job can still start when the overrides supply
// every required key.
func Resolve(src JobSource, owner, target string, interval time.Duration, platform string) (JobConfig, error) {
	job, err := src.Job(owner)
	var cfgErr watch.ConfigError
	if err != nil && !errors.As(err, &cfgErr) {
		return JobConfig{}, err
	}
	job = job.Merge(target, interval, platform)
	job.Owner = owner
	if err := job.Validate(); err != nil {
		return JobConfig{}, err
	}
	return job, nil
}

// Merge overlays non-zero start overrides onto the configured job.
func (j JobConfig) Merge(target string, interval time.Duration, platform string) JobConfig {
	if target != "" {
		j.Target = target
	}
	if interval > 0 {
		j.Interval = Duration(interval)
	}
	if platform != "" {
		j.Platform = platform
	}
	return j
}

// StoreOptions maps the storage section onto store.Options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Driver:        c.Storage.Driver,
		DataDir:       c.Storage.DataDir,
		MongoURI:      c.Storage.MongoURI,
		MongoDB:       c.Storage.MongoDB,
		RedisAddr:     c.Storage.RedisAddr,
		RedisPassword: c.Storage.RedisPassword,
		RedisDB:       c.Storage.RedisDB,
	}
}

// SourceOptions maps the providers section onto source.Options.
func (c *Config) SourceOptions() source.Options {
	return source.Options{
		Twitter: twitter.Config{
			APIKey:    c.Providers.Twitter.APIKey,
			APISecret: c.Providers.Twitter.APISecret,
		},
		Mastodon: mastodon.Config{
			Server:       c.Providers.Mastodon.Server,
			ClientID:     c.Providers.Mastodon.ClientID,
			ClientSecret: c.Providers.Mastodon.ClientSecret,
		},
		Bluesky: bluesky.Config{PDSURL: c.Providers.Bluesky.PDSURL},
	}
}

// RateQuota returns the configured rate limit.
func (c *Config) RateQuota() ratelimit.Quota {
	return ratelimit.Quota{
		Requests:     c.Quota.Requests,
		Window:       c.Quota.Window.Std(),
		SafetyMargin: c.Quota.SafetyMargin,
	}
}

// MastodonSink maps the notify section onto notify.MastodonConfig.
func (c *Config) MastodonSink() notify.MastodonConfig {
	return notify.MastodonConfig{
		Server:      c.Notify.Mastodon.Server,
		AccessToken: c.Notify.Mastodon.AccessToken,
	}
}
