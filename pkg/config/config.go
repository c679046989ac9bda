// Package config loads the daemon configuration from YAML and GENFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/viper"

	"github.com/psantana5/genflow/pkg/cost"
	"github.com/psantana5/genflow/pkg/deadletter"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/payload"
	"github.com/psantana5/genflow/pkg/provider"
	"github.com/psantana5/genflow/pkg/queue"
	"github.com/psantana5/genflow/pkg/store"
)

// EnvPrefix namespaces environment overrides, e.g. GENFLOW_QUEUE_MAX_BATCH_SIZE
const EnvPrefix = "GENFLOW"

// LogConfig selects the logger
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text or json
	File   bool   `mapstructure:"file" yaml:"file"`
}

// APIConfig configures the admin HTTP surface
type APIConfig struct {
	Addr           string    `mapstructure:"addr" yaml:"addr"`
	RateLimitRPS   float64   `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int       `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
	TLS            TLSConfig `mapstructure:"tls" yaml:"tls"`
}

// TLSConfig serves the admin API over TLS, optionally requiring client certs
type TLSConfig struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile          string `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile           string `mapstructure:"key_file" yaml:"key_file,omitempty"`
	CAFile            string `mapstructure:"ca_file" yaml:"ca_file,omitempty"`
	RequireClientCert bool   `mapstructure:"require_client_cert" yaml:"require_client_cert"`
	// GenerateSelfSigned writes a self-signed pair when CertFile is missing.
	GenerateSelfSigned bool     `mapstructure:"generate_self_signed" yaml:"generate_self_signed"`
	Hosts              []string `mapstructure:"hosts" yaml:"hosts,omitempty"`
}

// RedisConfig enables the cross-instance request window
type RedisConfig struct {
	URL    string        `mapstructure:"url" yaml:"url,omitempty"`
	Limit  int           `mapstructure:"limit" yaml:"limit"`
	Window time.Duration `mapstructure:"window" yaml:"window"`
}

// TracingConfig configures OTLP export
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Environment string `mapstructure:"environment" yaml:"environment,omitempty"`
}

// WorkerConfig sizes the worker pool and its retry backoff. The retry limit
// of a job is queue.default_max_retries unless the request sets one.
type WorkerConfig struct {
	Count            int           `mapstructure:"count" yaml:"count"`
	BaseDelay        time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	ProviderRotation bool          `mapstructure:"provider_rotation" yaml:"provider_rotation"`
	RateLimitWait    time.Duration `mapstructure:"rate_limit_wait" yaml:"rate_limit_wait"`
}

// RetryPolicy converts the worker section into the job retry policy
func (w WorkerConfig) RetryPolicy() *models.RetryPolicy {
	return &models.RetryPolicy{
		BaseDelay:        w.BaseDelay,
		MaxDelay:         w.MaxDelay,
		ProviderRotation: w.ProviderRotation,
	}
}

// Schedules are cron expressions for the periodic sweeps. Empty disables a sweep.
type Schedules struct {
	QueueClean        string        `mapstructure:"queue_clean" yaml:"queue_clean"`
	QueueCleanAge     time.Duration `mapstructure:"queue_clean_age" yaml:"queue_clean_age"`
	DeadLetterRecover string        `mapstructure:"dead_letter_recover" yaml:"dead_letter_recover"`
	DeadLetterPurge   string        `mapstructure:"dead_letter_purge" yaml:"dead_letter_purge"`
	CostThresholds    string        `mapstructure:"cost_thresholds" yaml:"cost_thresholds"`
	AlertGC           string        `mapstructure:"alert_gc" yaml:"alert_gc"`
	HealthRefresh     string        `mapstructure:"health_refresh" yaml:"health_refresh"`
}

// Config is the complete daemon configuration
type Config struct {
	Log             LogConfig          `mapstructure:"log" yaml:"log"`
	API             APIConfig          `mapstructure:"api" yaml:"api"`
	MetricsAddr     string             `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	ShutdownTimeout time.Duration      `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	Store           store.Config       `mapstructure:"store" yaml:"store"`
	Redis           RedisConfig        `mapstructure:"redis" yaml:"redis"`
	Tracing         TracingConfig      `mapstructure:"tracing" yaml:"tracing"`
	Workers         WorkerConfig       `mapstructure:"workers" yaml:"workers"`
	Queue           queue.Config       `mapstructure:"queue" yaml:"queue"`
	DeadLetter      deadletter.Config  `mapstructure:"dead_letter" yaml:"dead_letter"`
	Cost            cost.Config        `mapstructure:"cost" yaml:"cost"`
	Schedules       Schedules          `mapstructure:"schedules" yaml:"schedules"`
	Providers       []provider.Config  `mapstructure:"providers" yaml:"providers"`
	Templates       []payload.Template `mapstructure:"templates" yaml:"templates,omitempty"`
}

// DefaultWorkerCount returns the logical CPU count, at least 2
func DefaultWorkerCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 2 {
		return 2
	}
	return n
}

// DefaultProviders returns the stock Anthropic and OpenAI entries. Keys are
// read from the environment at adapter construction.
func DefaultProviders() []provider.Config {
	return []provider.Config{
		{
			Name:               "claude",
			Kind:               provider.KindAnthropic,
			APIKeyEnv:          "ANTHROPIC_API_KEY",
			Model:              "claude-sonnet-4-5",
			MaxTokens:          8192,
			CostPerInputToken:  0.000003,
			CostPerOutputToken: 0.000015,
			RateLimits:         models.RateLimits{RequestsPerMinute: 50, TokensPerMinute: 40000},
		},
		{
			Name:               "gpt",
			Kind:               provider.KindOpenAI,
			APIKeyEnv:          "OPENAI_API_KEY",
			Model:              "gpt-4o",
			ImageModel:         "gpt-image-1",
			MaxTokens:          16384,
			CostPerInputToken:  0.0000025,
			CostPerOutputToken: 0.00001,
			CostPerImage:       0.04,
			RateLimits:         models.RateLimits{RequestsPerMinute: 60, TokensPerMinute: 150000},
		},
	}
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	retry := models.DefaultRetryPolicy()
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		API: APIConfig{
			Addr:           ":8080",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			TLS:            TLSConfig{CertFile: "certs/genflowd.crt", KeyFile: "certs/genflowd.key"},
		},
		MetricsAddr:     ":9090",
		ShutdownTimeout: 30 * time.Second,
		Store:           store.Config{Type: "sqlite", DSN: "genflow.db"},
		Redis:           RedisConfig{Limit: 600, Window: time.Minute},
		Tracing:         TracingConfig{Environment: "production"},
		Workers: WorkerConfig{
			Count:            DefaultWorkerCount(),
			BaseDelay:        retry.BaseDelay,
			MaxDelay:         retry.MaxDelay,
			ProviderRotation: retry.ProviderRotation,
			RateLimitWait:    time.Minute,
		},
		Queue:      queue.DefaultConfig(),
		DeadLetter: deadletter.DefaultConfig(),
		Cost:       cost.DefaultConfig(),
		Schedules: Schedules{
			QueueClean:        "@every 1h",
			QueueCleanAge:     24 * time.Hour,
			DeadLetterRecover: "*/15 * * * *",
			DeadLetterPurge:   "@daily",
			CostThresholds:    "@every 5m",
			AlertGC:           "@hourly",
			HealthRefresh:     "@every 1m",
		},
	}
}

// setDefaults registers every scalar key so environment overrides resolve
func setDefaults(v *viper.Viper, d *Config) {
	set := map[string]interface{}{
		"log.level":                      d.Log.Level,
		"log.format":                     d.Log.Format,
		"log.file":                       d.Log.File,
		"api.addr":                       d.API.Addr,
		"api.rate_limit_rps":             d.API.RateLimitRPS,
		"api.rate_limit_burst":           d.API.RateLimitBurst,
		"api.tls.enabled":                d.API.TLS.Enabled,
		"api.tls.cert_file":              d.API.TLS.CertFile,
		"api.tls.key_file":               d.API.TLS.KeyFile,
		"api.tls.ca_file":                d.API.TLS.CAFile,
		"api.tls.require_client_cert":    d.API.TLS.RequireClientCert,
		"api.tls.generate_self_signed":   d.API.TLS.GenerateSelfSigned,
		"metrics_addr":                   d.MetricsAddr,
		"shutdown_timeout":               d.ShutdownTimeout,
		"store.type":                     d.Store.Type,
		"store.dsn":                      d.Store.DSN,
		"store.max_open_conns":           d.Store.MaxOpenConns,
		"store.max_idle_conns":           d.Store.MaxIdleConns,
		"redis.url":                      d.Redis.URL,
		"redis.limit":                    d.Redis.Limit,
		"redis.window":                   d.Redis.Window,
		"tracing.enabled":                d.Tracing.Enabled,
		"tracing.endpoint":               d.Tracing.Endpoint,
		"tracing.environment":            d.Tracing.Environment,
		"workers.count":                  d.Workers.Count,
		"workers.base_delay":             d.Workers.BaseDelay,
		"workers.max_delay":              d.Workers.MaxDelay,
		"workers.provider_rotation":      d.Workers.ProviderRotation,
		"workers.rate_limit_wait":        d.Workers.RateLimitWait,
		"queue.max_batch_size":           d.Queue.MaxBatchSize,
		"queue.default_cost_limit":       d.Queue.DefaultCostLimit,
		"queue.default_timeout":          d.Queue.DefaultTimeout,
		"queue.default_max_retries":      d.Queue.DefaultMaxRetries,
		"queue.default_parallel_limit":   d.Queue.DefaultParallelLimit,
		"queue.batch_window_delay":       d.Queue.BatchWindowDelay,
		"queue.rate_limit_policy":        string(d.Queue.RateLimitPolicy),
		"queue.max_admission_delay":      d.Queue.MaxAdmissionDelay,
		"queue.estimate_prompt_tokens":   d.Queue.EstimatePromptTokens,
		"queue.estimate_output_tokens":   d.Queue.EstimateOutputTokens,
		"dead_letter.cooling_period":     d.DeadLetter.CoolingPeriod,
		"dead_letter.recovery_jitter":    d.DeadLetter.RecoveryJitter,
		"dead_letter.recovery_batch":     d.DeadLetter.RecoveryBatch,
		"dead_letter.retry_cost_ceiling": d.DeadLetter.RetryCostCeiling,
		"dead_letter.retention":          d.DeadLetter.Retention,
		"dead_letter.pattern_window":     d.DeadLetter.PatternWindow,
		"dead_letter.provider_threshold": d.DeadLetter.ProviderThreshold,
		"dead_letter.template_threshold": d.DeadLetter.TemplateThreshold,
		"dead_letter.category_threshold": d.DeadLetter.CategoryThreshold,
		"cost.daily_limit":               d.Cost.DailyLimit,
		"cost.monthly_limit":             d.Cost.MonthlyLimit,
		"cost.max_cost_per_job":          d.Cost.MaxCostPerJob,
		"cost.warning_threshold":         d.Cost.WarningThreshold,
		"cost.critical_threshold":        d.Cost.CriticalThreshold,
		"cost.alert_cooldown":            d.Cost.AlertCooldown,
		"cost.alert_retention":           d.Cost.AlertRetention,
		"cost.waste_threshold":           d.Cost.WasteThreshold,
		"schedules.queue_clean":          d.Schedules.QueueClean,
		"schedules.queue_clean_age":      d.Schedules.QueueCleanAge,
		"schedules.dead_letter_recover":  d.Schedules.DeadLetterRecover,
		"schedules.dead_letter_purge":    d.Schedules.DeadLetterPurge,
		"schedules.cost_thresholds":      d.Schedules.CostThresholds,
		"schedules.alert_gc":             d.Schedules.AlertGC,
		"schedules.health_refresh":       d.Schedules.HealthRefresh,
	}
	for k, val := range set {
		v.SetDefault(k, val)
	}
}

// Load reads configuration. An explicit path must exist; otherwise
// $HOME/.genflow/config.yaml and /etc/genflow/config.yaml are tried and a
// missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	def := Default()
	setDefaults(v, def)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".genflow"))
		}
		v.AddConfigPath("/etc/genflow")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := def
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultProviders()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var problems []string
	if c.Workers.Count < 1 {
		problems = append(problems, "workers.count must be at least 1")
	}
	if c.Workers.BaseDelay <= 0 || c.Workers.MaxDelay < c.Workers.BaseDelay {
		problems = append(problems, "workers.base_delay must be positive and not exceed workers.max_delay")
	}
	if c.Queue.MaxBatchSize < 1 {
		problems = append(problems, "queue.max_batch_size must be at least 1")
	}
	switch c.Queue.RateLimitPolicy {
	case queue.PolicyDelay, queue.PolicyReject:
	default:
		problems = append(problems, fmt.Sprintf("queue.rate_limit_policy %q is not delay or reject", c.Queue.RateLimitPolicy))
	}
	switch c.Store.Type {
	case "memory", "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.type %q is not memory, sqlite or postgres", c.Store.Type))
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		problems = append(problems, "api.tls requires cert_file and key_file")
	}
	if c.API.TLS.RequireClientCert && c.API.TLS.CAFile == "" {
		problems = append(problems, "api.tls.require_client_cert requires ca_file")
	}
	if c.Cost.WarningThreshold > c.Cost.CriticalThreshold {
		problems = append(problems, "cost.warning_threshold exceeds cost.critical_threshold")
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		switch {
		case p.Name == "":
			problems = append(problems, fmt.Sprintf("providers[%d]: name is required", i))
		case seen[p.Name]:
			problems = append(problems, fmt.Sprintf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		switch p.Kind {
		case provider.KindAnthropic, provider.KindOpenAI, provider.KindScripted:
		default:
			problems = append(problems, fmt.Sprintf("providers[%d]: unsupported kind %q", i, p.Kind))
		}
	}
	for i, t := range c.Templates {
		if t.Ref == "" {
			problems = append(problems, fmt.Sprintf("templates[%d]: ref is required", i))
		}
	}

	s := c.Schedules
	for name, expr := range map[string]string{
		"queue_clean":         s.QueueClean,
		"dead_letter_recover": s.DeadLetterRecover,
		"dead_letter_purge":   s.DeadLetterPurge,
		"cost_thresholds":     s.CostThresholds,
		"alert_gc":            s.AlertGC,
		"health_refresh":      s.HealthRefresh,
	} {
		if expr == "" {
			continue
		}
		if _, err := cronParser.Parse(expr); err != nil {
			problems = append(problems, fmt.Sprintf("schedules.%s: %v", name, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
