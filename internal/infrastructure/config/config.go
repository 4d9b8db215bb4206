package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Assembler  AssemblerConfig  `mapstructure:"assembler"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Validation ValidationConfig `mapstructure:"validation"`
	Store      StoreConfig      `mapstructure:"store"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`

	v          *viper.Viper
	configPath string
}

// Viper exposes the underlying viper instance that produced this Config, so
// a Watcher can bind to the same source of truth for hot reload.
func (c *Config) Viper() *viper.Viper { return c.v }

// ConfigPath returns the on-disk config file the Watcher should observe
// (the local ./config.yaml when present, otherwise the global one). Empty
// when neither file was found, in which case hot reload has nothing to
// watch.
func (c *Config) ConfigPath() string { return c.configPath }

// PipelineConfig names the on-disk assets (response schema, prompt
// templates) and the version stamps reported in every TriageResult's
// PipelineVersion.
type PipelineConfig struct {
	SchemaPath            string `mapstructure:"schema_path"`
	SystemPromptPath      string `mapstructure:"system_prompt_path"`
	UserPromptPath        string `mapstructure:"user_prompt_path"`
	CanonicalizerVersion  string `mapstructure:"canonicalizer_version"`
	NerVersion            string `mapstructure:"ner_version"`
	DictionaryVersion     int    `mapstructure:"dictionary_version"`
	ModelVersion          string `mapstructure:"model_version"`
	SchemaVersion         string `mapstructure:"schema_version"`
	InferenceLayerVersion string `mapstructure:"inference_layer_version"`
	StoplistVersion       string `mapstructure:"stoplist_version"`
}

// HTTPConfig configures the thin gin surface.
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, production
}

// GatewayConfig configures the LLM gateway client.
type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PrimaryModel   string        `mapstructure:"primary_model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxNetRetries  int           `mapstructure:"max_net_retries"`
}

// AssemblerConfig configures the prompt assembler.
type AssemblerConfig struct {
	BodyTruncationLimit int  `mapstructure:"body_truncation_limit"`
	ShrinkBodyLimit     int  `mapstructure:"shrink_body_limit"`
	CandidateTopN       int  `mapstructure:"candidate_top_n"`
	ShrinkTopN          int  `mapstructure:"shrink_top_n"`
	RedactForLLM        bool `mapstructure:"redact_for_llm"`
}

// RetryConfig configures the retry engine. FallbackModels, MaxRetries,
// and RetryBackoffBase are hot-reloadable.
type RetryConfig struct {
	MaxRetries       int      `mapstructure:"max_retries"`
	RetryBackoffBase float64  `mapstructure:"retry_backoff_base"`
	FallbackModels   []string `mapstructure:"fallback_models"`
	Temperature      float64  `mapstructure:"temperature"`
	MaxTokens        int      `mapstructure:"max_tokens"`
}

// ValidationConfig configures the validation pipeline. The threshold and
// the two verifier flags are hot-reloadable.
type ValidationConfig struct {
	MinConfidenceWarningThreshold float64 `mapstructure:"min_confidence_warning_threshold"`
	EnableEvidencePresenceCheck   bool    `mapstructure:"enable_evidence_presence_check"`
	EnableKeywordPresenceCheck    bool    `mapstructure:"enable_keyword_presence_check"`
}

// StoreConfig configures the result and DLQ store.
type StoreConfig struct {
	RedisAddr        string `mapstructure:"redis_addr"`
	RedisPassword    string `mapstructure:"redis_password"`
	RedisDB          int    `mapstructure:"redis_db"`
	ResultTTLSeconds int    `mapstructure:"result_ttl_seconds"`
	DLQMaxEntries    int    `mapstructure:"dlq_max_entries"`
}

// WorkerConfig configures the bounded worker pool.
type WorkerConfig struct {
	Concurrency  int `mapstructure:"concurrency"`
	Prefetch     int `mapstructure:"prefetch"`
	BatchMaxSize int `mapstructure:"batch_max_size"`
}

// DatabaseConfig configures the durable audit mirror.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration in layers: defaults, then the global
// ~/.triage/config.yaml, then a local ./config.yaml merged on top, then
// TRIAGE_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := filepath.Join(os.Getenv("HOME"), ".triage")
	v.AddConfigPath(globalDir)
	configPath := ""
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	} else {
		configPath = v.ConfigFileUsed()
	}

	localPath := "./config.yaml"
	if _, err := os.Stat(localPath); err == nil {
		v2 := viper.New()
		v2.SetConfigFile(localPath)
		if err := v2.ReadInConfig(); err == nil {
			_ = v.MergeConfigMap(v2.AllSettings())
			configPath = localPath
		}
	}

	v.SetEnvPrefix("TRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.v = v
	cfg.configPath = configPath
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.mode", "production")

	v.SetDefault("gateway.base_url", "http://localhost:11434")
	v.SetDefault("gateway.primary_model", "llama3")
	v.SetDefault("gateway.request_timeout", "60s")
	v.SetDefault("gateway.max_net_retries", 3)

	v.SetDefault("assembler.body_truncation_limit", 8000)
	v.SetDefault("assembler.shrink_body_limit", 4000)
	v.SetDefault("assembler.candidate_top_n", 100)
	v.SetDefault("assembler.shrink_top_n", 50)
	v.SetDefault("assembler.redact_for_llm", false)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.retry_backoff_base", 2.0)
	v.SetDefault("retry.fallback_models", []string{})
	v.SetDefault("retry.temperature", 0.1)
	v.SetDefault("retry.max_tokens", 2048)

	v.SetDefault("validation.min_confidence_warning_threshold", 0.2)
	v.SetDefault("validation.enable_evidence_presence_check", true)
	v.SetDefault("validation.enable_keyword_presence_check", true)

	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.result_ttl_seconds", 86400)
	v.SetDefault("store.dlq_max_entries", 10000)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.prefetch", 1)
	v.SetDefault("worker.batch_max_size", 100)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "triage.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("pipeline.schema_path", "./assets/response_schema.json")
	v.SetDefault("pipeline.system_prompt_path", "./assets/system_prompt.tmpl")
	v.SetDefault("pipeline.user_prompt_path", "./assets/user_prompt.tmpl")
	v.SetDefault("pipeline.canonicalizer_version", "v1")
	v.SetDefault("pipeline.ner_version", "v1")
	v.SetDefault("pipeline.dictionary_version", 1)
	v.SetDefault("pipeline.model_version", "unknown")
	v.SetDefault("pipeline.schema_version", "v1")
	v.SetDefault("pipeline.inference_layer_version", "v1")
	v.SetDefault("pipeline.stoplist_version", "v1")
}
