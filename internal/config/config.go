package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/opencorpora/researchd/internal/llm"
	"github.com/opencorpora/researchd/internal/tracing"
	"github.com/opencorpora/researchd/internal/vectordb"
)

// Research holds the orchestration knobs for the research loop.
type Research struct {
	// RetrievalParallelism bounds concurrent retrieval calls per batch.
	RetrievalParallelism int `mapstructure:"retrieval_parallelism"`
	// TopK passages requested per sub-question.
	TopK int `mapstructure:"top_k"`
	// TopPassages caps deduplicated passages handed to synthesis.
	TopPassages int `mapstructure:"top_passages"`
	// MinSufficientPassages and SufficientScore form the deterministic
	// sufficiency gate evaluated before the LLM judgment.
	MinSufficientPassages int     `mapstructure:"min_sufficient_passages"`
	SufficientScore       float64 `mapstructure:"sufficient_score"`
	// RelevanceFloor: passages below this score count as irrelevant when
	// deciding whether to abort after consecutive empty iterations.
	RelevanceFloor float64 `mapstructure:"relevance_floor"`
	// ActivityTimeout is the per-remote-call hard timeout.
	ActivityTimeout time.Duration `mapstructure:"activity_timeout"`
	// InactivityWindow aborts a session when no event has been emitted
	// for this long (surfaced to users as an out-of-capacity notice).
	InactivityWindow time.Duration `mapstructure:"inactivity_window"`
	// TemplatesPath points at the question-template catalog.
	TemplatesPath string `mapstructure:"templates_path"`
}

// Server holds HTTP listener settings.
type Server struct {
	Port      int `mapstructure:"port"`
	AdminPort int `mapstructure:"admin_port"`
	// RateLimitPerMinute bounds research submissions per client IP.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
}

// Redis holds transcript store settings.
type Redis struct {
	Addr string        `mapstructure:"addr"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// Temporal holds workflow engine settings.
type Temporal struct {
	HostPort  string `mapstructure:"host_port"`
	TaskQueue string `mapstructure:"task_queue"`
	Namespace string `mapstructure:"namespace"`
}

// Config is the full service configuration.
type Config struct {
	Research Research        `mapstructure:"research"`
	Server   Server          `mapstructure:"server"`
	Redis    Redis           `mapstructure:"redis"`
	Temporal Temporal        `mapstructure:"temporal"`
	VectorDB vectordb.Config `mapstructure:"vectordb"`
	LLM      llm.Config      `mapstructure:"llm"`
	Tracing  tracing.Config  `mapstructure:"tracing"`
	Logging  struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// Load reads configuration from CONFIG_PATH (default
// config/researchd.yaml), applies env overrides prefixed RESEARCHD_, and
// fills defaults. A missing file is not an error; defaults apply.
func Load() (*Config, error) {
	v := viper.New()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/researchd.yaml"
	}
	v.SetConfigFile(cfgPath)
	v.SetEnvPrefix("RESEARCHD")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("research.retrieval_parallelism", 8)
	v.SetDefault("research.top_k", 5)
	v.SetDefault("research.top_passages", 5)
	v.SetDefault("research.min_sufficient_passages", 3)
	v.SetDefault("research.sufficient_score", 0.6)
	v.SetDefault("research.relevance_floor", 0.35)
	v.SetDefault("research.activity_timeout", "120s")
	v.SetDefault("research.inactivity_window", "90s")
	v.SetDefault("research.templates_path", "config/templates.yaml")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_port", 2112)
	v.SetDefault("server.rate_limit_per_minute", 12)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl", "720h")

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.task_queue", "researchd-tasks")
	v.SetDefault("temporal.namespace", "default")

	v.SetDefault("vectordb.host", "localhost")
	v.SetDefault("vectordb.port", 6333)
	v.SetDefault("vectordb.top_k", 5)
	v.SetDefault("vectordb.max_top_k", 20)
	v.SetDefault("vectordb.timeout", "10s")

	v.SetDefault("llm.base_url", "http://localhost:8000")
	v.SetDefault("llm.timeout", "120s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
