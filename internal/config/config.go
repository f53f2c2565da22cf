package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Resolver  ResolverConfig
	Pipeline  PipelineConfig
	Storage   StorageConfig
	Datasets  DatasetsConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
	APIToken   string
}

// LLMConfig selects the text-generation and embedding backend.
// Provider is "ollama" or "openai"; the latter covers any
// OpenAI-compatible endpoint (Azure, vLLM, LM Studio). An empty BaseURL
// means the provider's default endpoint.
type LLMConfig struct {
	Provider        string
	BaseURL         string
	APIKey          string
	FastModel       string
	DeepModel       string
	EmbedModel      string
	MaxAttempts     int
	Backoff         string
	RateLimitRPS    float64
	BreakerFailures int
}

type ResolverConfig struct {
	TopK      int
	Threshold float64
}

type PipelineConfig struct {
	RepairCap   int
	ExecTimeout string
	MaxRows     int
}

type StorageConfig struct {
	DataDir string
}

type DatasetsConfig struct {
	Manifest string
}

type LogConfig struct {
	Level string
}

type TelemetryConfig struct {
	OTLPEndpoint  string
	FlushInterval string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		LLM: LLMConfig{
			Provider:        "ollama",
			FastModel:       "phi3.5",
			DeepModel:       "mistral-nemo",
			EmbedModel:      "nomic-embed-text",
			MaxAttempts:     5,
			Backoff:         "2s",
			RateLimitRPS:    4,
			BreakerFailures: 5,
		},
		Resolver: ResolverConfig{
			TopK:      5,
			Threshold: 0.7,
		},
		Pipeline: PipelineConfig{
			RepairCap:   15,
			ExecTimeout: "10s",
			MaxRows:     12,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Datasets: DatasetsConfig{
			Manifest: "datasets/manifest.yaml",
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			FlushInterval: "30s",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/tally/config.json and applies TALLY_* environment
// overrides on top. Secrets are only read from the environment.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.LLM.Provider {
	case "ollama":
	case "openai":
		if cfg.LLM.APIKey == "" {
			return fmt.Errorf("missing required config: LLM API key for provider %q. "+
				"Set it via environment variable TALLY_LLM_API_KEY", cfg.LLM.Provider)
		}
	default:
		return fmt.Errorf("invalid llm.provider %q: want ollama or openai", cfg.LLM.Provider)
	}
	if cfg.LLM.MaxAttempts < 1 {
		return fmt.Errorf("invalid llm.max_attempts %d: must be at least 1", cfg.LLM.MaxAttempts)
	}
	if cfg.Resolver.TopK < 1 {
		return fmt.Errorf("invalid resolver.top_k %d: must be at least 1", cfg.Resolver.TopK)
	}
	if cfg.Resolver.Threshold < 0 || cfg.Resolver.Threshold > 1 {
		return fmt.Errorf("invalid resolver.threshold %v: must be within [0,1]", cfg.Resolver.Threshold)
	}
	if cfg.Pipeline.RepairCap < 1 {
		return fmt.Errorf("invalid pipeline.repair_cap %d: must be at least 1", cfg.Pipeline.RepairCap)
	}
	return nil
}

// BackoffDuration parses LLM.Backoff, falling back to 2s.
func (c LLMConfig) BackoffDuration() time.Duration {
	return parseDuration(c.Backoff, 2*time.Second)
}

func (c PipelineConfig) ExecTimeoutDuration() time.Duration {
	return parseDuration(c.ExecTimeout, 10*time.Second)
}

func (c TelemetryConfig) FlushIntervalDuration() time.Duration {
	return parseDuration(c.FlushInterval, 30*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
