package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "TALLY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "TALLY_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "server.api_token", typ: kString, env: "TALLY_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "llm.provider", typ: kString, env: "TALLY_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "TALLY_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "TALLY_LLM_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.fast_model", typ: kString, env: "TALLY_LLM_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.FastModel },
	},
	{
		key: "llm.deep_model", typ: kString, env: "TALLY_LLM_DEEP_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.DeepModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.DeepModel },
	},
	{
		key: "llm.embed_model", typ: kString, env: "TALLY_LLM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "llm.max_attempts", typ: kInt, env: "TALLY_LLM_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxAttempts },
	},
	{
		key: "llm.backoff", typ: kString, env: "TALLY_LLM_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.LLM.Backoff = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Backoff },
	},
	{
		key: "llm.rate_limit_rps", typ: kFloat, env: "TALLY_LLM_RATE_LIMIT_RPS",
		apply:   func(cfg *Config, v any) { cfg.LLM.RateLimitRPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.RateLimitRPS },
	},
	{
		key: "llm.breaker_failures", typ: kInt, env: "TALLY_LLM_BREAKER_FAILURES",
		apply:   func(cfg *Config, v any) { cfg.LLM.BreakerFailures = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.BreakerFailures },
	},
	{
		key: "resolver.top_k", typ: kInt, env: "TALLY_RESOLVER_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Resolver.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Resolver.TopK },
	},
	{
		key: "resolver.threshold", typ: kFloat, env: "TALLY_RESOLVER_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Resolver.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Resolver.Threshold },
	},
	{
		key: "pipeline.repair_cap", typ: kInt, env: "TALLY_PIPELINE_REPAIR_CAP",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.RepairCap = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.RepairCap },
	},
	{
		key: "pipeline.exec_timeout", typ: kString, env: "TALLY_PIPELINE_EXEC_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ExecTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.ExecTimeout },
	},
	{
		key: "pipeline.max_rows", typ: kInt, env: "TALLY_PIPELINE_MAX_ROWS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxRows = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxRows },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TALLY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "datasets.manifest", typ: kString, env: "TALLY_DATASETS_MANIFEST",
		apply:   func(cfg *Config, v any) { cfg.Datasets.Manifest = v.(string) },
		extract: func(cfg Config) any { return cfg.Datasets.Manifest },
	},
	{
		key: "log.level", typ: kString, env: "TALLY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "telemetry.otlp_endpoint", typ: kString, env: "TALLY_TELEMETRY_OTLP_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.OTLPEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.OTLPEndpoint },
	},
	{
		key: "telemetry.flush_interval", typ: kString, env: "TALLY_TELEMETRY_FLUSH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.FlushInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.FlushInterval },
	},
}

// parse converts the textual form of a value to the Go type for typ.
func (typ keyType) parse(raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func (typ keyType) String() string {
	switch typ {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	default:
		return "string"
	}
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// applyBackend reads every non-secret key from b. Ints are stored natively;
// bools and floats are stored as strings and parsed here.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.typ.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.typ.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
