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
		key: "server.port", typ: kInt, env: "CRMGATE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.url", typ: kString, env: "CRMGATE_SERVER_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.URL },
	},
	{
		key: "backend.url", typ: kString, env: "CRMGATE_BACKEND_URL",
		apply:   func(cfg *Config, v any) { cfg.Backend.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.URL },
	},
	{
		key: "backend.anon_key", typ: kString, env: "CRMGATE_BACKEND_ANON_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Backend.AnonKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.AnonKey },
	},
	{
		key: "backend.service_key", typ: kString, env: "CRMGATE_BACKEND_SERVICE_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Backend.ServiceKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.ServiceKey },
	},
	{
		key: "backend.database_url", typ: kString, env: "CRMGATE_DATABASE_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Backend.DatabaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.DatabaseURL },
	},
	{
		key: "backend.exec_mode", typ: kString, env: "CRMGATE_BACKEND_EXEC_MODE",
		apply:   func(cfg *Config, v any) { cfg.Backend.ExecMode = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.ExecMode },
	},
	{
		key: "completion.base_url", typ: kString, env: "CRMGATE_COMPLETION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Completion.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.BaseURL },
	},
	{
		key: "completion.api_key", typ: kString, env: "CRMGATE_COMPLETION_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Completion.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.APIKey },
	},
	{
		key: "completion.model", typ: kString, env: "CRMGATE_COMPLETION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Completion.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.Model },
	},
	{
		key: "completion.temperature", typ: kFloat, env: "CRMGATE_COMPLETION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Completion.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Completion.Temperature },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CRMGATE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CRMGATE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "CRMGATE_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "chat.max_tool_rounds", typ: kInt, env: "CRMGATE_CHAT_MAX_TOOL_ROUNDS",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxToolRounds = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxToolRounds },
	},
	{
		key: "chat.history_limit", typ: kInt, env: "CRMGATE_CHAT_HISTORY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Chat.HistoryLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.HistoryLimit },
	},
	{
		key: "metadata.ttl", typ: kString, env: "CRMGATE_METADATA_TTL",
		apply:   func(cfg *Config, v any) { cfg.Metadata.TTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Metadata.TTL },
	},
}

// parse converts raw into the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

// applyRaw sets s from raw. A value that does not parse keeps the current
// value and prints a warning naming origin.
func applyRaw(cfg *Config, s keySpec, raw, origin string) {
	v, err := s.parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse %s=%q: %v. Using default value.\n", origin, raw, err)
		return
	}
	s.apply(cfg, v)
}

func applyStore(cfg *Config, st keyStore) {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if raw, ok := st.Lookup(s.key); ok && raw != "" {
			applyRaw(cfg, s, raw, "config key "+s.key)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if raw := os.Getenv(s.env); raw != "" {
			applyRaw(cfg, s, raw, "env var "+s.env)
		}
	}
}
