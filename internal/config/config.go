package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kalambet/crmgate/internal/errcode"
)

type Config struct {
	Server     ServerConfig
	Backend    BackendConfig
	Completion CompletionConfig
	Storage    StorageConfig
	Log        LogConfig
	Chat       ChatConfig
	Metadata   MetadataConfig
}

type ServerConfig struct {
	Port int
	URL  string
}

// BackendConfig points at the hosted CRM backend: identity provider, REST
// endpoint and the privileged execution procedure.
type BackendConfig struct {
	URL         string
	AnonKey     string
	ServiceKey  string
	DatabaseURL string
	ExecMode    string
}

type CompletionConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

type ChatConfig struct {
	MaxToolRounds int
	HistoryLimit  int
}

type MetadataConfig struct {
	TTL string
}

const (
	ExecModeRPC      = "rpc"
	ExecModePostgres = "postgres"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
			URL:  "http://127.0.0.1:4100",
		},
		Backend: BackendConfig{
			ExecMode: ExecModeRPC,
		},
		Completion: CompletionConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "google/gemini-2.5-flash",
			Temperature: 0.2,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Chat: ChatConfig{
			MaxToolRounds: 3,
			HistoryLimit:  10,
		},
		Metadata: MetadataConfig{
			TTL: "5m",
		},
	}
}

// MetadataTTL parses Metadata.TTL, falling back to five minutes.
func (c Config) MetadataTTL() time.Duration {
	d, err := time.ParseDuration(c.Metadata.TTL)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// Load reads configuration for the server: defaults, then
// $XDG_CONFIG_HOME/crmgate/config.json, then CRMGATE_* environment
// variables (an optional .env file in the working directory fills variables
// that are not already set). Secret keys come only from the environment or
// the secrets store: macOS Keychain when available, then
// $XDG_DATA_HOME/crmgate/secrets.json.
func Load() (Config, error) {
	loadDotEnv(".env")
	return loadWith(openFileStore(configFilePath()), secretReader{}, true)
}

// LoadClient is Load for commands that never call the completion service
// themselves.
func LoadClient() (Config, error) {
	loadDotEnv(".env")
	return loadWith(openFileStore(configFilePath()), secretReader{}, false)
}

func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load %s: %v\n", path, err)
	}
}

// keychain abstracts secret lookup for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(st keyStore, kc keychain, needCompletion bool) (Config, error) {
	cfg := defaults()

	applyStore(&cfg, st)
	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	var missing []string
	if cfg.Backend.URL == "" {
		missing = append(missing, "backend.url (CRMGATE_BACKEND_URL)")
	}
	if cfg.Backend.AnonKey == "" {
		missing = append(missing, "backend.anon_key (CRMGATE_BACKEND_ANON_KEY)")
	}
	if needCompletion && cfg.Completion.APIKey == "" {
		missing = append(missing, "completion.api_key (CRMGATE_COMPLETION_API_KEY)")
	}
	if cfg.Backend.ExecMode == ExecModePostgres && cfg.Backend.DatabaseURL == "" {
		missing = append(missing, "backend.database_url (CRMGATE_DATABASE_URL)")
	}
	if len(missing) > 0 {
		return Config{}, errcode.Wrap(errcode.ConfigMissing,
			fmt.Errorf("missing required config: %s%s", strings.Join(missing, ", "), secretHint()))
	}

	return cfg, nil
}

// applySecrets fills secret keys that are still empty from the secrets
// store. Environment variables always win.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if v, _ := s.extract(*cfg).(string); v != "" {
			continue
		}
		if v, err := kc.Get(secretService, s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
