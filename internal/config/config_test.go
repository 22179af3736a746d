package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/crmgate/internal/auth"
	"github.com/kalambet/crmgate/internal/errcode"
)

// memStore is an in-memory keyStore.
type memStore map[string]string

func (m memStore) Lookup(key string) (string, bool) { v, ok := m[key]; return v, ok }
func (m memStore) Set(key, value string) error      { m[key] = value; return nil }

// mockKeychain is a test double for the keychain interface.
type mockKeychain map[string]string

func (m mockKeychain) Get(service, account string) (string, error) {
	if service != secretService {
		return "", errors.New("wrong service")
	}
	v, ok := m[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func required() mockKeychain {
	return mockKeychain{
		"backend.anon_key":   "anon",
		"completion.api_key": "sk-test",
	}
}

// TestDefaults verifies all default values are applied when the config file is empty.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("CRMGATE_BACKEND_URL", "https://abc.supabase.co")

	cfg, err := loadWith(memStore{}, required(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 || cfg.Server.URL != "http://127.0.0.1:4100" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Backend.ExecMode != ExecModeRPC {
		t.Errorf("ExecMode = %q", cfg.Backend.ExecMode)
	}
	if cfg.Completion.BaseURL != "https://openrouter.ai/api/v1" || cfg.Completion.Model != "google/gemini-2.5-flash" || cfg.Completion.Temperature != 0.2 {
		t.Errorf("Completion = %+v", cfg.Completion)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Chat.MaxToolRounds != 3 || cfg.Chat.HistoryLimit != 10 {
		t.Errorf("Chat = %+v", cfg.Chat)
	}
	if cfg.MetadataTTL() != 5*time.Minute {
		t.Errorf("MetadataTTL = %v", cfg.MetadataTTL())
	}
}

// TestFileAndEnvOverride verifies that environment variables override config file values.
func TestFileAndEnvOverride(t *testing.T) {
	clearEnv(t)
	b := memStore{
		"backend.url":            "https://file.supabase.co",
		"server.port":            "5000",
		"completion.temperature": "0.5",
		"metadata.ttl":           "90s",
		"completion.api_key":     "from-file-ignored",
	}
	t.Setenv("CRMGATE_SERVER_PORT", "6000")
	t.Setenv("CRMGATE_COMPLETION_API_KEY", "env-key")

	cfg, err := loadWith(b, mockKeychain{"backend.anon_key": "anon", "completion.api_key": "keychain-key"}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backend.URL != "https://file.supabase.co" {
		t.Errorf("Backend.URL = %q", cfg.Backend.URL)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want env value", cfg.Server.Port)
	}
	if cfg.Completion.Temperature != 0.5 {
		t.Errorf("Temperature = %v", cfg.Completion.Temperature)
	}
	if cfg.Completion.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env to win over keychain", cfg.Completion.APIKey)
	}
	if cfg.MetadataTTL() != 90*time.Second {
		t.Errorf("MetadataTTL = %v", cfg.MetadataTTL())
	}
}

// TestMissingRequiredField verifies a coded error when required values are absent.
func TestMissingRequiredField(t *testing.T) {
	clearEnv(t)

	_, err := loadWith(memStore{}, mockKeychain{}, true)
	if err == nil {
		t.Fatal("expected error for missing config, got nil")
	}
	if errcode.Of(err) != errcode.ConfigMissing {
		t.Errorf("code = %q", errcode.Of(err))
	}
	for _, want := range []string{"backend.url", "backend.anon_key", "completion.api_key"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not name %s", err, want)
		}
	}
}

func TestLoadClient_NoCompletionKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("CRMGATE_BACKEND_URL", "https://abc.supabase.co")

	if _, err := loadWith(memStore{}, mockKeychain{"backend.anon_key": "anon"}, false); err != nil {
		t.Errorf("client load should not need a completion key: %v", err)
	}
	if _, err := loadWith(memStore{}, mockKeychain{"backend.anon_key": "anon"}, true); err == nil {
		t.Error("server load should need a completion key")
	}
}

func TestPostgresModeNeedsDatabaseURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("CRMGATE_BACKEND_URL", "https://abc.supabase.co")
	t.Setenv("CRMGATE_BACKEND_EXEC_MODE", ExecModePostgres)

	_, err := loadWith(memStore{}, required(), true)
	if err == nil || !strings.Contains(err.Error(), "backend.database_url") {
		t.Errorf("err = %v", err)
	}
}

func TestSetKey(t *testing.T) {
	b := memStore{}
	if err := setKey(b, "server.port", "4200"); err != nil || b["server.port"] != "4200" {
		t.Errorf("server.port: %v %v", err, b["server.port"])
	}
	if err := setKey(b, "completion.temperature", "0.4"); err != nil || b["completion.temperature"] != "0.4" {
		t.Errorf("temperature: %v", err)
	}
	bad := map[string]string{
		"server.port":            "abc",
		"completion.temperature": "hot",
		"metadata.ttl":           "soon",
		"backend.exec_mode":      "grpc",
		"completion.api_key":     "sk",
		"nope":                   "x",
	}
	for k, v := range bad {
		if err := setKey(b, k, v); err == nil {
			t.Errorf("setKey(%q, %q) should fail", k, v)
		}
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crmgate", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	hand := `{"server.port": 4300, "completion.temperature": 0.7, "log.level": "debug", "chat": {"nested": true}}`
	if err := os.WriteFile(path, []byte(hand), 0o600); err != nil {
		t.Fatal(err)
	}

	st := openFileStore(path)
	for key, want := range map[string]string{"server.port": "4300", "completion.temperature": "0.7", "log.level": "debug"} {
		if got, ok := st.Lookup(key); !ok || got != want {
			t.Errorf("Lookup(%q) = %q, %v; want %q", key, got, ok, want)
		}
	}
	if _, ok := st.Lookup("chat"); ok {
		t.Error("nested value should be ignored")
	}

	if err := st.Set("log.level", ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := st.Set("metadata.ttl", "2m"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	reopened := openFileStore(path)
	if _, ok := reopened.Lookup("log.level"); ok {
		t.Error("empty Set should remove the key")
	}
	if v, _ := reopened.Lookup("metadata.ttl"); v != "2m" {
		t.Errorf("metadata.ttl = %q", v)
	}
	if v, _ := reopened.Lookup("server.port"); v != "4300" {
		t.Errorf("server.port = %q after rewrite", v)
	}

	missing := openFileStore(filepath.Join(t.TempDir(), "absent.json"))
	if _, ok := missing.Lookup("server.port"); ok {
		t.Error("absent file should be empty")
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Completion.APIKey = "sk-secret"
	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Value, "sk-secret") {
			t.Fatalf("secret leaked in %s", k.Key)
		}
		if k.Key == "completion.api_key" && k.Value != "(set)" {
			t.Errorf("api key shown as %q", k.Value)
		}
		if k.Key == "backend.service_key" && k.Value != "(unset)" {
			t.Errorf("service key shown as %q", k.Value)
		}
	}
	for _, k := range ValidKeys() {
		if k == "completion.api_key" {
			t.Error("secret listed as settable key")
		}
	}
}

func TestSessionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crmgate", "secrets.json")
	sf := &SessionFile{Path: path}

	if _, err := sf.Load(); !errors.Is(err, auth.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	want := auth.Session{AccessToken: "a.b.c", RefreshToken: "rt", UserID: "u-1", ExpiresAt: time.Unix(1900000000, 0).UTC()}
	if err := sf.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, %v", info.Mode().Perm(), err)
	}

	got, err := sf.Load()
	if err != nil || got.AccessToken != want.AccessToken || got.RefreshToken != "rt" || !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("Load = %+v, %v", got, err)
	}

	// Other secrets in the file survive a Clear.
	if err := (secretFile{path: path}).Set(secretService, "completion.api_key", "sk"); err != nil {
		t.Fatal(err)
	}
	if err := sf.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := sf.Load(); !errors.Is(err, auth.ErrNoSession) {
		t.Errorf("session survived Clear: %v", err)
	}
	if v, err := (secretFile{path: path}).Get(secretService, "completion.api_key"); err != nil || v != "sk" {
		t.Errorf("api key = %q, %v", v, err)
	}
	if err := sf.Clear(); err != nil {
		t.Errorf("second Clear: %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("CRMGATE_DOTENV_PROBE=from-file\nCRMGATE_DOTENV_KEEP=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CRMGATE_DOTENV_KEEP", "from-env")
	t.Cleanup(func() { os.Unsetenv("CRMGATE_DOTENV_PROBE") })

	loadDotEnv(path)
	if got := os.Getenv("CRMGATE_DOTENV_PROBE"); got != "from-file" {
		t.Errorf("probe = %q", got)
	}
	if got := os.Getenv("CRMGATE_DOTENV_KEEP"); got != "from-env" {
		t.Errorf(".env overrode the environment: %q", got)
	}

	loadDotEnv(filepath.Join(t.TempDir(), "missing.env"))
}
