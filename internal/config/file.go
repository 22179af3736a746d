package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// keyStore holds the persistent, non-secret keys written by
// `crmgate config set`. Values are kept in their textual form and parsed by
// the key's spec on load.
type keyStore interface {
	Lookup(key string) (string, bool)
	Set(key, value string) error
}

// fileStore is a keyStore backed by a flat JSON object at
// $XDG_CONFIG_HOME/crmgate/config.json. Hand-edited numbers and booleans
// are accepted and read back in decimal form.
type fileStore struct {
	path   string
	values map[string]string
}

func openFileStore(path string) *fileStore {
	s := &fileStore{path: path, values: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", path, err)
		}
		return s
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", path, err)
		return s
	}
	for k, v := range raw {
		switch v := v.(type) {
		case string:
			s.values[k] = v
		case float64:
			s.values[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			s.values[k] = strconv.FormatBool(v)
		default:
			fmt.Fprintf(os.Stderr, "[WARN] ignoring config key %s in %s: unsupported value %v\n", k, path, v)
		}
	}
	return s
}

func (s *fileStore) Lookup(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Set persists value under key; an empty value removes the key.
func (s *fileStore) Set(key, value string) error {
	if value == "" {
		delete(s.values, key)
	} else {
		s.values[key] = value
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// xdgDir returns the directory named by env, falling back to rel under the
// home directory and finally to the working directory.
func xdgDir(env, rel string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, rel)
	}
	return "."
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "crmgate", "config.json")
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "crmgate")
}

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

func secretHint() string {
	return ". Set them via environment variables or " + secretsFilePath()
}
