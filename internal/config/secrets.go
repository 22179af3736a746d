package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kalambet/crmgate/internal/auth"
)

const (
	secretService  = "crmgate"
	sessionAccount = "session"
)

// secretFile is a JSON map of service to account to value, kept with 0600
// permissions.
type secretFile struct {
	path string
}

func (f secretFile) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f secretFile) Get(service, account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

// Set stores value; an empty value removes the account.
func (f secretFile) Set(service, account, value string) error {
	secrets, err := f.read()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if value == "" {
		delete(secrets[service], account)
	} else {
		if secrets[service] == nil {
			secrets[service] = make(map[string]string)
		}
		secrets[service][account] = value
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// secretReader consults the platform keychain first, then the secrets file.
type secretReader struct{}

func (secretReader) Get(service, account string) (string, error) {
	if v, err := platformSecret(service, account); err == nil && v != "" {
		return v, nil
	}
	return secretFile{path: secretsFilePath()}.Get(service, account)
}

// SessionFile keeps the CLI's signed-in session in the secrets file. It
// implements auth.SessionStore.
type SessionFile struct {
	Path string
}

// NewSessionFile returns a SessionFile at the default secrets location.
func NewSessionFile() *SessionFile {
	return &SessionFile{Path: secretsFilePath()}
}

func (s *SessionFile) Load() (auth.Session, error) {
	raw, err := secretFile{path: s.Path}.Get(secretService, sessionAccount)
	if err != nil || raw == "" {
		return auth.Session{}, auth.ErrNoSession
	}
	var sess auth.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return auth.Session{}, fmt.Errorf("decoding stored session: %w", err)
	}
	if sess.AccessToken == "" {
		return auth.Session{}, auth.ErrNoSession
	}
	return sess, nil
}

func (s *SessionFile) Save(sess auth.Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return secretFile{path: s.Path}.Set(secretService, sessionAccount, string(b))
}

// Clear removes the stored session. Clearing an absent session is not an
// error.
func (s *SessionFile) Clear() error {
	return secretFile{path: s.Path}.Set(secretService, sessionAccount, "")
}
