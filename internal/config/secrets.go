package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const apiTokenAccount = "api_token"

// ErrSecretNotFound is returned when a secret has never been stored.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore persists named secrets outside the config file.
type SecretStore interface {
	Get(account string) (string, error)
	Set(account, value string) error
}

// secretsFile keeps secrets in a 0600 YAML file under the data directory.
type secretsFile struct {
	path string
}

func NewSecretsFile() SecretStore {
	return &secretsFile{path: filepath.Join(defaultDataDir(), "secrets.yaml")}
}

func (s *secretsFile) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	secrets := map[string]string{}
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (s *secretsFile) Get(account string) (string, error) {
	secrets, err := s.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[account]
	if !ok || v == "" {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (s *secretsFile) Set(account, value string) error {
	secrets, err := s.read()
	if err != nil {
		return err
	}
	secrets[account] = value

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := yaml.Marshal(secrets)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}

// GetAPIToken returns the bearer token from MATERIALITY_API_TOKEN or the
// secret store, generating and storing one on first use.
func GetAPIToken(store SecretStore) (string, error) {
	for _, s := range specs {
		if s.key == "api.token" {
			if v := os.Getenv(s.env); v != "" {
				return v, nil
			}
		}
	}

	tok, err := store.Get(apiTokenAccount)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := store.Set(apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
