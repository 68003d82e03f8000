//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

func dataHome() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return ""
		}
	}
	return dir
}

func defaultDataDir() string {
	dir := dataHome()
	if dir == "" {
		return "respond-data"
	}
	return filepath.Join(dir, "respond")
}

func apiKeyHint() string {
	return " or `respond config set-key`"
}

// secretsFilePath is a 0600 JSON file of service -> account -> secret,
// standing in for a platform keychain.
func secretsFilePath() string {
	if p := os.Getenv("RESPOND_SECRETS_FILE"); p != "" {
		return p
	}
	dir := dataHome()
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "respond", "secrets.json")
}

type secretsFile map[string]map[string]string

func readSecrets(p string) (secretsFile, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var secrets secretsFile
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", p, err)
	}
	return secrets, nil
}

func keychainExec(service, account string) ([]byte, error) {
	secrets, err := readSecrets(secretsFilePath())
	if err != nil {
		return nil, fmt.Errorf("secret store not available: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret for %s/%s", service, account)
	}
	return []byte(val), nil
}

// keychainSet refuses to overwrite a secrets file it cannot parse.
func keychainSet(service, account, value string) error {
	p := secretsFilePath()

	secrets, err := readSecrets(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		secrets = make(secretsFile)
	case err != nil:
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	return os.Rename(tmp, p)
}
