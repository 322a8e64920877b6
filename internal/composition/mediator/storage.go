package mediator

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	storagePassphraseEnv = "PALI_STORAGE_PASSPHRASE"

	DefaultDataDir = "data"
)

var ErrInsecureStorageKeyMode = errors.New("insecure storage key mode is forbidden in production")

// ResolveStorage normalizes the data dir and resolves the passphrase that
// encrypts the state stores.
func ResolveStorage(dataDir string) (resolvedDir, secret string, err error) {
	resolvedDir = strings.TrimSpace(dataDir)
	if resolvedDir == "" {
		resolvedDir = DefaultDataDir
	}
	secret, err = StoragePassphrase(resolvedDir)
	if err != nil {
		return "", "", err
	}
	return resolvedDir, secret, nil
}

// StoragePassphrase prefers the env secret, falls back to the key file, and
// auto-generates one on first run. Production refuses raw key files: the
// secret must come from the environment there.
func StoragePassphrase(dataDir string) (string, error) {
	if secret := strings.TrimSpace(os.Getenv(storagePassphraseEnv)); secret != "" {
		return secret, nil
	}
	keyPath := filepath.Join(dataDir, "storage.key")
	existing, err := os.ReadFile(keyPath)
	if err == nil {
		if secret := strings.TrimSpace(string(existing)); secret != "" {
			if policyErr := enforceStorageKeyPolicy(); policyErr != nil {
				return "", policyErr
			}
			return secret, nil
		}
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if policyErr := enforceStorageKeyPolicy(); policyErr != nil {
		return "", policyErr
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := base64.RawStdEncoding.EncodeToString(buf)
	if err := writeStorageKey(keyPath, secret); err != nil {
		return "", err
	}
	return secret, nil
}

func writeStorageKey(keyPath, secret string) error {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(keyPath, []byte(secret), 0o600)
}

func enforceStorageKeyPolicy() error {
	if !isProductionEnv() {
		return nil
	}
	return fmt.Errorf(
		"%w: set %s instead of relying on a raw storage.key file",
		ErrInsecureStorageKeyMode,
		storagePassphraseEnv,
	)
}

func isProductionEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("PALI_ENV"))) {
	case "prod", "production":
		return true
	default:
		return false
	}
}
