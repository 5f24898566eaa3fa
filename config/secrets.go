package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretStore resolves secret values by key.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	GetWithDefault(ctx context.Context, key, def string) string
}

// EnvironmentSecretStore reads secrets from environment variables. A variable
// named KEY_FILE takes precedence and points at a file holding the value, the
// convention used by container secret mounts.
type EnvironmentSecretStore struct{}

func NewEnvironmentSecretStore() *EnvironmentSecretStore { return &EnvironmentSecretStore{} }

func (EnvironmentSecretStore) Get(_ context.Context, key string) (string, error) {
	if path := os.Getenv(key + "_FILE"); path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator-supplied secret path
		if err != nil {
			return "", fmt.Errorf("read secret %s: %w", key, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	return "", fmt.Errorf("secret %s not set", key)
}

func (s EnvironmentSecretStore) GetWithDefault(ctx context.Context, key, def string) string {
	v, err := s.Get(ctx, key)
	if err != nil || v == "" {
		return def
	}
	return v
}

// LoadSecretsFromEnv fills credentials from the environment secret store,
// keeping current values for secrets that are not provided.
func (c *Config) LoadSecretsFromEnv(ctx context.Context) error {
	return c.LoadSecrets(ctx, NewEnvironmentSecretStore())
}

// LoadSecrets fills credentials from store and revalidates.
func (c *Config) LoadSecrets(ctx context.Context, store SecretStore) error {
	c.Storage.SQL.DSN = store.GetWithDefault(ctx, "PROGRESSKIT_SQL_DSN", c.Storage.SQL.DSN)
	c.Storage.Redis.Password = store.GetWithDefault(ctx, "PROGRESSKIT_REDIS_PASSWORD", c.Storage.Redis.Password)
	c.Webhooks.Secret = store.GetWithDefault(ctx, "PROGRESSKIT_WEBHOOK_SECRET", c.Webhooks.Secret)
	if keys := store.GetWithDefault(ctx, "PROGRESSKIT_SECURITY_API_KEYS", ""); keys != "" {
		c.Security.APIKeys = nil
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Security.APIKeys = append(c.Security.APIKeys, k)
			}
		}
	}
	return c.Validate()
}
