package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `{"repositories": ["octo/hello"]}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "github_issues.db"), cfg.DatabasePath)
	assert.Equal(t, []string{"octo/hello"}, cfg.Repositories)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 50, cfg.Sync.PageSize)
	assert.Equal(t, 60*time.Second, cfg.Sync.Cooldown)
	assert.Zero(t, cfg.Sync.Interval)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 1024, cfg.Cache.Size)
	assert.Equal(t, "info", cfg.Log.Level)

	tenants, err := cfg.Tenants()
	require.NoError(t, err)
	require.Len(t, tenants, 1)
	assert.Equal(t, "octo", tenants[0].Owner)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"github_token": "from-file",
		"database_path": "postgres://mirror@localhost/mirror",
		"sync": {"cooldown": "2m", "use_graphql": true}
	}`)
	t.Setenv(EnvGithubToken, "from-env")
	t.Setenv(EnvWebhookSecret, "hook-secret")
	t.Setenv("ARGH_SYNC_PAGE_SIZE", "25")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.GitHubToken)
	assert.Equal(t, "hook-secret", cfg.WebhookSecret)
	assert.Equal(t, "postgres://mirror@localhost/mirror", cfg.DatabasePath, "DSNs are not made relative")
	assert.Equal(t, 2*time.Minute, cfg.Sync.Cooldown)
	assert.True(t, cfg.Sync.UseGraphQL)
	assert.Equal(t, 25, cfg.Sync.PageSize)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := map[string]string{
		"bad repository":  `{"repositories": ["nope"]}`,
		"unknown backend": `{"cache": {"backend": "memcached"}}`,
		"redis w/o url":   `{"cache": {"backend": "redis"}}`,
		"page too big":    `{"sync": {"page_size": 500}}`,
		"not json":        `{`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestCreateDefaultConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	require.NoError(t, CreateDefaultConfig(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"example/repo"}, cfg.Repositories)
	assert.Equal(t, 60*time.Second, cfg.Sync.Cooldown)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)

	cfg.Repositories = append(cfg.Repositories, "octo/hello")
	cfg.Sync.Cooldown = 90 * time.Second
	require.NoError(t, SaveConfig(cfg, path))

	// an existing file is left alone
	require.NoError(t, CreateDefaultConfig(path))
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"example/repo", "octo/hello"}, again.Repositories)
	assert.Equal(t, 90*time.Second, again.Sync.Cooldown)
}
