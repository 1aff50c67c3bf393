package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("empty path yields defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		require.Equal(t, "localhost:8090", cfg.Listen)
		require.Equal(t, "memory", cfg.Store.Type)
		require.Equal(t, "soft", cfg.Backend.Type)
		require.Equal(t, time.Hour, cfg.SAD.JWKSTTL.Std())
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := writeConfig(t, `
listen: 0.0.0.0:9000
store:
  type: postgres
  conn_string: postgres://localhost/rqes
sad:
  issuer: https://authz.example.com
  audience: rqes
  jwks_url: https://authz.example.com/.well-known/jwks.json
key_pool:
  max_key_generation: 4
  reserve_ttl: 2m
`)

		cfg, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, "0.0.0.0:9000", cfg.Listen)
		require.Equal(t, "postgres", cfg.Store.Type)
		require.Equal(t, 4, cfg.KeyPool.MaxKeyGeneration)
		require.Equal(t, 2*time.Minute, cfg.KeyPool.ReserveTTL.Std())
		require.NoError(t, cfg.Validate())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load("/nonexistent/config.yaml")
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "listen: [unclosed")
		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg, _ := Load("")
		cfg.SAD.Issuer = "https://authz.example.com"
		cfg.SAD.Audience = "rqes"
		cfg.SAD.JWKSURL = "https://authz.example.com/.well-known/jwks.json"
		return cfg
	}

	t.Run("defaults plus SAD issuer pass", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	t.Run("postgres requires conn string", func(t *testing.T) {
		cfg := valid()
		cfg.Store.Type = "postgres"
		require.Error(t, cfg.Validate())
	})

	t.Run("pkcs11 requires module path", func(t *testing.T) {
		cfg := valid()
		cfg.Backend.Type = "pkcs11"
		require.Error(t, cfg.Validate())
	})

	t.Run("unknown store type", func(t *testing.T) {
		cfg := valid()
		cfg.Store.Type = "sqlite"
		require.Error(t, cfg.Validate())
	})

	t.Run("missing SAD issuer", func(t *testing.T) {
		cfg := valid()
		cfg.SAD.Issuer = ""
		require.Error(t, cfg.Validate())
	})
}
