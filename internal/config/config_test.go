package config

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/server"
)

func setRequired(t *testing.T) {
	t.Setenv("OAUTH2__OAUTH__ISSUER", "https://auth.example.com")
	t.Setenv("OAUTH2__OAUTH__CONSENT_URL", "https://auth.example.com/consent")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.ListenAddr)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, StorageMemory, cfg.Storage.Type)
	assert.Equal(t, "/metrics", cfg.Telemetry.MetricsPath)

	sc := cfg.ServerConfig()
	def := server.DefaultConfig()
	assert.Equal(t, def.AuthRequestLifetime, sc.AuthRequestLifetime)
	assert.Equal(t, def.GrantLifetime, sc.GrantLifetime)
	assert.Equal(t, def.AccessTokenLifetime, sc.AccessTokenLifetime)
	assert.Equal(t, def.RefreshTokenLifetime, sc.RefreshTokenLifetime)
	assert.True(t, sc.RotateRefreshTokens)
	assert.NoError(t, sc.Validate())
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	setRequired(t)

	path := filepath.Join(t.TempDir(), "oauth2.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  listen_addr: ":9000"
oauth:
  access_token_lifetime: 15m
  refresh_token_lifetime: -1s
  default_scopes: [read]
  track_last_access: true
storage:
  type: redis
  redis:
    url: redis://localhost:6379/0
`), 0o600))

	// the environment wins over the file
	t.Setenv("OAUTH2__HTTP__LISTEN_ADDR", ":9100")
	t.Setenv("OAUTH2__RATE_LIMIT__RATE", "2.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.HTTP.ListenAddr)
	assert.Equal(t, 2.5, cfg.RateLimit.Rate)
	assert.Equal(t, StorageRedis, cfg.Storage.Type)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Storage.Redis.URL)

	sc := cfg.ServerConfig()
	assert.Equal(t, 15*time.Minute, sc.AccessTokenLifetime)
	assert.Negative(t, sc.RefreshTokenLifetime)
	assert.Equal(t, []string{"read"}, sc.DefaultScopes)
	assert.True(t, sc.TrackLastAccess)
}

func TestLoad_ScopesFromEnvironment(t *testing.T) {
	setRequired(t)
	t.Setenv("OAUTH2__OAUTH__DEFAULT_SCOPES", "read,write")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, cfg.OAuth.DefaultScopes)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing issuer", map[string]string{"OAUTH2__OAUTH__CONSENT_URL": "https://c.example.com"}},
		{"unknown storage", map[string]string{"OAUTH2__STORAGE__TYPE": "sqlite"}},
		{"redis without url", map[string]string{"OAUTH2__STORAGE__TYPE": "redis"}},
		{"postgres without dsn", map[string]string{"OAUTH2__STORAGE__TYPE": "postgres"}},
		{"negative grant lifetime", map[string]string{"OAUTH2__OAUTH__GRANT_LIFETIME": "-1m"}},
		{"unknown trace exporter", map[string]string{"OAUTH2__TELEMETRY__TRACES_EXPORTER": "jaeger"}},
		{"rate without burst", map[string]string{"OAUTH2__RATE_LIMIT__BURST": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name != "missing issuer" {
				setRequired(t)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	setRequired(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_HandlerConfig(t *testing.T) {
	setRequired(t)
	t.Setenv("OAUTH2__OAUTH__IDENTITY_HEADER", "X-User")

	cfg, err := Load("")
	require.NoError(t, err)

	hc := cfg.HandlerConfig()
	require.NoError(t, hc.Validate())
	assert.Equal(t, "https://auth.example.com/consent", hc.ConsentURL)

	req := httptest.NewRequest("POST", "/oauth/grant", nil)
	req.Header.Set("X-User", "user-42")
	identity, err := hc.Identity(req)
	require.NoError(t, err)
	assert.Equal(t, "user-42", identity)
}

func TestTransformEnv(t *testing.T) {
	assert.Equal(t, "http.listen_addr", transformEnv("OAUTH2__HTTP__LISTEN_ADDR"))
	assert.Equal(t, "storage.redis.key_prefix", transformEnv("OAUTH2__STORAGE__REDIS__KEY_PREFIX"))
}
