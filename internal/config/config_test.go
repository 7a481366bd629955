package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willibrandon/dbnav/internal/profile"
)

const sampleConfig = `
profiles:
  - name: dev
    driver: postgres
    host: localhost
    database: app
    user: alice
    password_env: DEV_PW
  - name: reporting
    driver: mysql
    host: 10.0.0.5
    database: sales
    user: reader
    read_only: true
    max_sessions: 2
    tunnel:
      host: bastion.example.com
      user: ops
      auth: key
      key_file: ~/.ssh/id_ed25519
  - name: local
    driver: sqlite
    database: /tmp/local.db
pool:
  max_sessions: 6
statement:
  prefetch: 64
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndProfiles(t *testing.T) {
	cfg, err := NewLoader(writeConfig(t, sampleConfig)).Load()
	require.NoError(t, err)

	require.Len(t, cfg.Profiles, 3)
	dev, ok := cfg.Profile("dev")
	require.True(t, ok)
	assert.Equal(t, profile.DriverPostgres, dev.Driver)
	assert.Equal(t, 5432, dev.Port)
	assert.Equal(t, "prefer", dev.SSLMode)

	rep, ok := cfg.Profile("reporting")
	require.True(t, ok)
	assert.Equal(t, 3306, rep.Port)
	assert.True(t, rep.ReadOnly)
	assert.Equal(t, 2, rep.MaxSessions)
	require.NotNil(t, rep.Tunnel)
	assert.Equal(t, 22, rep.Tunnel.Port)
	assert.Equal(t, profile.AuthKey, rep.Tunnel.Auth)

	assert.Equal(t, 6, cfg.Pool.MaxSessions)
	assert.Equal(t, 30*time.Second, cfg.Pool.LeaseTimeout)
	assert.Equal(t, 64, cfg.Statement.Prefetch)
	assert.Equal(t, 5*time.Second, cfg.Statement.CancelGrace)
	assert.Equal(t, 3, cfg.Tunnel.Retry().MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Connection.Retry().MaxDelay)
	assert.Equal(t, 500, cfg.Export.BatchSize)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DBNAV_POOL_MAX_SESSIONS", "9")
	t.Setenv("DBNAV_LOG_LEVEL", "debug")

	cfg, err := NewLoader(writeConfig(t, sampleConfig)).Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Pool.MaxSessions)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "duplicate profile",
			body:    "profiles:\n  - {name: a, driver: sqlite, database: x.db}\n  - {name: a, driver: sqlite, database: y.db}\n",
			wantErr: "duplicate profile name",
		},
		{
			name:    "bad sslmode",
			body:    "profiles:\n  - {name: a, driver: postgres, host: h, sslmode: sometimes}\n",
			wantErr: "sslmode must be one of",
		},
		{
			name:    "zero pool",
			body:    "pool:\n  max_sessions: 0\n",
			wantErr: "pool.max_sessions",
		},
		{
			name:    "bad log level",
			body:    "log:\n  level: loud\n",
			wantErr: "log.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(writeConfig(t, tt.body)).Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWatchReportsChanges(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []*Config
	)
	l.Watch(func(cfg *Config, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		seen = append(seen, cfg)
		mu.Unlock()
	})

	updated := sampleConfig + "export:\n  batch_size: 42\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].Export.BatchSize == 42
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 42, l.Current().Export.BatchSize)
}
