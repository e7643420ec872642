package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPathAppliesDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 30, cfg.Dispatch.DefaultTimeoutSeconds)
	assert.Equal(t, 1800, cfg.Terminal.SessionTimeoutSeconds)
	assert.Equal(t, []string{"mock-web-01", "mock-db-01", "mock-dc-01"}, cfg.MockAgents.IDs)
	assert.NotEmpty(t, cfg.Auth.JWTSecret, "dev secret should be auto-generated when unset")
}

func TestLoadWithPathEnvOverride(t *testing.T) {
	t.Setenv("FLEET_SERVER_PORT", "9999")
	t.Setenv("FLEET_DATABASE_DRIVER", "postgres")
	t.Setenv("FLEET_DATABASE_USER", "fleet")
	t.Setenv("FLEET_DATABASE_DBNAME", "fleetdb")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoadWithPathDatabaseURLEnvAlias(t *testing.T) {
	t.Setenv("DATABASE_URL", "/var/lib/fleetctl/custom.db")
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/fleetctl/custom.db", cfg.Database.Path)
}

func TestLoadWithPathInvalidPortFails(t *testing.T) {
	t.Setenv("FLEET_SERVER_PORT", "0")
	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestLoadWithPathInvalidDatabaseDriverFails(t *testing.T) {
	t.Setenv("FLEET_DATABASE_DRIVER", "oracle")
	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
}

func TestLoadWithPathPostgresRequiresUserAndDBName(t *testing.T) {
	t.Setenv("FLEET_DATABASE_DRIVER", "postgres")
	t.Setenv("FLEET_DATABASE_USER", "")
	t.Setenv("FLEET_DATABASE_DBNAME", "")
	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.user")
	assert.Contains(t, err.Error(), "database.dbName")
}

func TestLoadWithPathInvalidLogLevelFails(t *testing.T) {
	t.Setenv("FLEET_LOGGING_LEVEL", "verbose")
	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

// TestDefaultTimeoutClamps checks both edges of the [1s, 300s] bound.
func TestDefaultTimeoutClamps(t *testing.T) {
	cases := []struct {
		secs int
		want time.Duration
	}{
		{0, time.Second},
		{-10, time.Second},
		{1, time.Second},
		{30, 30 * time.Second},
		{300, 300 * time.Second},
		{1000, 300 * time.Second},
	}
	for _, tc := range cases {
		d := DispatchConfig{DefaultTimeoutSeconds: tc.secs}
		assert.Equal(t, tc.want, d.DefaultTimeout())
	}
}

func TestDurationHelpers(t *testing.T) {
	s := ServerConfig{ReadTimeout: 15, WriteTimeout: 20}
	assert.Equal(t, 15*time.Second, s.ReadTimeoutDuration())
	assert.Equal(t, 20*time.Second, s.WriteTimeoutDuration())

	term := TerminalConfig{SessionTimeoutSeconds: 1800, SweepIntervalSeconds: 60}
	assert.Equal(t, 1800*time.Second, term.SessionTimeout())
	assert.Equal(t, 60*time.Second, term.SweepInterval())

	lv := LivenessConfig{OnlineThresholdSeconds: 30, WarningThresholdSeconds: 60, OfflineThresholdSeconds: 90}
	assert.Equal(t, 30*time.Second, lv.OnlineThreshold())
	assert.Equal(t, 60*time.Second, lv.WarningThreshold())
	assert.Equal(t, 90*time.Second, lv.OfflineThreshold())

	auth := AuthConfig{TokenDuration: 3600}
	assert.Equal(t, time.Hour, auth.TokenDurationTime())

	disp := DispatchConfig{PendingRetentionSeconds: 300}
	assert.Equal(t, 5*time.Minute, disp.PendingRetention())
}

func TestDatabaseConfigDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db.internal", Port: 5432, User: "fleet", Password: "secret", DBName: "fleetdb", SSLMode: "disable"}
	assert.Equal(t, "host=db.internal port=5432 user=fleet password=secret dbname=fleetdb sslmode=disable", d.DSN())
}
