package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every key; viper ignores empty variables, so defaults apply.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_SOURCE", "postgres://ledger@localhost/ledger")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.RunMigrations)
	assert.EqualValues(t, 10, cfg.DBMaxConns)
	assert.Equal(t, 5*time.Second, cfg.TxTimeout)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "1000", cfg.OpeningBalance.String())
	assert.Empty(t, cfg.SeedUsers)
	assert.Equal(t, "@every 10m", cfg.SweepSchedule)
	assert.Equal(t, 15*time.Minute, cfg.KeyStaleAfter)
	assert.Equal(t, 24*time.Hour, cfg.KeyTTL)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("TX_TIMEOUT", "750ms")
	t.Setenv("RUN_MIGRATIONS", "false")
	t.Setenv("OPENING_BALANCE", "250.50")
	t.Setenv("SEED_USERS", " alice, bob ,,carol ")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.IsDevelopment())
	assert.False(t, cfg.RunMigrations)
	assert.Equal(t, 750*time.Millisecond, cfg.TxTimeout)
	assert.Equal(t, "250.5", cfg.OpeningBalance.String())
	assert.Equal(t, []string{"alice", "bob", "carol"}, cfg.SeedUsers)
}

func TestLoad_ReadsDotEnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	content := "STORE_DRIVER=memory\nSERVER_PORT=7070\nSEED_USERS=dana\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600))

	// The environment still wins over the file.
	t.Setenv("SERVER_PORT", "6060")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, "6060", cfg.Port)
	assert.Equal(t, []string{"dana"}, cfg.SeedUsers)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"postgres without source": {"STORE_DRIVER": "postgres"},
		"unknown driver":          {"STORE_DRIVER": "sqlite"},
		"bad opening balance":     {"STORE_DRIVER": "memory", "OPENING_BALANCE": "lots"},
		"negative opening":        {"STORE_DRIVER": "memory", "OPENING_BALANCE": "-1"},
		"opening over limit":      {"STORE_DRIVER": "memory", "OPENING_BALANCE": "100000000000"},
		"zero pool":               {"STORE_DRIVER": "memory", "DB_MAX_CONNS": "0"},
		"stale before timeout":    {"STORE_DRIVER": "memory", "IDEMPOTENCY_STALE_AFTER": "1s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load(t.TempDir())
			require.Error(t, err)
		})
	}
}
