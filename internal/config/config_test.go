package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresSecrets(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ENCRYPTION_KEY", "")

	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "s")
	_, err = Load()
	assert.ErrorContains(t, err, "ENCRYPTION_KEY")
}

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	file := filepath.Join(dir, "chat.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
port = 9100
typing_window_ms = 1500
rsa_bits = 3072
cors_origins = ["https://chat.example"]
`), 0o600))

	t.Setenv("CHAT_CONFIG_FILE", file)
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ENCRYPTION_KEY", "key")
	t.Setenv("HTTP_PORT", "9200")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Port, "env wins over file")
	assert.Equal(t, 3072, cfg.RSABits)
	assert.Equal(t, 1500*time.Millisecond, cfg.TypingWindow())
	assert.Equal(t, []string{"https://chat.example"}, cfg.CORSOrigins)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, 365*24*time.Hour, cfg.KeyPairLifetime())
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	cfg.JWTSecret = "s"
	cfg.EncryptKey = "k"
	require.NoError(t, cfg.Validate())

	cfg.RSABits = 1024
	assert.Error(t, cfg.Validate())

	cfg = defaults()
	cfg.JWTSecret = "s"
	cfg.EncryptKey = "k"
	cfg.DBDriver = "mysql"
	assert.ErrorContains(t, cfg.Validate(), "unsupported")

	cfg.DBDriver = DriverPostgres
	assert.ErrorContains(t, cfg.Validate(), "DATABASE_URL")
}
