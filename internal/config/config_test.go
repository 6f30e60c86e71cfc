package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.APIURL, cfg.APIURL)
	assert.Equal(t, def.WSURL, cfg.WSURL)
	assert.Equal(t, 5, cfg.RequestTimeout)
	assert.Equal(t, 30, cfg.PageLimit)
	assert.Equal(t, 3500, cfg.FlashTimeoutMS)
}

func TestLoadOverridesOnlyProvidedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"api_url":"https://chat.example/api/","page_limit":15,"store":"sqlite","store_path":""}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example/api/", cfg.APIURL)
	assert.Equal(t, 15, cfg.PageLimit)
	assert.Equal(t, DefaultConfig().WSURL, cfg.WSURL)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, "storage.db", filepath.Base(cfg.StorePath))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", loaded.LogLevel)
}

func TestLoadEnvOverlay(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("WINICHAT_WS_URL=ws://chat.example/ws/session/\nWINICHAT_PAGE_LIMIT=12\n"), 0644))
	t.Cleanup(func() {
		os.Unsetenv("WINICHAT_WS_URL")
		os.Unsetenv("WINICHAT_PAGE_LIMIT")
	})
	t.Setenv("WINICHAT_LOG_LEVEL", "warn")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadEnv(envFile, filepath.Join(t.TempDir(), "absent.env")))

	assert.Equal(t, "ws://chat.example/ws/session/", cfg.WSURL)
	assert.Equal(t, 12, cfg.PageLimit)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestStorePassphrase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorePassphraseEnv = "WINICHAT_TEST_PASS"
	t.Setenv("WINICHAT_TEST_PASS", "hunter2")
	assert.Equal(t, "hunter2", cfg.StorePassphrase())

	cfg.StorePassphraseEnv = ""
	assert.Empty(t, cfg.StorePassphrase())
}
