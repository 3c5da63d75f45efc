package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tofut/tredy/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("TREDY_STATE_DIR", t.TempDir())
	cfg, err := config.LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	return cfg
}

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		check      func(*config.Config) any
		want       any
		wantErr    bool
	}{
		{key: "client.base_url", value: "http://x:1", check: func(c *config.Config) any { return c.Client.BaseURL }, want: "http://x:1"},
		{key: "backend.port", value: "9090", check: func(c *config.Config) any { return c.Backend.Port }, want: 9090},
		{key: "backend.store", value: "file", check: func(c *config.Config) any { return c.Backend.Store }, want: "file"},
		{key: "provider.anthropic.model", value: "m", check: func(c *config.Config) any { return c.Provider["anthropic"].Model }, want: "m"},
		{key: "backend.port", value: "nope", wantErr: true},
		{key: "provider.anthropic", value: "x", wantErr: true},
		{key: "nosuch.key", value: "x", wantErr: true},
		{key: "client", value: "x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cfg := testConfig(t)
			err := setConfigValue(cfg, tt.key, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tt.check(cfg))
			assert.Equal(t, tt.want, getConfigValue(cfg, tt.key))
		})
	}
}

func TestMaskSecrets(t *testing.T) {
	cfg := testConfig(t)
	cfg.Client.APIKey = "sk-1234567890abcd"
	cfg.Provider["anthropic"] = config.ProviderConfig{APIKey: "short", Model: "m"}

	masked := maskSecrets(cfg)
	assert.Equal(t, "sk-1****abcd", masked.Client.APIKey)
	assert.Equal(t, "****", masked.Provider["anthropic"].APIKey)
	assert.Equal(t, "m", masked.Provider["anthropic"].Model)

	// The original is untouched.
	assert.Equal(t, "sk-1234567890abcd", cfg.Client.APIKey)
	assert.Equal(t, "short", cfg.Provider["anthropic"].APIKey)
	assert.Equal(t, "", maskToken(""))
}

func TestDetectProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider = map[string]config.ProviderConfig{}
	assert.Equal(t, "anthropic", detectProvider(cfg))

	cfg.Provider["eachlabs"] = config.ProviderConfig{APIKey: "k"}
	assert.Equal(t, "eachlabs", detectProvider(cfg))

	cfg.Backend.Provider = "openai"
	assert.Equal(t, "openai", detectProvider(cfg))
}

func TestNewProvider(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := testConfig(t)
	cfg.Provider["openrouter"] = config.ProviderConfig{APIKey: "or-key", Model: "some/model"}

	prov, err := newProvider(cfg, "openrouter")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", prov.Name())
	assert.Equal(t, "some/model", prov.Model())

	_, err = newProvider(cfg, "anthropic")
	assert.Error(t, err, "missing api key")

	_, err = newProvider(cfg, "nope")
	assert.Error(t, err)
}

func TestReadAttachment(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0644))
	raw := filepath.Join(dir, "blob")
	require.NoError(t, os.WriteFile(raw, []byte{1, 2}, 0644))

	att, err := readAttachment(txt)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", att.Name)
	assert.Equal(t, "text/plain", att.MIME)
	assert.Equal(t, []byte("hello"), att.Content)

	att, err = readAttachment(raw)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", att.MIME)

	_, err = readAttachment(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
