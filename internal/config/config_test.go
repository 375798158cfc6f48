package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpmirror/pkg/domain"
)

const sampleYAML = `
mapping:
  proxy: proxy.example
  origin: origin.example
  tokens:
    - name: vendor
      origin: AA5vcmlnaW4uZXhhbXBsZQ==
      proxy: AA1wcm94eS5leGFtcGxl
session:
  direction: toward_proxy
  concurrency: 4
patterns:
  - url: "*.js"
    resource_type: script
    stage: response
transform:
  steps:
    - type: validate
    - type: replace
      search: debugger;
      replace: ""
      all: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cdpmirror.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_FileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "proxy.example", cfg.Mapping.Proxy)
	assert.Equal(t, "https", cfg.Mapping.Scheme)
	assert.Equal(t, 4, cfg.Session.Concurrency)
	assert.Equal(t, 5000, cfg.Session.ProcessTimeoutMS)
	require.Len(t, cfg.Patterns, 1)
	assert.Equal(t, domain.ResourceScript, cfg.Patterns[0].ResourceType)
	require.Len(t, cfg.Transform.Steps, 2)
	assert.True(t, cfg.Transform.Steps[1].All)
	require.Len(t, cfg.Mapping.Tokens, 1)
	assert.NotEmpty(t, cfg.HeaderRules)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CDPMIRROR_LOG_LEVEL", "warn")
	t.Setenv("CDPMIRROR_SESSION_CONCURRENCY", "9")
	t.Setenv("CDPMIRROR_DEVTOOLS_URL", "http://127.0.0.1:9333")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 9, cfg.Session.Concurrency)
	assert.Equal(t, "http://127.0.0.1:9333", cfg.DevTools.URL)
}

func TestValidate(t *testing.T) {
	cfg := NewConfig()
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg.Mapping.Proxy = "same.example"
	cfg.Mapping.Origin = "same.example"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg.Mapping.Origin = "origin.example"
	require.NoError(t, cfg.Validate())

	cfg.HeaderRules = append(cfg.HeaderRules, HeaderRuleConfig{Path: "/x", Header: "X-Frame-Options", Action: "set"})
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_Direction(t *testing.T) {
	cfg := NewConfig()
	cfg.Mapping.Proxy = "proxy.example"
	cfg.Mapping.Origin = "origin.example"

	for _, d := range []string{"toward_origin", "Toward_Proxy", "origin", ""} {
		cfg.Session.Direction = d
		assert.NoError(t, cfg.Validate(), d)
	}
	cfg.Session.Direction = "toward-origin"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}

func TestRead_SkipsMappingValidation(t *testing.T) {
	p := writeConfig(t, "sqlite:\n  dsn: journal.sqlite3\n")

	_, err := Load(p)
	assert.ErrorIs(t, err, ErrInvalid)

	cfg, err := Read(p)
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateStorage())
	assert.Equal(t, "journal.sqlite3", cfg.Sqlite.Dsn)

	cfg.Sqlite.Dsn = " "
	assert.ErrorIs(t, cfg.ValidateStorage(), ErrInvalid)
}
