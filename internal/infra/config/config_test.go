package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validYAML() string {
	return `
nodes:
  a: {url: "https://a.paracord.test", admin_token: "adm-a"}
  b: {url: "https://b.paracord.test", admin_token: "adm-b"}
  c: {url: "https://c.paracord.test", admin_token: "adm-c"}
federation:
  read_token: "read-tok"
skip_security_negatives: true
`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML()))
	require.NoError(t, err)

	assert.Equal(t, DefaultPassword, cfg.Auth.Password)
	assert.Equal(t, 5*time.Minute, cfg.Federation.FreshnessWindow)
	assert.Equal(t, "http://localhost:1420", cfg.Gateway.Origin)
	assert.Equal(t, 12*time.Second, cfg.Gateway.ConnectTimeout)
	assert.Equal(t, 25*time.Second, cfg.Gateway.ReadyTimeout)
	assert.Equal(t, 20*time.Second, cfg.Gateway.DispatchTimeout)
	assert.Equal(t, "https://a.paracord.test", cfg.Nodes.A.URL)
}

func TestLoadMissingFileUsesEnvOnly(t *testing.T) {
	t.Setenv("PARAVAL_NODE_A_URL", "https://a.test")
	t.Setenv("PARAVAL_NODE_B_URL", "https://b.test")
	t.Setenv("PARAVAL_NODE_C_URL", "https://c.test")
	t.Setenv("PARAVAL_ADMIN_A_TOKEN", "x")
	t.Setenv("PARAVAL_ADMIN_B_TOKEN", "y")
	t.Setenv("PARAVAL_ADMIN_C_TOKEN", "z")
	t.Setenv("PARAVAL_FEDERATION_READ_TOKEN", "rt")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err, "env-only config without signer must still fail security-negative validation")
	_ = cfg

	t.Setenv("PARAVAL_READ_ORIGIN", "a.test")
	t.Setenv("PARAVAL_READ_KEY_ID", "k1")
	t.Setenv("PARAVAL_READ_SIGNING_KEY_HEX", "00")

	cfg, err = Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "https://a.test", cfg.Nodes.A.URL)
	assert.Equal(t, "rt", cfg.Federation.ReadToken)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("PARAVAL_ADMIN_A_TOKEN", "from-env")
	t.Setenv("PARAVAL_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, validYAML()))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Nodes.A.AdminToken)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestValidateRejectsMissingNode(t *testing.T) {
	cfg := Defaults()
	cfg.Nodes.A = NodeConfig{URL: "https://a.test", AdminToken: "x"}
	cfg.Nodes.B = NodeConfig{URL: "https://b.test", AdminToken: "y"}
	// C missing entirely.
	cfg.Federation.ReadToken = "rt"
	cfg.SkipSecurityNegatives = true

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nodes.c")
}

func TestValidateRejectsNonHTTPURL(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML()))
	require.NoError(t, err)
	cfg.Nodes.B.URL = "ftp://b.test"
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsIncompleteSigner(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML()))
	require.NoError(t, err)
	cfg.Federation.ReadOrigin = "a.test"
	// key id and seed missing

	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read_key_id")
	assert.Contains(t, err.Error(), "signing_key_hex")
}

func TestValidateRequiresSignerForNegatives(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML()))
	require.NoError(t, err)
	cfg.SkipSecurityNegatives = false

	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "security negatives")
}

func TestValidateRejectsBadEnums(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML()))
	require.NoError(t, err)

	cfg.Logger.Format = "xml"
	assert.Error(t, Validate(cfg))
	cfg.Logger.Format = "json"

	cfg.Tracer.Exporter = "jaeger"
	assert.Error(t, Validate(cfg))
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "nodes: [not a map"))
	assert.Error(t, err)
}
