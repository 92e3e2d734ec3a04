package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/concierge/internal/config"
	"github.com/nainya/concierge/internal/logger"
	"github.com/nainya/concierge/pkg/audit"
	"github.com/nainya/concierge/pkg/conversation"
	"github.com/nainya/concierge/pkg/identity"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	cmd := rootCmd()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["warm"])
	assert.True(t, names["version"])
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestNewVerifierStaticTokensOutsideProduction(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.StaticTokens = map[string]string{"qa-token": "00u-qa"}

	v, err := newVerifier(cfg, logger.Nop())
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), "qa-token")
	require.NoError(t, err)
	assert.Equal(t, identity.Identity("00u-qa"), id)
}

func TestNewVerifierIgnoresStaticTokensInProduction(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Env = "production"
	cfg.Auth.StaticTokens = map[string]string{"qa-token": "00u-qa"}

	_, err := newVerifier(cfg, logger.Nop())
	assert.Error(t, err)

	cfg.Auth.OktaDomain = "dev-123.okta.com"
	v, err := newVerifier(cfg, logger.Nop())
	require.NoError(t, err)
	_, isChain := v.(identity.Chain)
	assert.False(t, isChain, "only the Okta verifier should remain")
}

func TestNewConversationStoreDefaultsToMemory(t *testing.T) {
	store, err := newConversationStore(config.DefaultConfig(), nil)
	require.NoError(t, err)
	assert.IsType(t, &conversation.MemoryStore{}, store)
}

func TestNewConversationStoreRejectsBadConsistency(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "cassandra"
	cfg.Cassandra.Consistency = "SOMETIMES"

	_, err := newConversationStore(cfg, nil)
	assert.ErrorContains(t, err, "cassandra.consistency")
}

func TestNewAuditSinkWithoutNATS(t *testing.T) {
	sink, err := newAuditSink(config.DefaultConfig(), logger.Nop())
	require.NoError(t, err)
	assert.IsType(t, &audit.LogSink{}, sink)
}

func writeWarmConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "concierge.yaml")
	body := `env: development
auth:
  static_tokens:
    dev-token: 00u-dev
corpus:
  source: file
  dir: ` + filepath.Join(dir, "events") + `
pipeline:
  supported_cities: [paris, austin]
log:
  level: error
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "events"), 0o755))
	return path
}

func TestWarmCommand(t *testing.T) {
	t.Setenv("CONCIERGE_ENV", "development")
	dir := t.TempDir()
	cfgPath := writeWarmConfig(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events", "paris.json"),
		[]byte(`[{"id":"p1","title":"Nuit Blanche"}]`), 0o644))

	cmd := rootCmd()
	cmd.SetArgs([]string{"warm", "--config", cfgPath})
	err := cmd.Execute()
	assert.ErrorContains(t, err, "1 of 2 cities failed")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "events", "austin.json"),
		[]byte(`{"events":[{"id":"a1","title":"Bat Watch"}]}`), 0o644))
	cmd = rootCmd()
	cmd.SetArgs([]string{"warm", "--config", cfgPath})
	assert.NoError(t, cmd.Execute())
}

func TestWarmCommandRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("quota:\n  backend: etcd\n"), 0o644))

	cmd := rootCmd()
	cmd.SetArgs([]string{"warm", "--config", path})
	assert.ErrorContains(t, cmd.Execute(), "invalid configuration")
}
