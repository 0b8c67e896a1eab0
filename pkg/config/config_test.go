package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/aaa/pkg/nas"
	"github.com/codelaboratoryltd/aaa/pkg/subscriber"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  auth_address: ":11812"
  acct_address: ":11813"
  max_in_flight: 64
rate_limit:
  max_tokens: 100
  refill_rate: 10
coa:
  timeout: 5s
  retries: 2
nas_cache_ttl: 2m
metrics_address: ":9100"
redis:
  addr: "127.0.0.1:6379"
  key_prefix: "edge1:"
nas:
  - id: nas-1
    tenant_id: tenant-a
    name: core-router
    address: 203.0.113.10
    vpn_address: 10.8.0.10
    secret: s3cret
    coa_port: 1700
subscribers:
  - id: sub-1
    tenant_id: tenant-a
    username: alice
    password: hunter2
    status: active
    plan:
      name: fiber-10
      download_mbps: 10
      upload_mbps: 5
      data_cap_bytes: 10737418240
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":11812", cfg.Server.AuthAddress)
	assert.Equal(t, ":11813", cfg.Server.AcctAddress)
	assert.Equal(t, 64, cfg.Server.MaxInFlight)
	assert.Equal(t, float64(100), cfg.RateLimit.MaxTokens)
	assert.Equal(t, 5*time.Second, cfg.CoA.Timeout)
	assert.Equal(t, 2*time.Minute, cfg.NASCacheTTL)
	assert.Equal(t, ":9100", cfg.MetricsAddress)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, "edge1:", cfg.Redis.KeyPrefix)

	require.Len(t, cfg.NAS, 1)
	assert.Equal(t, "nas-1", cfg.NAS[0].ID)
	assert.Equal(t, "10.8.0.10", cfg.NAS[0].VPNAddress)
	assert.Equal(t, 1700, cfg.NAS[0].CoAPort)

	require.Len(t, cfg.Subscribers, 1)
	assert.Equal(t, "alice", cfg.Subscribers[0].Username)
	assert.Equal(t, "hunter2", cfg.Subscribers[0].Password)
	require.NotNil(t, cfg.Subscribers[0].Plan)
	assert.Equal(t, uint64(10737418240), cfg.Subscribers[0].Plan.DataCapBytes)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":1812", cfg.Server.AuthAddress)
	assert.Equal(t, ":1813", cfg.Server.AcctAddress)
	assert.Equal(t, ":9090", cfg.MetricsAddress)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := writeConfig(t, "nas: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"nas missing id", func(c *Config) {
			c.NAS = append(c.NAS, &nas.Record{Address: "1.2.3.4", Secret: "x"})
		}, true},
		{"nas missing address", func(c *Config) {
			c.NAS = append(c.NAS, &nas.Record{ID: "n", Secret: "x"})
		}, true},
		{"nas missing secret", func(c *Config) {
			c.NAS = append(c.NAS, &nas.Record{ID: "n", Address: "1.2.3.4"})
		}, true},
		{"subscriber missing username", func(c *Config) {
			c.Subscribers = append(c.Subscribers, &subscriber.Record{})
		}, true},
		{"negative ttl", func(c *Config) { c.NASCacheTTL = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
