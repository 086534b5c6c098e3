// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 9090
rates:
  url: https://example.test/rates.json
  refresh_interval: 6h
billing:
  location: Asia/Kuala_Lumpur
  premises:
    - id: house-a
      billing_day: 15
      tariff_mode: Time of Use
    - id: house-b
      billing_day: 1
      tariff_mode: standard
store:
  path: /tmp/nem.db
publisher:
  enabled: true
kafka:
  brokers: ["localhost:9092"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 6*time.Hour, cfg.Rates.RefreshInterval)
	assert.Equal(t, 10*time.Second, cfg.Rates.FetchTimeout, "default")
	require.Len(t, cfg.Billing.Premises, 2)
	assert.Equal(t, "house-a", cfg.Billing.Premises[0].ID)
	assert.Equal(t, 15, cfg.Billing.Premises[0].BillingDay)
	assert.Equal(t, "nem.bill-snapshots", cfg.Kafka.Topic)
	assert.Equal(t, 1024, cfg.Publisher.EventChannelCapacity)
	assert.Equal(t, 5, cfg.Publisher.Retry.MaxRetries)
	assert.Equal(t, 100, cfg.API.RateLimitPerSecond)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Kuala_Lumpur", loc.String())
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("SERVER_PORT", "7070")
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Rates:   RatesConfig{File: "rates.json"},
			Billing: BillingConfig{Location: "UTC", Premises: []PremiseConfig{{ID: "a", TariffMode: "standard"}}},
			Store:   StoreConfig{Path: "x.db"},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no rates source", func(c *Config) { c.Rates = RatesConfig{} }},
		{"bad location", func(c *Config) { c.Billing.Location = "Mars/Olympus" }},
		{"no premises", func(c *Config) { c.Billing.Premises = nil }},
		{"empty id", func(c *Config) { c.Billing.Premises[0].ID = "" }},
		{"duplicate id", func(c *Config) { c.Billing.Premises = append(c.Billing.Premises, PremiseConfig{ID: "a"}) }},
		{"bad tariff mode", func(c *Config) { c.Billing.Premises[0].TariffMode = "flat" }},
		{"no store", func(c *Config) { c.Store.Path = "" }},
		{"publisher without brokers", func(c *Config) {
			c.Publisher = PublisherConfig{Enabled: true, EventChannelCapacity: 1, NumWorkers: 1}
			c.Kafka.Topic = "t"
		}},
		{"publisher without workers", func(c *Config) {
			c.Publisher = PublisherConfig{Enabled: true, EventChannelCapacity: 1}
			c.Kafka = KafkaConfig{Brokers: []string{"b"}, Topic: "t"}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
