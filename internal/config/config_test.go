package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Crawl.MaxWorkers)
	require.Equal(t, 15, cfg.Crawl.CheckIntervalSeconds)
	require.Equal(t, 24, cfg.Session.PageSize)
	require.Equal(t, 0.25, cfg.Ingest.PriceDropPct)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
crawl:
  max_workers: 2
session:
  root_url: https://shop.example/
  page_size: 48
ingest:
  price_drop_pct: 0.1
  absolute_drops:
    paint: 5.0
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Crawl.MaxWorkers)
	require.Equal(t, "https://shop.example/", cfg.Session.RootURL)
	require.Equal(t, 48, cfg.Session.PageSize)
	require.Equal(t, 0.1, cfg.Ingest.PriceDropPct)
	require.Equal(t, 5.0, cfg.Ingest.AbsoluteDrops["paint"])
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Crawl.MaxWorkers = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Session.PacingMinMs = 500
	bad.Session.PacingMaxMs = 100
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Ingest.PriceDropPct = 1.5
	require.Error(t, bad.Validate())

	bad = cfg
	bad.PubSub.TopicName = "alerts"
	require.Error(t, bad.Validate(), "topic without project must be rejected")
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
