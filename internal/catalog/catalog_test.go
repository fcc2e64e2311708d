package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
stores:
  - id: "42"
    geo_hint: "30303"
  - id: "77"
    geo_hint: "10001"
targets:
  - store_id: "77"
    category_id: "tools"
    url: "https://retail.example/s/77/tools"
  - store_id: "42"
    category_id: "paint"
    url: "https://retail.example/s/42/paint"
  - store_id: "42"
    category_id: "garden"
    url: "https://retail.example/s/42/garden"
`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSortsTargets(t *testing.T) {
	cat, err := Load(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)
	require.Len(t, cat.Targets, 3)
	require.Equal(t, "42/garden", cat.Targets[0].Key())
	require.Equal(t, "42/paint", cat.Targets[1].Key())
	require.Equal(t, "77/tools", cat.Targets[2].Key())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsUnknownStore(t *testing.T) {
	body := `
stores:
  - id: "42"
targets:
  - store_id: "99"
    category_id: "paint"
    url: "https://retail.example/s/99/paint"
`
	_, err := Load(writeCatalog(t, body))
	require.ErrorContains(t, err, "unknown store")
}

func TestValidateRejectsDuplicateTarget(t *testing.T) {
	body := `
stores:
  - id: "42"
targets:
  - store_id: "42"
    category_id: "paint"
    url: "https://retail.example/s/42/paint"
  - store_id: "42"
    category_id: "paint"
    url: "https://retail.example/s/42/paint2"
`
	_, err := Load(writeCatalog(t, body))
	require.ErrorContains(t, err, "duplicate target")
}

func TestValidateRejectsEmptyCatalog(t *testing.T) {
	_, err := Load(writeCatalog(t, "stores: []\ntargets: []\n"))
	require.ErrorContains(t, err, "no targets")
}

func TestTargetsByStore(t *testing.T) {
	cat, err := Load(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)
	groups := cat.TargetsByStore()
	require.Len(t, groups, 2)
	require.Len(t, groups[0], 2)
	require.Equal(t, "42", groups[0][0].StoreID)
	require.Equal(t, "77", groups[1][0].StoreID)

	store, ok := cat.Store("77")
	require.True(t, ok)
	require.Equal(t, "10001", store.GeoHint)
}
