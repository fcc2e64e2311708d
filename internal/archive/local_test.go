package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalSave(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(dir)
	require.NoError(t, err)

	name := ObjectName("run-1", "42", "paint", time.Unix(1700000000, 0))
	require.NoError(t, l.Save(context.Background(), name, []byte(`{"reason":"schema_drift"}`)))

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
	require.NoError(t, err)
	require.JSONEq(t, `{"reason":"schema_drift"}`, string(data))
}

func TestLocalRejectsEscapingNames(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	require.Error(t, l.Save(context.Background(), "../outside", []byte("x")))
	require.Error(t, l.Save(context.Background(), "/etc/passwd", []byte("x")))
}

func TestNewLocalCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "snapshots")
	_, err := NewLocal(dir)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
