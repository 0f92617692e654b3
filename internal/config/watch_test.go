package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
admission:
  maxSSEConnections: 50
`), 0644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	assert.Equal(t, 50, w.Current().Admission.MaxSSEConnections)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`
admission:
  maxSSEConnections: 99
`), 0644))

	require.Eventually(t, func() bool {
		return w.Current().Admission.MaxSSEConnections == 99
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatcher_EmptyPathNeverReloads(t *testing.T) {
	w, err := NewWatcher("")
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Close()
	assert.Equal(t, Default().Admission, w.Current().Admission)
}
