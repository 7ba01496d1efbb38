package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadVersionFile(t *testing.T) {
	saved := Version
	t.Cleanup(func() { Version = saved })

	dir := t.TempDir()
	Version = "dev"
	assert.Equal(t, "dev", LoadVersionFile(dir).Version)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".version"), []byte("1.4.2\n"), 0644))
	info := LoadVersionFile(dir)
	assert.Equal(t, "1.4.2", info.Version)
	assert.Equal(t, "1.4.2 (build: "+Build+", commit: "+GitCommit+")", info.String())

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".version"), []byte("  \n"), 0644))
	assert.Equal(t, "1.4.2", LoadVersionFile(dir).Version)
}
