package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandConfigDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	expanded, err := ExpandConfigDir("~/.kirobox")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".kirobox"), expanded)

	expanded, err = ExpandConfigDir("~")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(home), expanded)

	expanded, err = ExpandConfigDir("")
	require.NoError(t, err)
	assert.Empty(t, expanded)

	abs, err := ExpandConfigDir("relative/dir")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(abs))
}
