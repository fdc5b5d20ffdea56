package plugin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoverTreatsMissingDirectoryAsNoPlugins(t *testing.T) {
	paths, err := Discover("/nonexistent/gorcd-plugin-dir")
	require.NoError(t, err)
	require.Empty(t, paths)
}
