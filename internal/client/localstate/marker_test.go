package localstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcsync/arcsync/internal/utils"
)

func TestMarkedPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a.txt", "a.conflict.txt"},
		{"dir/archive.tar.gz", "dir/archive.tar.conflict.gz"},
		{"Makefile", "Makefile.conflict"},
		{".bashrc", ".bashrc.conflict"},
		{"dir/.env", "dir/.env.conflict"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := MarkedPath(tt.in)
			assert.Equal(t, tt.want, got)
			assert.True(t, IsMarkedPath(got))
			assert.False(t, IsMarkedPath(tt.in))
		})
	}
	assert.True(t, IsMarkedPath("a.conflict.20250712234500.txt"))
	assert.False(t, IsMarkedPath("conflicts/a.txt"))
	assert.False(t, IsMarkedPath("a.conflicting.txt"))
}

func TestSetMarkerRotates(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(orig, []byte("v1"), 0o644))

	marked1, err := SetMarker(orig)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "file.conflict.txt"), marked1)
	assert.False(t, utils.FileExists(orig))

	require.NoError(t, os.WriteFile(orig, []byte("v2"), 0o644))
	marked2, err := SetMarker(orig)
	require.NoError(t, err)
	assert.Equal(t, marked1, marked2)

	data, err := os.ReadFile(marked2)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	rotated, err := filepath.Glob(filepath.Join(dir, "file.conflict.*.txt"))
	require.NoError(t, err)
	require.Len(t, rotated, 1)
	data, err = os.ReadFile(rotated[0])
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	_, err = SetMarker(orig)
	assert.Error(t, err)
}
