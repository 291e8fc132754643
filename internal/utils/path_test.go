package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	wd, err := os.Getwd()
	require.NoError(t, err)

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", wantErr: true},
		{in: "/srv/archive/../archive/", want: "/srv/archive"},
		{in: "~/docs", want: filepath.Join(home, "docs")},
		{in: "docs/./photos", want: filepath.Join(wd, "docs", "photos")},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ResolvePath(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnsureParentAndExists(t *testing.T) {
	tmp := t.TempDir()
	file := filepath.Join(tmp, "a", "b", "state.db")

	assert.False(t, DirExists(filepath.Dir(file)))
	require.NoError(t, EnsureParent(file))
	assert.True(t, DirExists(filepath.Dir(file)))
	assert.False(t, FileExists(file))

	require.NoError(t, os.WriteFile(file, nil, 0o600))
	assert.True(t, FileExists(file))
	assert.False(t, DirExists(file))
	assert.False(t, FileExists(filepath.Dir(file)), "a directory is not a file")

	// existing directories are left alone
	require.NoError(t, EnsureDir(filepath.Dir(file)))
}
