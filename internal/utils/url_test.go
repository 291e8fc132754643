package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"http://localhost:8080", true},
		{"https://backup.example.com/base", true},
		{"tcp://10.0.0.1:7070", true},
		{"localhost:8080", false},
		{"not a url", false},
		{"", false},
		{"/just/a/path", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidURL(tt.url))
		})
	}
}

func TestIsSupportedServerURL(t *testing.T) {
	assert.True(t, IsSupportedServerURL("http://localhost:8080"))
	assert.True(t, IsSupportedServerURL("WSS://host"))
	assert.True(t, IsSupportedServerURL("tcp://host:7070"))
	assert.False(t, IsSupportedServerURL("ftp://host"))
	assert.False(t, IsSupportedServerURL("host:7070"))
}
