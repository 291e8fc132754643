package utils

import (
	"net/url"
	"slices"
	"strings"
)

var supportedSchemes = []string{"http", "https", "ws", "wss", "tcp"}

// IsValidURL reports whether s is an absolute URL with a host.
func IsValidURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

// IsSupportedServerURL reports whether s names a server a client can dial.
func IsSupportedServerURL(s string) bool {
	if !IsValidURL(s) {
		return false
	}
	u, _ := url.Parse(s)
	return slices.Contains(supportedSchemes, strings.ToLower(u.Scheme))
}
