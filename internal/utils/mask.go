package utils

import "strings"

const maskSuffix = "*****"

// MaskSecret hides a secret for display. Only secrets of at least 12
// characters show their first four.
func MaskSecret(s string) string {
	if len(s) < 12 {
		return maskSuffix
	}
	return s[:4] + maskSuffix
}

// MaskURL hides the password of a URL with user info.
func MaskURL(s string) string {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return s
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return s
	}
	if user, _, hasPass := strings.Cut(userinfo, ":"); hasPass {
		return scheme + "://" + user + ":" + maskSuffix + "@" + host
	}
	return s
}
