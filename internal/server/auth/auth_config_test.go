package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "disabled", cfg: Config{}},
		{name: "valid", cfg: Config{Enabled: true, TokenIssuer: "arcsync", TokenSecret: testSecret, TokenExpiry: time.Hour}},
		{name: "missing issuer", cfg: Config{Enabled: true, TokenSecret: testSecret}, wantErr: "token_issuer"},
		{name: "short secret", cfg: Config{Enabled: true, TokenIssuer: "arcsync", TokenSecret: "short"}, wantErr: "token_secret"},
		{name: "negative expiry", cfg: Config{Enabled: true, TokenIssuer: "arcsync", TokenSecret: testSecret, TokenExpiry: -time.Second}, wantErr: "token_expiry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
