package service

import "testing"

// TestHealthPath проверяет выбор path для HTTP-проверки.
func TestHealthPath(t *testing.T) {
	tests := []struct {
		url      string
		expected string
	}{
		{"https://idp.example.com/realms/captionhub/protocol/openid-connect/certs", "/realms/captionhub/protocol/openid-connect/certs"},
		{"https://api.almostcrackd.ai", "/"},
		{"https://api.almostcrackd.ai/", "/"},
		{"://bad", "/"},
	}

	for _, tt := range tests {
		if got := healthPath(tt.url, "/"); got != tt.expected {
			t.Errorf("healthPath(%q) = %q, ожидается %q", tt.url, got, tt.expected)
		}
	}
}
