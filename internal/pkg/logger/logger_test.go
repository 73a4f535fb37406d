package logger

import "testing"

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactToken(t *testing.T) {
	if got := RedactToken("visitor-abc123"); got != "visi***" {
		t.Errorf("got %q", got)
	}
	if got := RedactToken("abc"); got != "***" {
		t.Errorf("short token = %q", got)
	}
}

func TestRedactValue(t *testing.T) {
	tests := []struct {
		name, key, val, want string
	}{
		{"email key", "user_email", "jane@example.com", "ja***@example.com"},
		{"visitor key", "visitor_id", "v-12345678", "v-12***"},
		{"secret key", "api_key", "ez_abc", "***"},
		{"embedded email", "error", "duplicate jane@example.com row", "duplicate ja***@example.com row"},
		{"plain value", "site_id", "site-1", "site-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactValue(tt.key, tt.val); got != tt.want {
				t.Errorf("redactValue(%q, %q) = %q, want %q", tt.key, tt.val, got, tt.want)
			}
		})
	}
}
