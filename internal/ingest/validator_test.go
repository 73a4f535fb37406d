package ingest

import (
	"bytes"
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"
)

var okMeta = RequestMeta{
	Origin:     "https://example.com",
	UserAgent:  "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 Chrome/120.0 Safari/537.36",
	SiteDomain: "example.com",
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		meta   RequestMeta
		status int
		code   string
	}{
		{"not json", `[]`, okMeta, 400, "invalid_json"},
		{"unknown field", `{"type":"pageview","path":"/","surprise":1}`, okMeta, 400, "unknown_field"},
		{"bad type", `{"type":"click","path":"/"}`, okMeta, 400, "invalid_type"},
		{"visitor too long", `{"type":"pageview","path":"/","visitorId":"` + string(bytes.Repeat([]byte("a"), 200)) + `"}`, okMeta, 400, "invalid_field"},
		{"session mismatch", `{"type":"pageview","path":"/","sessionId":"a","session_id":"b"}`, okMeta, 400, "session_mismatch"},
		{"bot flag without server key", `{"type":"pageview","path":"/","bot":true}`, okMeta, 400, "bot_flag_forbidden"},
		{"origin mismatch", `{"type":"pageview","path":"/"}`,
			RequestMeta{Origin: "https://evil.test", SiteDomain: "example.com"}, 400, "origin_mismatch"},
		{"no origin at all", `{"type":"pageview","path":"/"}`,
			RequestMeta{SiteDomain: "example.com"}, 400, "origin_mismatch"},
		{"goal without name", `{"type":"goal","path":"/"}`, okMeta, 400, "missing_name"},
		{"identify without user_id", `{"type":"identify","path":"/"}`, okMeta, 400, "missing_user_id"},
		{"bad metadata key", `{"type":"pageview","path":"/","metadata":{"Bad Key!":"x"}}`, okMeta, 400, "invalid_metadata_key"},
		{"bad metadata value", `{"type":"pageview","path":"/","metadata":{"k":[1,2]}}`, okMeta, 400, "invalid_metadata_value"},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rej := v.Validate([]byte(tt.body), tt.meta)
			if rej == nil {
				t.Fatal("expected rejection")
			}
			if rej.Status != tt.status || rej.Code != tt.code {
				t.Errorf("got %d/%s, want %d/%s", rej.Status, rej.Code, tt.status, tt.code)
			}
		})
	}
}

func TestValidatePayloadTooLarge(t *testing.T) {
	v := NewValidator()
	_, rej := v.Validate(bytes.Repeat([]byte("a"), MaxPayloadBytes+1), okMeta)
	if rej == nil || rej.Status != http.StatusRequestEntityTooLarge {
		t.Errorf("rej = %+v, want 413", rej)
	}
}

func TestValidateAccepts(t *testing.T) {
	v := NewValidator()
	body := `{"type":"pageview","websiteId":"w","path":"/x?y=1","visitorId":"v","sessionId":"z","ts":"1735725600000","utm_source":"News "}`
	acc, rej := v.Validate([]byte(body), okMeta)
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if acc.Payload.SessionID() != "z" {
		t.Errorf("session id = %q", acc.Payload.SessionID())
	}
	ts, ok := acc.Payload.ClientTimestamp()
	if !ok || ts != 1735725600000 {
		t.Errorf("client ts = %d/%v", ts, ok)
	}
	if acc.Bot {
		t.Error("browser UA flagged as bot")
	}
}

func TestValidateSubdomainOrigin(t *testing.T) {
	v := NewValidator()
	meta := okMeta
	meta.Origin = "https://app.example.com"
	if _, rej := v.Validate([]byte(`{"type":"pageview","path":"/"}`), meta); rej != nil {
		t.Errorf("subdomain origin rejected: %+v", rej)
	}
}

func TestValidateServerKeyBypassesOrigin(t *testing.T) {
	v := NewValidator()
	meta := RequestMeta{ServerKey: true, SiteDomain: "example.com"}
	acc, rej := v.Validate([]byte(`{"type":"pageview","path":"/","bot":true}`), meta)
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if !acc.Bot {
		t.Error("authenticated bot flag should carry through")
	}
}

func TestValidateBotUserAgent(t *testing.T) {
	v := NewValidator()
	meta := okMeta
	meta.UserAgent = "Mozilla/5.0 (compatible; Googlebot/2.1)"
	acc, rej := v.Validate([]byte(`{"type":"pageview","path":"/"}`), meta)
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if !acc.Bot {
		t.Error("crawler UA not flagged")
	}
}

func TestSanitizeMetadata(t *testing.T) {
	in := map[string]any{
		"Plan ":  "<b>Pro</b>  tier",
		"count":  float64(3),
		"flag":   true,
		"empty":  "   ",
		"nil_ok": nil,
	}
	out, rej := sanitizeMetadata(in)
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if out["plan"] != "Pro tier" {
		t.Errorf("plan = %q, want HTML stripped and whitespace collapsed", out["plan"])
	}
	if _, ok := out["empty"]; ok {
		t.Error("empty string value should be dropped")
	}
	if out["count"] != float64(3) || out["flag"] != true {
		t.Error("number/bool values must pass through")
	}
}

func TestSanitizeMetadataClampsOnRuneBoundary(t *testing.T) {
	// 254 ASCII bytes followed by a two-byte rune: a byte-index cut at 255
	// would leave invalid UTF-8.
	long := strings.Repeat("a", 254) + "é"
	out, rej := sanitizeMetadata(map[string]any{"note": long})
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	got, _ := out["note"].(string)
	if len(got) > maxMetadataValLen {
		t.Errorf("len = %d, want <= %d", len(got), maxMetadataValLen)
	}
	if !utf8.ValidString(got) {
		t.Errorf("truncated value is not valid UTF-8: %q", got)
	}
	if got != strings.Repeat("a", 254) {
		t.Errorf("got %q, want the rune dropped whole", got)
	}
}

func TestIsBotUserAgent(t *testing.T) {
	tests := []struct {
		ua   string
		want bool
	}{
		{"", false},
		{"Mozilla/5.0 Chrome/120.0 Safari/537.36", false},
		{"curl/8.0.1", true},
		{"python-requests/2.31", true},
		{"Mozilla/5.0 HeadlessChrome/119", true},
	}
	for _, tt := range tests {
		if got := IsBotUserAgent(tt.ua); got != tt.want {
			t.Errorf("IsBotUserAgent(%q) = %v, want %v", tt.ua, got, tt.want)
		}
	}
}
