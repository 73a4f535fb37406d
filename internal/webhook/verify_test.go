package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"
)

func stripeSig(body []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyStripe(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	secret := "whsec_test"
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := VerifyStripe(body, stripeSig(body, secret, now.Unix()), secret, now); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
}

func TestVerifyStripeRejects(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	secret := "whsec_test"
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		body   []byte
		header string
	}{
		{"wrong secret", body, stripeSig(body, "whsec_other", now.Unix())},
		{"tampered body", []byte(`{"id":"evt_2"}`), stripeSig(body, secret, now.Unix())},
		{"stale timestamp", body, stripeSig(body, secret, now.Add(-6*time.Minute).Unix())},
		{"future timestamp", body, stripeSig(body, secret, now.Add(6*time.Minute).Unix())},
		{"missing timestamp", body, "v1=deadbeef"},
		{"missing signature", body, fmt.Sprintf("t=%d", now.Unix())},
		{"garbage header", body, "t=abc,v1=zzz"},
		{"empty header", body, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := VerifyStripe(tt.body, tt.header, secret, now); err != ErrBadSignature {
				t.Errorf("err = %v, want ErrBadSignature", err)
			}
		})
	}
}

func TestVerifyStripeSecondSignature(t *testing.T) {
	// Secret rotation sends two v1 entries; any match passes.
	body := []byte(`{"id":"evt_1"}`)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	good := stripeSig(body, "whsec_new", now.Unix())
	header := strings.Replace(good, "v1=", "v1=0000,v1=", 1)
	if err := VerifyStripe(body, header, "whsec_new", now); err != nil {
		t.Errorf("rotated signature rejected: %v", err)
	}
}

func TestVerifyLemonsqueezy(t *testing.T) {
	body := []byte(`{"meta":{}}`)
	secret := "ls_secret"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	if err := VerifyLemonsqueezy(body, sig, secret); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	// Case-insensitive hex.
	if err := VerifyLemonsqueezy(body, strings.ToUpper(sig), secret); err != nil {
		t.Errorf("uppercase signature rejected: %v", err)
	}
	if err := VerifyLemonsqueezy(body, sig, "wrong"); err != ErrBadSignature {
		t.Errorf("wrong secret: err = %v, want ErrBadSignature", err)
	}
	if err := VerifyLemonsqueezy(body, "", secret); err != ErrBadSignature {
		t.Errorf("empty header: err = %v, want ErrBadSignature", err)
	}
}
