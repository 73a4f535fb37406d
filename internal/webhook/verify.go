package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureTolerance bounds how far a Stripe signature timestamp may drift
// from server time in either direction.
const SignatureTolerance = 5 * time.Minute

// ErrBadSignature is returned when a webhook signature fails verification.
var ErrBadSignature = errors.New("webhook: invalid signature")

// VerifyStripe checks a Stripe-Signature header (t=<unix>,v1=<hex hmac>)
// against the raw request body. The signed payload is "<t>.<body>"; the
// timestamp must be within SignatureTolerance of now.
func VerifyStripe(body []byte, sigHeader, secret string, now time.Time) error {
	if sigHeader == "" || secret == "" {
		return ErrBadSignature
	}
	var ts int64
	var sigs [][]byte
	for _, part := range strings.Split(sigHeader, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrBadSignature
			}
			ts = n
		case "v1":
			sig, err := hex.DecodeString(v)
			if err == nil {
				sigs = append(sigs, sig)
			}
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return ErrBadSignature
	}

	drift := now.Sub(time.Unix(ts, 0))
	if drift > SignatureTolerance || drift < -SignatureTolerance {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return ErrBadSignature
}

// VerifyLemonsqueezy checks an X-Signature header (hex HMAC-SHA256 of the raw
// body) in constant time.
func VerifyLemonsqueezy(body []byte, sigHeader, secret string) error {
	if sigHeader == "" || secret == "" {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(sigHeader)), []byte(expected)) != 1 {
		return ErrBadSignature
	}
	return nil
}
