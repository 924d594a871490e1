// Package webhook verifies and maps scheduling-provider webhooks into
// pipeline triggers, and dispatches engine work off the request path.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the provider's request signature.
const SignatureHeader = "Calendly-Webhook-Signature"

// ErrInvalidSignature is returned for any signature that fails verification,
// including malformed headers and expired timestamps. Callers respond 401
// without detail.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier checks the provider's t=<unix>,v1=<hex> HMAC-SHA256 signature
// scheme over "<t>.<raw body>".
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier. A zero tolerance disables the timestamp
// freshness check.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Verify checks header against body. Returns ErrInvalidSignature on any
// failure; the reason is deliberately not distinguished.
func (v *Verifier) Verify(header string, body []byte) error {
	ts, sig, ok := parseSignatureHeader(header)
	if !ok {
		return ErrInvalidSignature
	}

	if v.tolerance > 0 {
		sent, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return ErrInvalidSignature
		}
		age := v.now().Sub(time.Unix(sent, 0))
		if age > v.tolerance || age < -v.tolerance {
			return ErrInvalidSignature
		}
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)

	want, err := hex.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign produces a valid signature header for body at the given time. Used by
// tests and the local replay tooling.
func Sign(secret string, at time.Time, body []byte) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (ts, sig string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	return ts, sig, ts != "" && sig != ""
}
