// Package webhook authenticates inbound provider callbacks. Every callback
// is signed HMAC-SHA256 over "timestamp.body" with a per-channel shared
// secret; signatures older than the replay window are rejected even when
// valid.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/courierhq/courier/internal/config"
)

// Header names providers send with each callback.
const (
	SignatureHeader = "X-Courier-Signature"
	TimestampHeader = "X-Courier-Timestamp"
)

var (
	ErrMissingSecret    = errors.New("no webhook secret configured for channel")
	ErrMissingSignature = errors.New("missing signature or timestamp header")
	ErrBadTimestamp     = errors.New("malformed timestamp")
	ErrReplayed         = errors.New("timestamp outside the replay window")
	ErrBadSignature     = errors.New("signature mismatch")
)

// Verifier checks callback signatures with per-channel secrets.
type Verifier struct {
	secrets map[string]string
	window  time.Duration
	now     func() time.Time
}

// NewVerifier builds a verifier from the webhook configuration.
func NewVerifier(cfg config.WebhookConfig) *Verifier {
	return &Verifier{
		secrets: map[string]string{
			"email": cfg.EmailSecret,
			"sms":   cfg.SMSSecret,
			"push":  cfg.PushSecret,
		},
		window: cfg.ReplayWindow,
		now:    time.Now,
	}
}

// Verify authenticates one callback. The body must be the raw request bytes,
// before any decoding.
func (v *Verifier) Verify(channel string, body []byte, signature, timestamp string) error {
	secret, ok := v.secrets[channel]
	if !ok || secret == "" {
		return ErrMissingSecret
	}
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.window || age < -v.window {
		return ErrReplayed
	}

	expected := Sign(secret, body, timestamp)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the hex signature for a body at a timestamp. Providers run
// the same construction on their side.
func Sign(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
