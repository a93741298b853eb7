// Package webhook verifies, parses and filters inbound provider events.
// It owns no HTTP handling; internal/ingress mounts it.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrBadSignature covers missing, malformed and mismatching signatures
	// alike; the response is 401 either way.
	ErrBadSignature = errors.New("webhook signature invalid")
	// ErrUnknownProvider rejects webhook paths for providers we do not speak.
	ErrUnknownProvider = errors.New("unknown webhook provider")
)

// slackTolerance bounds replay of a captured Slack request; Slack signs
// the timestamp into the base string.
const slackTolerance = 5 * time.Minute

// VerifySignature checks the provider's HMAC-SHA256 scheme over body in
// constant time.
func VerifySignature(provider, secret string, headers http.Header, body []byte) error {
	switch provider {
	case "github":
		return verifyHexHeader(headers.Get("X-Hub-Signature-256"), "sha256=", secret, body)
	case "jira":
		return verifyHexHeader(headers.Get("X-Hub-Signature"), "sha256=", secret, body)
	case "sentry":
		return verifyHexHeader(headers.Get("Sentry-Hook-Signature"), "", secret, body)
	case "slack":
		return verifySlack(headers, secret, body)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
}

func verifyHexHeader(header, prefix, secret string, body []byte) error {
	if header == "" {
		return fmt.Errorf("%w: missing signature header", ErrBadSignature)
	}
	if prefix != "" {
		if !strings.HasPrefix(header, prefix) {
			return fmt.Errorf("%w: bad signature format", ErrBadSignature)
		}
		header = strings.TrimPrefix(header, prefix)
	}
	provided, err := hex.DecodeString(header)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrBadSignature)
	}
	if !hmac.Equal(computeHMACSHA256(body, []byte(secret)), provided) {
		return ErrBadSignature
	}
	return nil
}

// verifySlack implements the v0 signing scheme: HMAC over
// "v0:<timestamp>:<body>", timestamp within tolerance.
func verifySlack(headers http.Header, secret string, body []byte) error {
	sig := headers.Get("X-Slack-Signature")
	ts := headers.Get("X-Slack-Request-Timestamp")
	if sig == "" || ts == "" {
		return fmt.Errorf("%w: missing slack signature headers", ErrBadSignature)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad slack timestamp", ErrBadSignature)
	}
	age := time.Since(time.Unix(unix, 0))
	if age > slackTolerance || age < -slackTolerance {
		return fmt.Errorf("%w: slack timestamp outside tolerance", ErrBadSignature)
	}
	if !strings.HasPrefix(sig, "v0=") {
		return fmt.Errorf("%w: bad slack signature format", ErrBadSignature)
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(sig, "v0="))
	if err != nil {
		return fmt.Errorf("%w: bad slack signature encoding", ErrBadSignature)
	}
	base := "v0:" + ts + ":" + string(body)
	if !hmac.Equal(computeHMACSHA256([]byte(base), []byte(secret)), provided) {
		return ErrBadSignature
	}
	return nil
}

func computeHMACSHA256(payload, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(payload)
	return h.Sum(nil)
}
