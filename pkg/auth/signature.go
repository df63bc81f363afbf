package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrStaleRequest     = errors.New("request timestamp outside allowed skew")
)

const (
	GitHubSignatureHeader = "X-Hub-Signature-256"
	SlackSignatureHeader  = "X-Slack-Signature"
	SlackTimestampHeader  = "X-Slack-Request-Timestamp"

	// SlackMaxSkew is how far a Slack request timestamp may drift from now.
	SlackMaxSkew = 5 * time.Minute
)

// VerifyGitHub checks an X-Hub-Signature-256 value ("sha256=<hex>") against
// the raw body.
func VerifyGitHub(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, hmacSHA256([]byte(secret), body)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifySlack checks Slack's v0 request signature: HMAC-SHA256 over
// "v0:<timestamp>:<body>".
func VerifySlack(secret string, body []byte, timestamp, signature string, now time.Time) error {
	timestamp = strings.TrimSpace(timestamp)
	signature = strings.TrimSpace(signature)
	if timestamp == "" || signature == "" {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew > SlackMaxSkew || skew < -SlackMaxSkew {
		return ErrStaleRequest
	}
	hexSig, ok := strings.CutPrefix(signature, "v0=")
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrInvalidSignature
	}
	base := fmt.Sprintf("v0:%s:%s", timestamp, body)
	if !hmac.Equal(got, hmacSHA256([]byte(secret), []byte(base))) {
		return ErrInvalidSignature
	}
	return nil
}

// SignGitHub and SignSlack produce the header values a sender would attach.
func SignGitHub(secret string, body []byte) string {
	return "sha256=" + hex.EncodeToString(hmacSHA256([]byte(secret), body))
}

func SignSlack(secret string, body []byte, ts time.Time) (timestamp, signature string) {
	timestamp = strconv.FormatInt(ts.Unix(), 10)
	base := fmt.Sprintf("v0:%s:%s", timestamp, body)
	return timestamp, "v0=" + hex.EncodeToString(hmacSHA256([]byte(secret), []byte(base)))
}

func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(msg)
	return mac.Sum(nil)
}

// RequireGitHubSignature rejects unsigned or mis-signed requests with 401
// before the handler sees them. The body is restored for the handler.
func RequireGitHubSignature(secret string) func(http.Handler) http.Handler {
	return requireSignature(func(r *http.Request, body []byte) error {
		return VerifyGitHub(secret, body, r.Header.Get(GitHubSignatureHeader))
	})
}

func RequireSlackSignature(secret string, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return requireSignature(func(r *http.Request, body []byte) error {
		return VerifySlack(secret, body, r.Header.Get(SlackTimestampHeader), r.Header.Get(SlackSignatureHeader), now())
	})
}

func requireSignature(verify func(*http.Request, []byte) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "unreadable body", http.StatusBadRequest)
				return
			}
			if err := verify(r, body); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
