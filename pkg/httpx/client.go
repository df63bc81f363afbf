package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxResponseBytes caps how much of an upstream response body is read.
const MaxResponseBytes = 8 << 20

var ErrResponseTooLarge = errors.New("response body too large")

// RequestJSON performs one HTTP request and returns the status and body.
// Non-2xx statuses are not errors; callers classify them. Nothing is
// retried.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return 0, nil, err
	}
	if len(respBody) > MaxResponseBytes {
		return resp.StatusCode, nil, fmt.Errorf("%w: %s %s", ErrResponseTooLarge, method, url)
	}
	return resp.StatusCode, respBody, nil
}

// IsSuccess reports whether status is 2xx.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}
