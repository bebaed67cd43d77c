package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON issues one HTTP request with bounded retries. Transport
// errors and 5xx responses retry with a doubling delay; every other
// status is returned to the caller as-is.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	delay := retryDelay

	var lastErr error
	for attempt := 0; ; attempt++ {
		status, respBody, err := requestOnce(ctx, client, method, url, body, headers)
		retryable := err != nil || status >= 500
		if !retryable {
			return status, respBody, nil
		}
		lastErr = err
		if attempt >= retries {
			if err != nil {
				return 0, nil, err
			}
			return status, respBody, nil
		}
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return 0, nil, lastErr
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func requestOnce(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
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
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}
