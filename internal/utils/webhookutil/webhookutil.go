package webhookutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"
)

var successStatuses = []int{http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func Invoke[T any](ctx context.Context, url string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !slices.Contains(successStatuses, resp.StatusCode) {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// InvokeWithRetries retries failed deliveries with exponential backoff,
// starting at backoff and giving up after maxAttempts or when ctx is done.
func InvokeWithRetries[T any](ctx context.Context, url string, data T, maxAttempts int, backoff time.Duration) error {
	var err error
	for i := 0; i < maxAttempts; i++ {
		if err = Invoke(ctx, url, data); err == nil {
			return nil
		}

		if i == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return err
}
