package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is the uniform failure type for outbound API calls. Status is 0
// for network-level failures that never produced an HTTP response.
type APIError struct {
	Message   string
	Status    int
	Body      string
	RequestID string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("api error (status %d, request %s): %s", e.Status, e.RequestID, e.Message)
	}
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// RateLimitedError reports a 429 that persisted after the one automatic
// delayed retry was consumed.
type RateLimitedError struct {
	RetryAfter time.Duration
	RequestID  string
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// errorBody matches the API's error payload shape.
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

// CheckResponse maps a non-2xx response to the error taxonomy and consumes
// the body. A nil return means the response is the caller's to read.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var payload errorBody
	_ = json.Unmarshal(raw, &payload)
	requestID := payload.RequestID
	if requestID == "" {
		requestID = resp.Header.Get(headerRequestID)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitedError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			RequestID:  requestID,
		}
	}

	message := strings.TrimSpace(payload.Error)
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &APIError{
		Message:   message,
		Status:    resp.StatusCode,
		Body:      string(raw),
		RequestID: requestID,
	}
}
