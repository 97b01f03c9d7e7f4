package scanning

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrEmptyResponse is returned when the model produced neither content nor a refusal.
var ErrEmptyResponse = errors.New("empty response from model")

// ErrUnsupportedImage is returned when an upload cannot be turned into an image the model accepts.
var ErrUnsupportedImage = errors.New("unsupported image format")

// StatusError is a non-2xx reply from the inference endpoint.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// RateLimited reports whether the endpoint asked us to slow down.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Retriable reports whether another attempt may succeed.
func (e *StatusError) Retriable() bool {
	return e.RateLimited() || e.StatusCode >= 500
}

func newStatusError(code int, header http.Header, body []byte) *StatusError {
	return &StatusError{
		StatusCode: code,
		Body:       truncate(strings.TrimSpace(string(body)), 500),
		RetryAfter: parseRetryAfter(header, time.Now()),
	}
}

// TimeoutError means an attempt hit its deadline before the endpoint answered.
type TimeoutError struct {
	Attempt int
	Timeout time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("attempt %d timed out after %s (elapsed %s)", e.Attempt, e.Timeout, e.Elapsed.Round(time.Millisecond))
}

// TransportError is a network failure that was not a timeout.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RefusalError means the model looked at the image and declined to answer.
type RefusalError struct {
	Model  string
	Reason string
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("model %s refused to process the image: %s", e.Model, e.Reason)
}

// TruncatedError means the completion was cut off by the token ceiling.
type TruncatedError struct {
	Model string
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("response from %s was truncated by the token limit", e.Model)
}

// Suggestion is a user-facing hint for recovering from truncation.
func (e *TruncatedError) Suggestion() string {
	return "try a smaller image or a different model"
}

// ExtractionError means the endpoint answered but the payload was not a usable record.
type ExtractionError struct {
	Model string
	Raw   string
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting receipt data from %s response: %v", e.Model, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// parseRetryAfter reads the wait hint from response headers. It understands
// retry-after-ms, retry-after in seconds and retry-after as an HTTP date.
// Zero means no usable hint.
func parseRetryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}
	if v := strings.TrimSpace(header.Get("Retry-After-Ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// truncate cuts s to at most maxLen bytes without splitting a UTF-8 sequence.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
