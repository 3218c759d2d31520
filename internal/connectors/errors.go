package connectors

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ThrottleError: удаленная сторона попросила подождать (429 + Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// StatusError: неожиданный HTTP-статус. 4xx (кроме 429) не ретраятся.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.Code)
}

// Retryable: имеет ли смысл повторять запрос.
func (e *StatusError) Retryable() bool {
	return e.Code >= http.StatusInternalServerError
}

// statusError превращает ответ в типизированную ошибку.
func statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &ThrottleError{
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Cause:      &StatusError{URL: resp.Request.URL.Redacted(), Code: resp.StatusCode},
		}
	}
	return &StatusError{URL: resp.Request.URL.Redacted(), Code: resp.StatusCode}
}

// retryAfter понимает только секунды; HTTP-дату заменяем секундой.
func retryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}
