package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"compligate.org/internal/gateway"
)

var (
	ErrInvalidCredentials     = errors.New("remote: invalid credentials")
	ErrOrganizationUnverified = errors.New("remote: organization not verified")
	ErrRateLimited            = errors.New("remote: rate limited")
	ErrNotFound               = errors.New("remote: not found")
)

// APIError is a non-2xx response surfaced to the caller. Detail carries the
// server's own message when one was provided; callers render it verbatim.
type APIError struct {
	Status   int
	Detail   string
	sentinel error
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("remote: api error: status %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("remote: api error: status %d", e.Status)
}

func (e *APIError) Unwrap() error { return e.sentinel }

// apiError builds the error for a non-2xx response. Django-style bodies put
// the message under "detail" or "error"; field-level validation errors come
// as {"field": ["msg", ...]} and are flattened.
func apiError(resp *gateway.Response) error {
	e := &APIError{Status: resp.Status, Detail: errorDetail(resp.Body)}
	switch resp.Status {
	case http.StatusNotFound:
		e.sentinel = ErrNotFound
	case http.StatusTooManyRequests:
		e.sentinel = ErrRateLimited
	case http.StatusForbidden:
		if strings.EqualFold(e.Detail, "organization not verified") {
			e.sentinel = ErrOrganizationUnverified
		}
	}
	return e
}

func errorDetail(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	for _, key := range []string{"detail", "error"} {
		if raw, ok := payload[key]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				return s
			}
		}
	}
	// Field-level validation messages: first message of the first field.
	for _, raw := range payload {
		var msgs []string
		if json.Unmarshal(raw, &msgs) == nil && len(msgs) > 0 {
			return msgs[0]
		}
	}
	return ""
}
