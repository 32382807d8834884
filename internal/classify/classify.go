// Package classify maps raw HTTP, network, and body-level fetch failures into
// a closed error taxonomy with retry hints. Classification happens once, at
// the fetch boundary; downstream consumers only ever see a *classify.Error.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Kind is the category of a classified fetch error.
type Kind string

const (
	// KindRateLimit indicates the provider rejected or throttled the request,
	// via HTTP 429 or a rate-limit notice embedded in a 200 body.
	KindRateLimit Kind = "rate_limit"
	// KindAuth indicates the request was not authorized (HTTP 401/403).
	KindAuth Kind = "auth"
	// KindNotFound indicates the resource does not exist (HTTP 404).
	KindNotFound Kind = "not_found"
	// KindServer indicates a server-side failure (HTTP 5xx).
	KindServer Kind = "server"
	// KindNetwork indicates a network-level failure (connection refused, DNS,
	// cross-origin rejection).
	KindNetwork Kind = "network"
	// KindTimeout indicates the request exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindInvalidData indicates a malformed request or an unusable response
	// body (HTTP 400, provider "invalid request" notices, JSON parse failure).
	KindInvalidData Kind = "invalid_data"
	// KindUnknown indicates an error that matched no other category.
	KindUnknown Kind = "unknown"
)

// Transient reports whether errors of this kind are worth retrying
// automatically. Rate limits, auth failures, and missing resources will not
// resolve on their own, so they are surfaced immediately.
func (k Kind) Transient() bool {
	switch k {
	case KindServer, KindNetwork, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// DefaultRetryAfterSec is the rate-limit backoff hint used when neither the
// response headers nor the body carry one.
const DefaultRetryAfterSec = 60

// Error is a classified fetch failure.
type Error struct {
	Kind          Kind
	Message       string
	Detail        string
	StatusCode    int
	RetryAfterSec int // set only for KindRateLimit
	Cause         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Body-embedded error detection. Several providers return HTTP 200 with an
// error payload (Alpha Vantage's "Note"/"Information" rate-limit notices,
// "Error Message" for bad symbols), so body checks run before status checks.

var rateLimitPattern = regexp.MustCompile(`(?i)rate limit|too many requests|call frequency|quota (?:exceeded|reached)|premium plan`)

var invalidPattern = regexp.MustCompile(`(?i)invalid (?:request|api call|symbol|parameter)|bad symbol|malformed|unsupported function`)

var retryAfterHint = regexp.MustCompile(`(?i)retry (?:in|after) (\d+)`)

// FromBody inspects a successfully decoded JSON body for a provider-embedded
// error. It returns nil when the body looks like real data.
func FromBody(body any) *Error {
	notice, ok := errorNotice(body)
	if !ok {
		return nil
	}

	if rateLimitPattern.MatchString(notice) {
		return &Error{
			Kind:          KindRateLimit,
			Message:       "provider rate limit reached",
			Detail:        notice,
			RetryAfterSec: parseRetryHint(notice),
		}
	}
	if invalidPattern.MatchString(notice) {
		return &Error{
			Kind:    KindInvalidData,
			Message: "provider rejected the request",
			Detail:  notice,
		}
	}
	return nil
}

// errorNotice pulls a human-readable error string out of the well-known
// notice fields providers use. Only top-level string fields are considered.
func errorNotice(body any) (string, bool) {
	obj, ok := body.(map[string]any)
	if !ok {
		return "", false
	}
	for _, key := range []string{"Note", "Information", "Error Message", "error", "message"} {
		if s, ok := obj[key].(string); ok && s != "" {
			if rateLimitPattern.MatchString(s) || invalidPattern.MatchString(s) {
				return s, true
			}
		}
	}
	return "", false
}

func parseRetryHint(notice string) int {
	if m := retryAfterHint.FindStringSubmatch(notice); m != nil {
		if sec, err := strconv.Atoi(m[1]); err == nil && sec > 0 {
			return sec
		}
	}
	return DefaultRetryAfterSec
}

// FromStatus classifies a non-2xx HTTP status. For 429 the Retry-After header
// is honored when present.
func FromStatus(statusCode int, header http.Header) *Error {
	switch {
	case statusCode == http.StatusBadRequest:
		return &Error{Kind: KindInvalidData, StatusCode: statusCode, Message: "bad request"}
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &Error{Kind: KindAuth, StatusCode: statusCode, Message: "request not authorized"}
	case statusCode == http.StatusNotFound:
		return &Error{Kind: KindNotFound, StatusCode: statusCode, Message: "resource not found"}
	case statusCode == http.StatusTooManyRequests:
		return &Error{
			Kind:          KindRateLimit,
			StatusCode:    statusCode,
			Message:       "rate limit exceeded",
			RetryAfterSec: retryAfterFromHeader(header),
		}
	case statusCode >= 500:
		return &Error{Kind: KindServer, StatusCode: statusCode, Message: "server returned an error"}
	default:
		return &Error{
			Kind:       KindUnknown,
			StatusCode: statusCode,
			Message:    fmt.Sprintf("unexpected status code: %d", statusCode),
		}
	}
}

func retryAfterFromHeader(header http.Header) int {
	if header != nil {
		if sec, err := strconv.Atoi(header.Get("Retry-After")); err == nil && sec > 0 {
			return sec
		}
	}
	return DefaultRetryAfterSec
}

// FromTransport classifies an error raised before any HTTP response arrived:
// deadline expiry, connection failures, DNS errors, cross-origin rejections.
func FromTransport(err error) *Error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: "request timed out", Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "request timed out", Cause: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timed out"):
		return &Error{Kind: KindTimeout, Message: "request timed out", Cause: err}
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "eof"):
		return &Error{Kind: KindNetwork, Message: "network request failed", Cause: err}
	case strings.Contains(msg, "cross-origin") || strings.Contains(msg, "cors"):
		return &Error{Kind: KindNetwork, Message: "cross-origin request blocked", Cause: err}
	default:
		return &Error{Kind: KindUnknown, Message: "request failed", Cause: err}
	}
}

// FromParse classifies a JSON decode failure on an otherwise successful
// response.
func FromParse(err error) *Error {
	return &Error{Kind: KindInvalidData, Message: "response body is not valid JSON", Cause: err}
}

// Response classifies a completed HTTP exchange. decoded is the parsed JSON
// body (nil with parseErr set when decoding failed). Precedence: a
// body-embedded error wins whenever the body parsed, even over a non-2xx
// status; an unparsable body under a non-2xx status falls back to the status
// code; an unparsable body under 2xx is invalid data. A nil return means the
// exchange carried usable data.
func Response(statusCode int, header http.Header, decoded any, parseErr error) *Error {
	if parseErr == nil {
		if bodyErr := FromBody(decoded); bodyErr != nil {
			return bodyErr
		}
	}
	if statusCode < 200 || statusCode >= 300 {
		return FromStatus(statusCode, header)
	}
	if parseErr != nil {
		return FromParse(parseErr)
	}
	return nil
}
