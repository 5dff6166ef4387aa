package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/imroc/req/v3"
)

var (
	ErrSourceUnreachable    = errors.New("source: unreachable")
	ErrSourceThrottled      = errors.New("source: throttled")
	ErrModOrVersionNotFound = errors.New("source: mod or version not found")
	ErrAccessDenied         = errors.New("source: access denied")
	ErrRequestRejected      = errors.New("source: request rejected")
	ErrUnsupportedDownload  = errors.New("source: unsupported download link")
	ErrUnknownSource        = errors.New("source: unknown source kind")
	ErrInvalidRef           = errors.New("source: invalid mod reference")
)

// FetchError carries the mod, version and operation of a failed source call.
type FetchError struct {
	Source     Kind
	Ref        string
	Version    string
	Op         string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Source, e.Op)
	if e.Ref != "" {
		fmt.Fprintf(&b, " %s", e.Ref)
	}
	if e.Version != "" {
		fmt.Fprintf(&b, "@%s", e.Version)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSourceUnreachable) || errors.Is(err, ErrSourceThrottled)
}

// classifyResponse maps a transport error or an error status onto the error taxonomy.
// It returns nil for successful responses.
func classifyResponse(ctx context.Context, resp *req.Response, err error) error {
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}
	if resp == nil || resp.Response == nil {
		return fmt.Errorf("%w: empty response", ErrSourceUnreachable)
	}
	return classifyStatus(resp.StatusCode, resp.GetHeader("X-RateLimit-Remaining"))
}

func classifyStatus(status int, rateLimitRemaining string) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusNotFound, status == http.StatusGone:
		return ErrModOrVersionNotFound
	case status == http.StatusTooManyRequests:
		return ErrSourceThrottled
	case status == http.StatusForbidden && rateLimitRemaining == "0":
		return ErrSourceThrottled
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAccessDenied
	case status >= 500:
		return ErrSourceUnreachable
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrRequestRejected, status)
	}
}
