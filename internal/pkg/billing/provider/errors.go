package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrUnavailable covers timeouts, 5xx and transport failures. Never a decline.
	ErrUnavailable = errors.New("payment provider unavailable")
	// ErrMalformedResponse is returned when a provider answers with a body we cannot interpret.
	ErrMalformedResponse = errors.New("malformed provider response")
	// ErrNotConfigured is returned for providers absent from the registry.
	ErrNotConfigured = errors.New("payment provider not configured")
	// ErrCredentials is returned when a provider rejects our API credentials.
	ErrCredentials = errors.New("payment provider rejected credentials")
	// ErrRejected is returned when a provider refuses a request as invalid.
	ErrRejected = errors.New("request rejected by payment provider")
	// ErrUnsupported is returned for operations a network cannot perform.
	ErrUnsupported = errors.New("operation not supported by payment provider")
)

// SignatureError reports a webhook delivery that failed verification.
type SignatureError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s webhook signature verification failed: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s webhook signature verification failed: %s", e.Provider, e.Reason)
}

func (e *SignatureError) Unwrap() error { return e.Err }

func IsSignatureError(err error) bool {
	var sigErr *SignatureError
	return errors.As(err, &sigErr)
}

// Unavailable wraps err as ErrUnavailable for the named provider.
func Unavailable(name string, err error) error {
	return fmt.Errorf("%s: %w: %w", name, ErrUnavailable, err)
}

// Malformed wraps err as ErrMalformedResponse for the named provider.
func Malformed(name string, err error) error {
	return fmt.Errorf("%s: %w: %w", name, ErrMalformedResponse, err)
}

// Rejected wraps err as ErrRejected for the named provider.
func Rejected(name string, err error) error {
	return fmt.Errorf("%s: %w: %w", name, ErrRejected, err)
}

// TransportError classifies an error returned by http.Client.Do. Any failure
// to get a response maps to ErrUnavailable; timeouts are tagged as such.
func TransportError(name string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return Unavailable(name, fmt.Errorf("timeout: %w", err))
	}
	return Unavailable(name, err)
}

// StatusError classifies a non-2xx HTTP status that is not a business decline.
func StatusError(name string, status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w: status=%d", name, ErrCredentials, status)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return Unavailable(name, fmt.Errorf("status=%d body=%s", status, truncate(body)))
	case status >= http.StatusBadRequest:
		return Rejected(name, fmt.Errorf("status=%d body=%s", status, truncate(body)))
	default:
		return Malformed(name, fmt.Errorf("unexpected status=%d body=%s", status, truncate(body)))
	}
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
