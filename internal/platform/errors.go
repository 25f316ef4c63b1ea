package platform

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDeviceCodeExpired is returned by Authenticate once expires_in/interval
// polls have elapsed without the user completing the device-code flow.
var ErrDeviceCodeExpired = errors.New("device code expired")

// ErrAuthProtocolError wraps a non-standard error from the device-code or
// token endpoints (fatal to the login attempt).
type ErrAuthProtocolError struct {
	Detail string
}

func (e *ErrAuthProtocolError) Error() string {
	return fmt.Sprintf("auth protocol error: %s", e.Detail)
}

// ErrProxyUnreachable distinguishes a configured-proxy connect/timeout
// failure from an ordinary network error, at every call site that performs
// HTTP I/O through a configured proxy.
type ErrProxyUnreachable struct {
	Cause error
}

func (e *ErrProxyUnreachable) Error() string {
	return fmt.Sprintf("proxy unreachable: %v", e.Cause)
}

func (e *ErrProxyUnreachable) Unwrap() error { return e.Cause }

// ErrGql carries every message in a GraphQL response's errors array.
type ErrGql struct {
	Messages []string
}

func (e *ErrGql) Error() string {
	return fmt.Sprintf("gql error: %s", strings.Join(e.Messages, "; "))
}

// ErrTelemetryNotFound means the Mining Loop should fall back to a
// best-effort telemetry URL and log a warning; it is not user-visible.
var ErrTelemetryNotFound = errors.New("telemetry url not found")

// ErrNetwork wraps any other transport failure not attributable to a
// configured proxy.
type ErrNetwork struct {
	Cause error
}

func (e *ErrNetwork) Error() string { return fmt.Sprintf("network error: %v", e.Cause) }
func (e *ErrNetwork) Unwrap() error { return e.Cause }

// wrapTransportError classifies a transport-level error against whether a
// proxy is configured, matching the §7 propagation policy.
func wrapTransportError(err error, proxyConfigured bool) error {
	if err == nil {
		return nil
	}
	if proxyConfigured && isConnectOrTimeout(err) {
		return &ErrProxyUnreachable{Cause: err}
	}
	return &ErrNetwork{Cause: err}
}

// WrapTransportError is the exported form of wrapTransportError, used by
// other packages (pulser) that perform their own HTTP I/O under the
// same proxy-aware propagation policy.
func WrapTransportError(err error, proxyConfigured bool) error {
	return wrapTransportError(err, proxyConfigured)
}

func isConnectOrTimeout(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "connect:")
}
