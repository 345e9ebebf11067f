package harness

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Classify maps a transport-level error onto the failure taxonomy. Timeout
// checks run first: a deadline expiry usually surfaces wrapped inside a
// *net.OpError, and it must never be reported as a connection failure.
func Classify(err error) (FailureKind, string) {
	if err == nil {
		return "", ""
	}
	detail := err.Error()

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, detail
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout, detail
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnectionError, detail
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return KindConnectionError, detail
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnectionError, detail
	}

	return KindOtherError, detail
}
