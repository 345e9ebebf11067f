package harness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"
)

func TestClassifyTimeout(t *testing.T) {
	kind, _ := Classify(context.DeadlineExceeded)
	if kind != KindTimeout {
		t.Fatalf("deadline exceeded: expected %s, got %s", KindTimeout, kind)
	}
	wrapped := &url.Error{Op: "Post", URL: "http://example.test", Err: context.DeadlineExceeded}
	kind, _ = Classify(wrapped)
	if kind != KindTimeout {
		t.Fatalf("wrapped deadline: expected %s, got %s", KindTimeout, kind)
	}
}

func TestClassifyTimeoutWinsOverOpError(t *testing.T) {
	// An i/o timeout during dial is both a net.OpError and a timeout; the
	// taxonomy must report it as Timeout, never ConnectionError.
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: timeoutError{}}
	kind, _ := Classify(opErr)
	if kind != KindTimeout {
		t.Fatalf("expected %s, got %s", KindTimeout, kind)
	}
}

func TestClassifyConnectionErrors(t *testing.T) {
	refused := &url.Error{Op: "Get", URL: "http://example.test", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
	kind, detail := Classify(refused)
	if kind != KindConnectionError {
		t.Fatalf("refusal: expected %s, got %s (%s)", KindConnectionError, kind, detail)
	}
	dnsErr := &url.Error{Op: "Get", URL: "http://nosuch.test", Err: &net.DNSError{Err: "no such host", Name: "nosuch.test", IsNotFound: true}}
	kind, _ = Classify(dnsErr)
	if kind != KindConnectionError {
		t.Fatalf("dns: expected %s, got %s", KindConnectionError, kind)
	}
	kind, _ = Classify(fmt.Errorf("reset: %w", syscall.ECONNRESET))
	if kind != KindConnectionError {
		t.Fatalf("reset: expected %s, got %s", KindConnectionError, kind)
	}
}

func TestClassifyOtherError(t *testing.T) {
	kind, detail := Classify(errors.New("unexpected parse failure"))
	if kind != KindOtherError {
		t.Fatalf("expected %s, got %s", KindOtherError, kind)
	}
	if detail != "unexpected parse failure" {
		t.Fatalf("expected verbatim detail, got %q", detail)
	}
}

func TestClassifyNil(t *testing.T) {
	kind, detail := Classify(nil)
	if kind != "" || detail != "" {
		t.Fatalf("expected empty classification for nil, got %s %q", kind, detail)
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
