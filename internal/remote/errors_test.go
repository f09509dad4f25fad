package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		code      int
		want      Kind
		retryable bool
	}{
		{401, KindAuth, false},
		{403, KindAuth, false},
		{400, KindMalformed, false},
		{404, KindNotFound, false},
		{408, KindTimeout, true},
		{429, KindRateLimited, true},
		{500, KindServer, true},
		{503, KindServer, true},
		{504, KindTimeout, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			e := FromStatus("get message", tt.code, nil)
			if e.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", e.Kind, tt.want)
			}
			if e.Retryable() != tt.retryable {
				t.Errorf("Retryable = %v, want %v", e.Retryable(), tt.retryable)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	already := &Error{Kind: KindAuth, Op: "x"}
	wrapped := fmt.Errorf("syncing: %w", already)

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"already classified", wrapped, KindAuth},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"dial failure", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindNetwork},
		{"unknown", errors.New("???"), KindServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("op", tt.err)
			if KindOf(got) != tt.want {
				t.Errorf("KindOf = %q, want %q", KindOf(got), tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Error("classified error must wrap the original")
			}
		})
	}

	if Classify("op", nil) != nil {
		t.Error("Classify(nil) != nil")
	}
	if err := Classify("op", context.Canceled); KindOf(err) != "" {
		t.Errorf("cancellation should stay unclassified, got %q", KindOf(err))
	}
}

func TestRetryHelpers(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
	if !IsRetryable(errors.New("plain")) {
		t.Error("unclassified errors are transient")
	}
	auth := fmt.Errorf("wrap: %w", &Error{Kind: KindAuth})
	if IsRetryable(auth) || !IsAuthError(auth) {
		t.Error("auth errors are terminal")
	}
	if !IsNotFound(&Error{Kind: KindNotFound}) {
		t.Error("IsNotFound = false")
	}
}

func TestErrorMessage(t *testing.T) {
	e := &Error{Kind: KindServer, Code: 502, Op: "batch modify", Err: errors.New("bad gateway")}
	if got, want := e.Error(), "batch modify: server (502): bad gateway"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
