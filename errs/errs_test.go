package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndMetadata(t *testing.T) {
	err := New(
		"await_result",
		CodeTimeout,
		WithMessage("no result before deadline"),
		WithCanonicalCode(CanonicalPartialData),
		WithField("order_id", "ord-1"),
		WithField("asset", "EURUSD_otc"),
		WithRemediation("query the order later"),
		WithCause(context.DeadlineExceeded),
	)

	out := err.Error()
	if !strings.Contains(out, "op=await_result") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=timeout") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=partial_data") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	expectedMeta := "meta=asset=\"EURUSD_otc\",order_id=\"ord-1\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"context deadline exceeded\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected errors.Is to see the cause")
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("connect", CodeNetwork, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestCodeOfThroughWrapping(t *testing.T) {
	base := New("connect", CodeAuth, WithMessage("NotAuthorized"))
	wrapped := fmt.Errorf("dial wss://example: %w", base)

	if got := CodeOf(wrapped); got != CodeAuth {
		t.Fatalf("expected auth code, got %q", got)
	}
	if !IsCode(wrapped, CodeAuth) {
		t.Fatalf("expected IsCode to match")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
	if IsCode(nil, CodeAuth) {
		t.Fatalf("nil never matches")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"auth", New("", CodeAuth), false},
		{"canceled", New("", CodeCanceled), false},
		{"network", New("", CodeNetwork), true},
		{"timeout", New("", CodeTimeout), true},
		{"plain", errors.New("eof"), true},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
