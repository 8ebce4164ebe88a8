package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesOperationAndSequence(t *testing.T) {
	err := New(
		"ndax",
		CodeExchange,
		WithOperation("SubscribeLevel2"),
		WithSequence(42),
		WithMessage("subscription rejected"),
		WithRawMessage(`{"result":false}`),
		WithCause(errors.New("server said no")),
	)

	out := err.Error()
	if !strings.Contains(out, "venue=ndax") {
		t.Fatalf("expected venue marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=exchange_error") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "op=SubscribeLevel2") || !strings.Contains(out, "seq=42") {
		t.Fatalf("expected operation and sequence in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"server said no\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestSequenceOmittedWhenUnset(t *testing.T) {
	err := New("ndax", CodeTimeout)
	if strings.Contains(err.Error(), "seq=") {
		t.Fatalf("sequence marker should be omitted by default: %s", err.Error())
	}
}

func TestEmptyVenueAndCodeFallBackToUnknown(t *testing.T) {
	err := New("  ", "")
	out := err.Error()
	if !strings.Contains(out, "venue=unknown") || !strings.Contains(out, "code=unknown") {
		t.Fatalf("expected unknown fallbacks: %s", out)
	}
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	inner := New("ndax", CodeConnectionClosed)
	outer := New("ndax", CodeTimeout, WithCause(fmt.Errorf("wrapped: %w", inner)))
	wrapped := fmt.Errorf("watch ticker: %w", outer)

	if !Is(wrapped, CodeTimeout) {
		t.Fatalf("expected timeout code to match")
	}
	if !Is(wrapped, CodeConnectionClosed) {
		t.Fatalf("expected nested connection closed code to match")
	}
	if Is(wrapped, CodeAuth) {
		t.Fatalf("auth code must not match")
	}
	if Is(errors.New("plain"), CodeTimeout) {
		t.Fatalf("plain errors carry no code")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("unexpected nil rendering: %q", e.Error())
	}
}
