package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesScopeAndMetadata(t *testing.T) {
	err := New(
		"ledger",
		CodeLedger,
		WithScope("1"),
		WithHTTP(502),
		WithMessage("eth_call failed"),
		WithRawCode("-32000"),
		WithField("method", "hasToken"),
		WithField("contract", "0xabc"),
		WithCause(errors.New("execution reverted")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=ledger") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=ledger_error") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "scope=1") {
		t.Fatalf("expected scope in error string: %s", out)
	}
	expectedMeta := "meta=contract=\"0xabc\",method=\"hasToken\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"execution reverted\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New("", CodeRateLimited)
	err := fmt.Errorf("fetch prices: %w", New("ratelimit", CodeRateLimited, WithMessage("denied")))
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped error to match sentinel by code")
	}
	if errors.Is(err, New("", CodeNetwork)) {
		t.Fatalf("different codes must not match")
	}
	if errors.Is(err, New("ledger", CodeRateLimited)) {
		t.Fatalf("different components must not match")
	}
}

func TestHasCodeWalksChain(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("reconcile: %w", New("ledger", CodeNetwork, WithCause(cause)))
	if !HasCode(err, CodeNetwork) {
		t.Fatalf("expected network code in chain")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
	if HasCode(cause, CodeNetwork) {
		t.Fatalf("plain errors carry no code")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
