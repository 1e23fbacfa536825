package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := Wrap(CodeToolNotFound, fmt.Errorf("catalog miss"), "",
		WithMetadata("tool", "create_vm"), WithMetadata("service", "azure"))
	want := "[TOOL_NOT_FOUND] tool not found (service=azure, tool=create_vm): catalog miss"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}

func TestAttributesAndOverrides(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      Code
		retryable bool
		alert     bool
	}{
		{"upstream", New(CodeUpstreamUnavailable, "down"), CodeUpstreamUnavailable, true, true},
		{"unknown service", New(CodeUnknownService, ""), CodeUnknownService, false, false},
		{"override", New(CodeTimeout, "slow", WithRetryable(false)), CodeTimeout, false, true},
		{"wrapped", fmt.Errorf("step 2: %w", New(CodePolicyDenied, "deny")), CodePolicyDenied, false, true},
		{"plain", stdErrors.New("boom"), CodeUnknown, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.code {
				t.Fatalf("code = %s, want %s", got, tc.code)
			}
			if got := RetryableError(tc.err); got != tc.retryable {
				t.Fatalf("retryable = %v, want %v", got, tc.retryable)
			}
			if got := ShouldAlert(tc.err); got != tc.alert {
				t.Fatalf("alert = %v, want %v", got, tc.alert)
			}
		})
	}
}

func TestIsComparesCodes(t *testing.T) {
	err := fmt.Errorf("wrap: %w", New(CodeMissingInput, "owner"))
	if !stdErrors.Is(err, New(CodeMissingInput, "")) {
		t.Fatalf("errors.Is should match on code")
	}
	if stdErrors.Is(err, New(CodeInvalidInput, "")) {
		t.Fatalf("different codes must not match")
	}
}

func TestRegisterAndSeverity(t *testing.T) {
	code := Code("TEST_REGISTERED")
	Register(code, Attributes{Message: "registered", Severity: SeverityCritical, Retryable: true})
	err := New(code, "")
	if err.Message() != "registered" || err.Severity() != SeverityCritical || !err.Retryable() {
		t.Fatalf("registered attributes not applied: %v", err)
	}
	if sev := New(code, "", WithSeverity(SeverityInfo)).Severity(); sev != SeverityInfo {
		t.Fatalf("severity override ignored: %s", sev)
	}
	if AttributesOf("NEVER_REGISTERED").Severity != SeverityCritical {
		t.Fatalf("unregistered codes fall back to UNKNOWN attributes")
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(CodeConflict, "dup", WithMetadata("run_id", "r1"))
	meta := err.Metadata()
	meta["run_id"] = "changed"
	if err.Metadata()["run_id"] != "r1" {
		t.Fatalf("metadata should be returned as a copy")
	}
	var nilErr *Error
	if nilErr.Code() != CodeUnknown || nilErr.Error() != "" || nilErr.Retryable() {
		t.Fatalf("nil error accessors should be safe")
	}
}
