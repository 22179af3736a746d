package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestOf(t *testing.T) {
	wrapped := fmt.Errorf("executing: %w", Wrap(WriteNotAllowed, errors.New("table organizations")))
	if got := Of(wrapped); got != WriteNotAllowed {
		t.Errorf("Of(wrapped) = %q, want %q", got, WriteNotAllowed)
	}
	if got := Of(errors.New("boom")); got != Internal {
		t.Errorf("Of(plain) = %q, want %q", got, Internal)
	}
	if got := Of(nil); got != "" {
		t.Errorf("Of(nil) = %q, want empty", got)
	}
}

func TestIsAuth(t *testing.T) {
	for _, code := range []string{"auth_missing", "AUTH_INVALID", "auth_project_mismatch", "401", "JWT expired", "Missing authorization header"} {
		if !IsAuth(code) {
			t.Errorf("IsAuth(%q) = false, want true", code)
		}
	}
	for _, code := range []string{"", "write_not_allowed", "23505", "internal_error"} {
		if IsAuth(code) {
			t.Errorf("IsAuth(%q) = true, want false", code)
		}
	}
}

func TestMessage_NeverLeaksCode(t *testing.T) {
	codes := []string{"23502", "23503", "23505", "22001", "forbidden_operation", "auth_invalid", "config_missing", "some raw backend failure"}
	for _, c := range codes {
		msg := Message(c)
		if msg == "" || msg == c {
			t.Errorf("Message(%q) = %q, want a friendly sentence", c, msg)
		}
	}
	if Message("23505") == Message("internal_error") {
		t.Error("unique violation should have a distinct message from the generic failure")
	}
}

func TestIsValidation(t *testing.T) {
	if !IsValidation(MissingQuery) || !IsValidation(OperationNotAllowed) {
		t.Error("expected validation codes to be recognised")
	}
	if IsValidation(AuthInvalid) || IsValidation(Internal) {
		t.Error("non-validation codes reported as validation")
	}
}
