package goerror

import (
	"errors"
	"net/http"
	"testing"
)

func TestStatusCode(t *testing.T) {
	cases := []struct {
		code   Code
		status int
	}{
		{CodeInternal, http.StatusInternalServerError},
		{CodeInvalidFormat, http.StatusBadRequest},
		{CodeInvalidInput, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeConflict, http.StatusConflict},
		{CodeTooManyRequest, http.StatusTooManyRequests},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeTimeout, http.StatusRequestTimeout},
		{Code(99), http.StatusInternalServerError},
	}

	for _, c := range cases {
		e := &Error{code: c.code}
		if got := e.StatusCode(); got != c.status {
			t.Errorf("StatusCode(%s) = %d, want %d", c.code.String(), got, c.status)
		}
	}
}

func TestConstructors(t *testing.T) {
	t.Run("server wraps the cause", func(t *testing.T) {
		cause := errors.New("connection reset")

		err := NewServer(cause)

		var gerr *Error
		if !errors.As(err, &gerr) {
			t.Fatalf("expected *Error, got %T", err)
		}
		if gerr.StatusCode() != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", gerr.StatusCode())
		}
		if !errors.Is(err, cause) {
			t.Fatalf("expected the cause to be unwrappable")
		}
	})

	t.Run("invalid input maps to 400", func(t *testing.T) {
		err := NewInvalidInput(errors.New("identity_id is required"))

		var gerr *Error
		if !errors.As(err, &gerr) {
			t.Fatalf("expected *Error, got %T", err)
		}
		if gerr.StatusCode() != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", gerr.StatusCode())
		}
		if gerr.Type() != TypeValidation {
			t.Fatalf("type = %v, want validation", gerr.Type())
		}
	})

	t.Run("invalid input with field pairs", func(t *testing.T) {
		err := NewInvalidInput(nil, "purpose", "must be a lowercase slug")

		var gerr *Error
		if !errors.As(err, &gerr) {
			t.Fatalf("expected *Error, got %T", err)
		}
		if got := gerr.Fields()["purpose"]; got != "must be a lowercase slug" {
			t.Fatalf("fields = %v", gerr.Fields())
		}
	})

	t.Run("business carries message and code", func(t *testing.T) {
		err := NewBusiness("record not found", CodeNotFound)

		var gerr *Error
		if !errors.As(err, &gerr) {
			t.Fatalf("expected *Error, got %T", err)
		}
		if gerr.Msg() != "record not found" || gerr.StatusCode() != http.StatusNotFound {
			t.Fatalf("msg = %q status = %d", gerr.Msg(), gerr.StatusCode())
		}
	})
}
