package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeUnauthenticated, "bad signature")
	if !errors.Is(err, New(CodeUnauthenticated, "other message")) {
		t.Fatal("expected match on identical codes")
	}
	if errors.Is(err, New(CodeNotFound, "bad signature")) {
		t.Fatal("expected mismatch on different codes")
	}
}

func TestCodeOfTraversesWrapping(t *testing.T) {
	inner := New(CodeNotFound, "no such user")
	wrapped := fmt.Errorf("verify frame: %w", inner)
	if got := CodeOf(wrapped); got != CodeNotFound {
		t.Fatalf("code = %q, want %q", got, CodeNotFound)
	}
	if got := CodeOf(errors.New("plain")); got != CodeUnknown {
		t.Fatalf("code = %q, want %q", got, CodeUnknown)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("row not found")
	err := Wrap(CodeNotFound, "lookup user", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause in chain")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodeInvalidArgument, http.StatusBadRequest},
		{CodeFailedPrecondition, http.StatusConflict},
		{CodeNotFound, http.StatusNotFound},
		{CodePermissionDenied, http.StatusForbidden},
		{CodeAlreadyExists, http.StatusConflict},
		{CodeUnknown, http.StatusInternalServerError},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Fatalf("%s status = %d, want %d", tc.code, got, tc.want)
		}
	}
}
