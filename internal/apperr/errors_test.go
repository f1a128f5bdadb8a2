package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestFromWrapsUnknownAsInternal(t *testing.T) {
	raw := errors.New("pq: connection refused on 10.0.0.5:5432")
	ae := From(raw)

	if ae.Code != CodeInternal {
		t.Fatalf("expected INTERNAL, got %s", ae.Code)
	}
	// Сырой текст не должен утекать в публичное сообщение
	if strings.Contains(ae.Public(), "10.0.0.5") {
		t.Fatalf("internal detail leaked into public message: %q", ae.Public())
	}
	if !errors.Is(ae, raw) {
		t.Fatal("cause must stay reachable for internal logging")
	}
}

func TestFromPreservesTaggedError(t *testing.T) {
	orig := Validation("text too long")
	wrapped := fmt.Errorf("handler: %w", orig)

	ae := From(wrapped)
	if ae != orig {
		t.Fatalf("expected the original tagged error, got %v", ae)
	}
}

func TestDeniedShapeIsUniform(t *testing.T) {
	real := Denied("message.send_text")
	fake := Denied("totally.made.up")

	if real.Code != fake.Code || real.HTTPStatus != fake.HTTPStatus {
		t.Fatal("denial shape must not depend on whether the capability exists")
	}
	if real.HTTPStatus != http.StatusForbidden {
		t.Fatalf("unexpected status: %d", real.HTTPStatus)
	}
}

func TestRetryability(t *testing.T) {
	cases := []struct {
		err  *Error
		want bool
	}{
		{RateLimited(time.Second), true},
		{CircuitOpen("postgres"), true},
		{Transient(errors.New("timeout")), true},
		{Denied("x"), false},
		{Validation("bad"), false},
		{NotFound("session"), false},
		{Internal(errors.New("boom")), false},
	}
	for _, c := range cases {
		if got := IsRetryable(c.err); got != c.want {
			t.Errorf("%s: retryable = %v, want %v", c.err.Code, got, c.want)
		}
	}
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	ae := RateLimited(42 * time.Second)
	if ae.RetryAfter != 42*time.Second {
		t.Fatalf("retry-after lost: %v", ae.RetryAfter)
	}
}
