package usecase

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker"
)

func TestHandlerBreakers_TripsAfterConsecutiveFailures(t *testing.T) {
	breakers := NewHandlerBreakers(nil)
	boom := errors.New("handler exploded")

	for i := 0; i < 5; i++ {
		_, err := breakers.Execute("reporting", "StatementQuery", func() (any, error) {
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected the underlying error, got %v", i, err)
		}
	}

	_, err := breakers.Execute("reporting", "StatementQuery", func() (any, error) {
		return "should not run", nil
	})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected the breaker to be open after 5 consecutive failures, got %v", err)
	}
}

func TestHandlerBreakers_IsolatedPerCommandType(t *testing.T) {
	breakers := NewHandlerBreakers(nil)
	boom := errors.New("handler exploded")

	for i := 0; i < 5; i++ {
		_, _ = breakers.Execute("reporting", "StatementQuery", func() (any, error) {
			return nil, boom
		})
	}

	out, err := breakers.Execute("reporting", "StatementRender", func() (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("a different command type must not be affected by another's open breaker: %v", err)
	}
	if out != "ok" {
		t.Fatalf("unexpected result: %v", out)
	}
}
