package usecase

import (
	"testing"

	"github.com/freesidenomad/commandbus/internal/domain"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("reporting", "StatementQuery", func(hctx domain.HandlerContext) domain.Outcome {
		called = true
		return domain.Success(nil)
	})

	h, ok := r.Resolve("reporting", "StatementQuery")
	if !ok {
		t.Fatalf("expected handler to resolve")
	}
	h(domain.HandlerContext{})
	if !called {
		t.Fatalf("resolved handler was not the registered one")
	}
}

func TestRegistry_ResolveMissing(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Resolve("reporting", "Unknown"); ok {
		t.Fatalf("expected no handler for an unregistered command type")
	}
}

func TestRegistry_DomainsAreIsolated(t *testing.T) {
	r := NewRegistry()
	r.Register("billing", "Charge", func(hctx domain.HandlerContext) domain.Outcome { return domain.Success(nil) })
	if _, ok := r.Resolve("reporting", "Charge"); ok {
		t.Fatalf("a handler registered for one domain must not resolve under another")
	}
}
