package observability

import (
	"context"
	"testing"

	"github.com/freesidenomad/commandbus/internal/config"
)

func TestSetupTracing_Disabled(t *testing.T) {
	cfg := config.Config{OTLPEndpoint: ""}
	shutdown, err := SetupTracing(cfg)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if shutdown != nil {
		_ = shutdown(context.Background())
	}
}

func TestSetupTracing_WithEndpoint(t *testing.T) {
	cfg := config.Config{
		OTLPEndpoint:    "localhost:4318",
		OTELServiceName: "test-service",
	}

	shutdown, err := SetupTracing(cfg)
	if err != nil {
		if shutdown != nil {
			t.Fatal("expected nil shutdown function on error")
		}
		return
	}
	if shutdown != nil {
		_ = shutdown(context.Background())
	}
}
