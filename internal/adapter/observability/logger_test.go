package observability

import (
	"context"
	"testing"

	"github.com/freesidenomad/commandbus/internal/config"
)

func TestSetupLogger_DevAndProd(t *testing.T) {
	lg := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "svc"})
	if lg == nil {
		t.Fatalf("nil logger")
	}
	lg2 := SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "svc"})
	if lg2 == nil {
		t.Fatalf("nil logger prod")
	}
}

func TestContextLogger_RoundTrip(t *testing.T) {
	base := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "svc"})
	ctx := ContextWithLogger(context.Background(), base)
	if got := LoggerFromContext(ctx); got != base {
		t.Fatalf("expected round-tripped logger")
	}
	if got := LoggerFromContext(context.Background()); got == nil {
		t.Fatalf("expected default logger for bare context")
	}
}

func TestWithCommandFields(t *testing.T) {
	base := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "svc"})
	enriched := WithCommandFields(base, "payments", "cmd-1", "Debit")
	if enriched == nil {
		t.Fatalf("nil enriched logger")
	}
}
