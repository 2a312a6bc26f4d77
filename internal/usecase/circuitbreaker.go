package usecase

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/freesidenomad/commandbus/internal/adapter/observability"
)

// HandlerBreakers owns one gobreaker.CircuitBreaker per (domain, command_type)
// pair, lazily created on first dispatch. This is a pure availability
// optimization layered over the worker's required retry/TSQ semantics: a
// tripped breaker fails fast into the existing Transient path instead of
// spending a DB transaction and a visibility-timeout window on a handler
// that is currently down.
type HandlerBreakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	metrics  *observability.Metrics
}

// NewHandlerBreakers constructs an empty breaker registry.
func NewHandlerBreakers(metrics *observability.Metrics) *HandlerBreakers {
	return &HandlerBreakers{breakers: make(map[string]*gobreaker.CircuitBreaker), metrics: metrics}
}

func (h *HandlerBreakers) get(domainName, commandType string) *gobreaker.CircuitBreaker {
	key := domainName + "\x00" + commandType
	h.mu.Lock()
	defer h.mu.Unlock()
	if cb, ok := h.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen && h.metrics != nil {
				h.metrics.CircuitBreakerTrips.WithLabelValues(domainName, commandType).Inc()
			}
		},
	})
	h.breakers[key] = cb
	return cb
}

// Execute runs fn through the breaker for (domainName, commandType). A
// request rejected because the breaker is open is surfaced as
// gobreaker.ErrOpenState, which the worker treats as Transient.
func (h *HandlerBreakers) Execute(domainName, commandType string, fn func() (any, error)) (any, error) {
	return h.get(domainName, commandType).Execute(fn)
}
