package reliability

import (
	"context"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/circuitbreaker"
	"roomcast/pkg/retry"

	"go.uber.org/zap"
)

var _ ports.PresencePublisher = (*ResilientPublisher)(nil)

// ResilientPublisher wraps a PresencePublisher with retries and a circuit
// breaker per principal kind, so an outage of the downstream bus costs one
// fast failure per notification instead of a full retry cycle.
type ResilientPublisher struct {
	publisher ports.PresencePublisher
	logger    *zap.SugaredLogger

	retryConfig   retry.Config
	breakerConfig circuitbreaker.Config

	mu       sync.Mutex
	breakers map[domain.PrincipalKind]*circuitbreaker.CircuitBreaker
}

func NewResilientPublisher(
	publisher ports.PresencePublisher,
	retryConfig retry.Config,
	breakerConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *ResilientPublisher {
	// Retrying against an open breaker only burns the backoff.
	retryConfig.Permanent = append(retryConfig.Permanent, circuitbreaker.ErrOpen, context.Canceled, context.DeadlineExceeded)

	return &ResilientPublisher{
		publisher:     publisher,
		logger:        logger,
		retryConfig:   retryConfig,
		breakerConfig: breakerConfig,
		breakers:      make(map[domain.PrincipalKind]*circuitbreaker.CircuitBreaker),
	}
}

func (p *ResilientPublisher) breaker(kind domain.PrincipalKind) *circuitbreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[kind]; ok {
		return cb
	}

	cb := circuitbreaker.New(p.breakerConfig)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		p.logger.Infow("presence publisher circuit changed",
			"kind", kind,
			"from", from.String(),
			"to", to.String(),
		)
	})
	p.breakers[kind] = cb
	return cb
}

func (p *ResilientPublisher) PublishDisconnect(ctx context.Context, n domain.PresenceNotification) error {
	cb := p.breaker(n.Kind)
	return retry.Retry(ctx, p.retryConfig, func() error {
		return cb.Execute(ctx, func() error {
			return p.publisher.PublishDisconnect(ctx, n)
		})
	})
}

// State reports the breaker state for a principal kind. Kinds never
// published for report closed.
func (p *ResilientPublisher) State(kind domain.PrincipalKind) circuitbreaker.State {
	p.mu.Lock()
	cb, ok := p.breakers[kind]
	p.mu.Unlock()
	if !ok {
		return circuitbreaker.StateClosed
	}
	return cb.GetState()
}
