package channel

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"broadcast/internal/domain"
	"broadcast/internal/observability"
)

// Sender delivers one rendered message over one medium. Provider failures are
// reported in the outcome, never as an error.
type Sender interface {
	Channel() domain.Channel
	// Address returns the recipient's destination for this channel, if any.
	Address(r domain.Recipient) (string, bool)
	Send(ctx context.Context, to string, msg domain.Message, tenant domain.Tenant) domain.SendOutcome
}

type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenFor             time.Duration
	HalfOpenRequests    uint32
}

func NewBreaker(name string, s BreakerSettings) *gobreaker.CircuitBreaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 10
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 20 * time.Second
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 3
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= s.ConsecutiveFailures },
	})
}

// Breakers keeps one circuit breaker per tenant for a channel. Tenants send
// through their own provider accounts, so one account being throttled or
// failing must not stop delivery for the others.
type Breakers struct {
	name     string
	settings BreakerSettings

	mu sync.Mutex
	m  map[string]*gobreaker.CircuitBreaker
}

func NewBreakers(name string, s BreakerSettings) *Breakers {
	return &Breakers{name: name, settings: s, m: map[string]*gobreaker.CircuitBreaker{}}
}

// For returns the tenant's breaker, creating it on first use. A nil *Breakers
// returns nil, which disables the breaker.
func (b *Breakers) For(tenantID string) *gobreaker.CircuitBreaker {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.m[tenantID]
	if !ok {
		cb = NewBreaker(b.name+":"+tenantID, b.settings)
		b.m[tenantID] = cb
	}
	return cb
}

// guard wraps a single provider call with the local rate limit, a per-call
// deadline and the channel's circuit breaker.
type guard struct {
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
	Timeout time.Duration
}

type callResult struct {
	providerID string
	httpStatus int
	// rejection is a definitive provider refusal; it fails the attempt without
	// counting against the breaker.
	rejection error
}

type callFunc func(ctx context.Context) (providerID string, httpStatus int, err error)

func (g guard) do(ctx context.Context, ch domain.Channel, call callFunc) (string, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if g.Limiter != nil {
		if err := g.Limiter.Wait(ctx); err != nil {
			observability.ChannelSends.WithLabelValues(string(ch), "rate_limited").Inc()
			return "", errors.New("rate limit wait: " + err.Error())
		}
	}

	start := time.Now()
	exec := func() (any, error) {
		id, status, err := call(ctx)
		if err != nil {
			if transient(err, status) {
				return nil, err
			}
			return callResult{httpStatus: status, rejection: err}, nil
		}
		return callResult{providerID: id, httpStatus: status}, nil
	}

	var (
		res any
		err error
	)
	if g.Breaker == nil {
		res, err = exec()
	} else {
		res, err = g.Breaker.Execute(exec)
	}
	observability.ChannelLatency.WithLabelValues(string(ch)).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.ChannelSends.WithLabelValues(string(ch), "cb_open").Inc()
		return "", err
	}
	if err != nil {
		observability.ChannelSends.WithLabelValues(string(ch), "error").Inc()
		return "", err
	}
	r := res.(callResult)
	if r.rejection != nil {
		observability.ChannelSends.WithLabelValues(string(ch), "rejected").Inc()
		return "", r.rejection
	}
	observability.ChannelSends.WithLabelValues(string(ch), "ok").Inc()
	return r.providerID, nil
}

// transient reports whether a provider failure says something about provider
// health rather than about this one message.
func transient(err error, httpStatus int) bool {
	if httpStatus == 0 {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) {
			return true
		}
		return false
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	return httpStatus >= 500
}

func failed(ch domain.Channel, to string, err error, latency time.Duration) domain.SendOutcome {
	return domain.SendOutcome{Channel: ch, Destination: to, Error: err.Error(), Latency: latency}
}
