package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the domain counters of the authentication core.
type Metrics struct {
	ResolverDisagreements prometheus.Counter
	AuditDropped          prometheus.Counter
	AuditFailed           prometheus.Counter
	EventsUndelivered     prometheus.Counter
	RateLimitRejections   *prometheus.CounterVec
	Logins                *prometheus.CounterVec
	SessionsRevoked       *prometheus.CounterVec
}

// NewMetrics registers the domain counters on reg. Collectors that are
// already registered are reused, so tests and multiple servers can share a
// registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ResolverDisagreements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_resolver_disagreements_total",
			Help: "Requests where the bearer token and the session cookie named different principals or roles.",
		}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Security events dropped because the dispatch queue was full or closed.",
		}),
		AuditFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_failed_total",
			Help: "Security events that could not be written after all retries.",
		}),
		EventsUndelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "security_events_undelivered_total",
			Help: "Security events Kafka rejected after the producer exhausted its retries.",
		}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"rule"}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login handshake steps by outcome.",
		}, []string{"step", "outcome"}),
		SessionsRevoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_sessions_revoked_total",
			Help: "Sessions revoked by reason.",
		}, []string{"reason"}),
	}

	var err error
	if m.ResolverDisagreements, err = registerCounter(reg, m.ResolverDisagreements); err != nil {
		return nil, err
	}
	if m.AuditDropped, err = registerCounter(reg, m.AuditDropped); err != nil {
		return nil, err
	}
	if m.AuditFailed, err = registerCounter(reg, m.AuditFailed); err != nil {
		return nil, err
	}
	if m.EventsUndelivered, err = registerCounter(reg, m.EventsUndelivered); err != nil {
		return nil, err
	}
	if m.RateLimitRejections, err = registerCounterVec(reg, m.RateLimitRejections); err != nil {
		return nil, err
	}
	if m.Logins, err = registerCounterVec(reg, m.Logins); err != nil {
		return nil, err
	}
	if m.SessionsRevoked, err = registerCounterVec(reg, m.SessionsRevoked); err != nil {
		return nil, err
	}

	return m, nil
}

// NewNopMetrics returns counters that are not registered anywhere.
func NewNopMetrics() *Metrics {
	m, _ := NewMetrics(prometheus.NewRegistry())
	return m
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}
