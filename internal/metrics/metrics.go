// Package metrics defines the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hotmail_reader"

// Collectors groups every metric the service records. A nil *Collectors is
// valid and records nothing.
type Collectors struct {
	registry *prometheus.Registry

	TokenExchanges *prometheus.CounterVec
	TokenCache     *prometheus.CounterVec
	IMAPSessions   *prometheus.CounterVec
	IMAPActive     prometheus.Gauge
	OTPSearches    *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		registry: reg,
		TokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_exchanges_total",
			Help:      "Refresh token exchanges by endpoint and outcome.",
		}, []string{"endpoint", "result"}),
		TokenCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_lookups_total",
			Help:      "Access token cache lookups by outcome.",
		}, []string{"result"}),
		IMAPSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imap_sessions_total",
			Help:      "IMAP sessions opened, by outcome.",
		}, []string{"result"}),
		IMAPActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "imap_sessions_active",
			Help:      "IMAP sessions currently open.",
		}),
		OTPSearches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_searches_total",
			Help:      "OTP searches by outcome.",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		c.TokenExchanges, c.TokenCache,
		c.IMAPSessions, c.IMAPActive,
		c.OTPSearches,
		c.HTTPRequests, c.HTTPDuration,
	)
	return c
}

// Handler serves the registry in the prometheus text format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) TokenExchange(endpoint, result string) {
	if c != nil {
		c.TokenExchanges.WithLabelValues(endpoint, result).Inc()
	}
}

func (c *Collectors) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.TokenCache.WithLabelValues("hit").Inc()
		return
	}
	c.TokenCache.WithLabelValues("miss").Inc()
}

func (c *Collectors) IMAPSession(result string) {
	if c != nil {
		c.IMAPSessions.WithLabelValues(result).Inc()
	}
}

func (c *Collectors) IMAPOpen(delta float64) {
	if c != nil {
		c.IMAPActive.Add(delta)
	}
}

func (c *Collectors) OTPSearch(result string) {
	if c != nil {
		c.OTPSearches.WithLabelValues(result).Inc()
	}
}

func (c *Collectors) ObserveHTTP(route, status string, seconds float64) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(route, status).Inc()
	c.HTTPDuration.WithLabelValues(route).Observe(seconds)
}
