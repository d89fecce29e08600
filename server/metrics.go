// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package server

import (
	"errors"
	"maps"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c2FmZQ/hostedauth/server/internal/oauthprovider"
)

const metricsNamespace = "hostedauth"

// Flow outcomes.
const (
	outcomeSuccess  = "success"
	outcomeDenied   = "access_denied"
	outcomeInvalid  = "invalid_request"
	outcomeError    = "server_error"
	outcomeCanceled = "canceled"
)

type metrics struct {
	registry         *prometheus.Registry
	flows            *prometheus.CounterVec
	events           *prometheus.CounterVec
	providerExchange *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		flows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "flows_total",
				Help:      "Completed authentication flows by method and outcome",
			},
			[]string{"app", "method", "outcome"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "security_events_total",
				Help:      "Security-relevant events, e.g. replays, clones, and refresh token reuse",
			},
			[]string{"event"},
		),
		providerExchange: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "provider_exchange_seconds",
				Help:      "Duration of authorization code exchanges with the identity providers",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
			},
			[]string{"provider", "status"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"route", "status_code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
	m.registry.MustRegister(
		m.flows,
		m.events,
		m.providerExchange,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *metrics) flow(app, method, outcome string) {
	if app == "" {
		app = "unknown"
	}
	m.flows.WithLabelValues(app, method, outcome).Inc()
}

func (m *metrics) observeExchange(provider string, d time.Duration, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, oauthprovider.ErrAccessDenied):
		status = "denied"
	case errors.Is(err, oauthprovider.ErrProviderUnavailable):
		status = "unavailable"
	default:
		status = "error"
	}
	m.providerExchange.WithLabelValues(provider, status).Observe(d.Seconds())
}

func (m *metrics) request(route string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// eventRecorder is handed to the components. Every event is counted in
// memory and exported as a metric.
type eventRecorder struct {
	s *Server
}

func (r eventRecorder) Record(msg string) {
	r.s.recordEvent(msg)
}

func (s *Server) recordEvent(msg string) {
	s.eventsmu.Lock()
	defer s.eventsmu.Unlock()
	if s.events == nil {
		s.events = make(map[string]int64)
	}
	s.events[msg]++
	s.metrics.events.WithLabelValues(msg).Inc()
}

// Events returns the number of times each event was recorded.
func (s *Server) Events() map[string]int64 {
	s.eventsmu.Lock()
	defer s.eventsmu.Unlock()
	return maps.Clone(s.events)
}
