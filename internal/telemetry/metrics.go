// Package telemetry exposes scheduler metrics in the Prometheus format.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kidbot/internal/models"
)

const namespace = "kidbot"

// Metrics owns its registry so several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	executions        *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	retryAttempts     *prometheus.CounterVec
	retryExhausted    *prometheus.CounterVec
	remindersSent     *prometheus.CounterVec
	reminderFailures  prometheus.Counter
	duplicatesSkipped *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_executions_total", Help: "Task runs by tenant, kind and result.",
		}, []string{"tenant", "kind", "result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limit_rejections_total", Help: "Operations rejected by a rate-limit gate.",
		}, []string{"gate"}),
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retry_attempts_total", Help: "Failed periodic runs scheduled for another attempt.",
		}, []string{"tenant"}),
		retryExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retry_exhausted_total", Help: "Periods given up after the retry ceiling.",
		}, []string{"tenant"}),
		remindersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reminders_delivered_total", Help: "Reminders delivered, on time or recovered after downtime.",
		}, []string{"when"}),
		reminderFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reminder_failures_total", Help: "Reminder delivery attempts that failed.",
		}),
		duplicatesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicate_suppressions_total", Help: "Deliveries skipped because the content was already sent.",
		}, []string{"tenant"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.executions, m.rateLimited, m.retryAttempts, m.retryExhausted,
		m.remindersSent, m.reminderFailures, m.duplicatesSkipped,
	)
	return m
}

// Gauge registers a gauge read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Executed(tenant string, kind models.Kind, result string) {
	m.executions.WithLabelValues(tenant, string(kind), result).Inc()
}

func (m *Metrics) RateLimited(gate string) { m.rateLimited.WithLabelValues(gate).Inc() }

func (m *Metrics) RetryAttempt(tenant string) { m.retryAttempts.WithLabelValues(tenant).Inc() }

func (m *Metrics) RetryExhausted(tenant string) { m.retryExhausted.WithLabelValues(tenant).Inc() }

func (m *Metrics) ReminderDelivered(missed bool) {
	when := "on_time"
	if missed {
		when = "missed"
	}
	m.remindersSent.WithLabelValues(when).Inc()
}

func (m *Metrics) ReminderFailed() { m.reminderFailures.Inc() }

func (m *Metrics) DuplicateSuppressed(tenant string) { m.duplicatesSkipped.WithLabelValues(tenant).Inc() }
