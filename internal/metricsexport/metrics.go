// Package metricsexport serves the reserved per-service metrics endpoint
// with JSON and Prometheus renderings.
package metricsexport

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fossabot/otoroshi/internal/stats"
)

// MetricsPath is the reserved metrics endpoint.
const MetricsPath = "/.well-known/otoroshi/metrics"

// Handler renders the live stats registry.
type Handler struct {
	stats     *stats.Registry
	accessKey string
	registry  *prometheus.Registry
	promHTTP  http.Handler
}

// New creates the handler. When accessKey is non-empty, requests must
// carry it as ?access_key=.
func New(st *stats.Registry, accessKey string) *Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(&collector{stats: st})
	return &Handler{
		stats:     st,
		accessKey: accessKey,
		registry:  reg,
		promHTTP:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

// ServeHTTP negotiates the output format from ?format= or Accept.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.accessKey != "" &&
		subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("access_key")), []byte(h.accessKey)) != 1 {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch h.format(r) {
	case "prometheus":
		h.promHTTP.ServeHTTP(w, r)
	case "old_json":
		h.writeJSON(w, true)
	default:
		h.writeJSON(w, false)
	}
}

func (h *Handler) format(r *http.Request) string {
	if f := r.URL.Query().Get("format"); f != "" {
		return f
	}
	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "application/prometheus"):
		return "prometheus"
	case strings.Contains(accept, "application/json"):
		return "json"
	}
	return "json"
}

type serviceMetrics struct {
	ServiceID   string  `json:"serviceId"`
	Calls       int64   `json:"calls"`
	DataIn      int64   `json:"dataIn"`
	DataOut     int64   `json:"dataOut"`
	Rate        float64 `json:"callsPerSec"`
	Duration    float64 `json:"avgDuration"`
	Overhead    float64 `json:"avgOverhead"`
	DataInRate  float64 `json:"dataInRate"`
	DataOutRate float64 `json:"dataOutRate"`
}

// writeJSON renders all services. The old_json shape is the flat list the
// first-generation consumers expect; the current shape nests under
// "services" with the global roll-up alongside.
func (h *Handler) writeJSON(w http.ResponseWriter, old bool) {
	services := make([]serviceMetrics, 0)
	for _, id := range h.stats.ServiceIDs() {
		s := h.stats.ForService(id)
		services = append(services, serviceMetrics{
			ServiceID:   id,
			Calls:       s.Calls(),
			DataIn:      s.DataIn(),
			DataOut:     s.DataOut(),
			Rate:        s.CallsPerSec(),
			Duration:    s.AvgDuration(),
			Overhead:    s.AvgOverhead(),
			DataInRate:  s.DataInRate(),
			DataOutRate: s.DataOutRate(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if old {
		json.NewEncoder(w).Encode(services)
		return
	}

	g := h.stats.Global()
	json.NewEncoder(w).Encode(map[string]any{
		"services": services,
		"global": serviceMetrics{
			ServiceID:   "global",
			Calls:       g.Calls(),
			DataIn:      g.DataIn(),
			DataOut:     g.DataOut(),
			Rate:        g.CallsPerSec(),
			Duration:    g.AvgDuration(),
			Overhead:    g.AvgOverhead(),
			DataInRate:  g.DataInRate(),
			DataOutRate: g.DataOutRate(),
		},
		"inFlight": h.stats.InFlight(),
	})
}

// collector bridges the live stats registry into Prometheus metric families
// at scrape time.
type collector struct {
	stats *stats.Registry
}

var (
	callsDesc = prometheus.NewDesc("otoroshi_service_calls_total",
		"Completed requests per service", []string{"service"}, nil)
	dataInDesc = prometheus.NewDesc("otoroshi_service_data_in_bytes_total",
		"Bytes received from clients per service", []string{"service"}, nil)
	dataOutDesc = prometheus.NewDesc("otoroshi_service_data_out_bytes_total",
		"Bytes sent to clients per service", []string{"service"}, nil)
	rateDesc = prometheus.NewDesc("otoroshi_service_calls_per_second",
		"Sliding-window request rate per service", []string{"service"}, nil)
	durationDesc = prometheus.NewDesc("otoroshi_service_duration_ms",
		"Windowed mean call duration per service", []string{"service"}, nil)
	overheadDesc = prometheus.NewDesc("otoroshi_service_overhead_ms",
		"Windowed mean proxy overhead per service", []string{"service"}, nil)
	inFlightDesc = prometheus.NewDesc("otoroshi_concurrent_requests",
		"Requests currently in flight", nil, nil)
)

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- callsDesc
	ch <- dataInDesc
	ch <- dataOutDesc
	ch <- rateDesc
	ch <- durationDesc
	ch <- overheadDesc
	ch <- inFlightDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, id := range c.stats.ServiceIDs() {
		s := c.stats.ForService(id)
		ch <- prometheus.MustNewConstMetric(callsDesc, prometheus.CounterValue, float64(s.Calls()), id)
		ch <- prometheus.MustNewConstMetric(dataInDesc, prometheus.CounterValue, float64(s.DataIn()), id)
		ch <- prometheus.MustNewConstMetric(dataOutDesc, prometheus.CounterValue, float64(s.DataOut()), id)
		ch <- prometheus.MustNewConstMetric(rateDesc, prometheus.GaugeValue, s.CallsPerSec(), id)
		ch <- prometheus.MustNewConstMetric(durationDesc, prometheus.GaugeValue, s.AvgDuration(), id)
		ch <- prometheus.MustNewConstMetric(overheadDesc, prometheus.GaugeValue, s.AvgOverhead(), id)
	}
	ch <- prometheus.MustNewConstMetric(inFlightDesc, prometheus.GaugeValue, float64(c.stats.InFlight()))
}
