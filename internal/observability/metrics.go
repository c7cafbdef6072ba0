package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/rt-oracle-bridge/kb"
	"github.com/signalsfoundry/rt-oracle-bridge/measurement"
)

// OracleCollector bundles Prometheus metrics for oracle exchanges, the object
// directory and the measurement log. It satisfies oracle.Recorder.
type OracleCollector struct {
	gatherer prometheus.Gatherer

	Exchanges           *prometheus.CounterVec
	ExchangeDurations   *prometheus.HistogramVec
	ConfirmationRetries prometheus.Counter
	UnresolvedPositions *prometheus.CounterVec
	DirectoryObjects    prometheus.Gauge
	MeasurementRows     prometheus.Counter
}

// NewOracleCollector registers the bridge metrics against reg, defaulting to
// the global Prometheus registry when nil.
func NewOracleCollector(reg prometheus.Registerer) (*OracleCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	exchanges, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_exchanges_total",
		Help: "Oracle request/reply exchanges, labeled by operation and outcome.",
	}, []string{"op", "outcome"}), "oracle_exchanges_total")
	if err != nil {
		return nil, err
	}

	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oracle_exchange_duration_seconds",
		Help:    "Wall-clock latency of oracle exchanges in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30, 120},
	}, []string{"op"}), "oracle_exchange_duration_seconds")
	if err != nil {
		return nil, err
	}

	retries, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oracle_confirmation_retries_total",
		Help: "Replies discarded while waiting for a location update confirmation.",
	}), "oracle_confirmation_retries_total")
	if err != nil {
		return nil, err
	}

	unresolved, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_unresolved_positions_total",
		Help: "Query positions that matched no directory entry.",
	}, []string{"op"}), "oracle_unresolved_positions_total")
	if err != nil {
		return nil, err
	}

	objects, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oracle_directory_objects",
		Help: "Current number of objects registered with the oracle.",
	}), "oracle_directory_objects")
	if err != nil {
		return nil, err
	}

	rows, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "measurement_rows_total",
		Help: "Rows appended to the measurement log.",
	}), "measurement_rows_total")
	if err != nil {
		return nil, err
	}

	return &OracleCollector{
		gatherer:            gatherer,
		Exchanges:           exchanges,
		ExchangeDurations:   durations,
		ConfirmationRetries: retries,
		UnresolvedPositions: unresolved,
		DirectoryObjects:    objects,
		MeasurementRows:     rows,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *OracleCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *OracleCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveExchange records one finished exchange.
func (c *OracleCollector) ObserveExchange(op, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Exchanges.WithLabelValues(op, outcome).Inc()
	c.ExchangeDurations.WithLabelValues(op).Observe(elapsed.Seconds())
}

// IncConfirmationRetries adds n discarded confirmation replies.
func (c *OracleCollector) IncConfirmationRetries(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.ConfirmationRetries.Add(float64(n))
}

// IncUnresolvedPositions counts a position that resolved to no id.
func (c *OracleCollector) IncUnresolvedPositions(op string) {
	if c == nil {
		return
	}
	c.UnresolvedPositions.WithLabelValues(op).Inc()
}

// ObserveRow counts one appended measurement row. It fits
// measurement.WithRowHook.
func (c *OracleCollector) ObserveRow(measurement.Row) {
	if c == nil {
		return
	}
	c.MeasurementRows.Inc()
}

// TrackDirectory keeps the directory gauge in step with dir until the
// returned function is called.
func (c *OracleCollector) TrackDirectory(dir *kb.Directory) (stop func()) {
	if c == nil || dir == nil {
		return func() {}
	}
	c.DirectoryObjects.Set(float64(dir.Len()))
	return dir.Subscribe(func(kb.Event) {
		c.DirectoryObjects.Set(float64(dir.Len()))
	})
}

// register adds col to reg, returning the already registered collector of
// the same type when one exists.
func register[T prometheus.Collector](reg prometheus.Registerer, col T, name string) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
