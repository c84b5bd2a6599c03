package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "flashlev"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Inc()          { p.gauge.Inc() }
func (p promGauge) Dec()          { p.gauge.Dec() }
func (p promGauge) Set(v float64) { p.gauge.Set(v) }

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	opened := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "positions_opened_total",
		Help:      "Total number of positions opened.",
	})
	modified := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "positions_modified_total",
		Help:      "Total number of position resizes.",
	})
	closed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "positions_closed_total",
		Help:      "Total number of positions closed by their owner.",
	})
	fullLiq := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "liquidations_full_total",
		Help:      "Total number of full liquidations.",
	})
	partialLiq := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "liquidations_partial_total",
		Help:      "Total number of partial liquidations.",
	})
	flashLoans := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "flash_loans_total",
		Help:      "Total number of flash loans requested.",
	})
	callbacksRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "callbacks_rejected_total",
		Help:      "Total number of loan callbacks rejected by authentication.",
	})
	operationsFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "operations_failed_total",
		Help:      "Total number of mutating operations that aborted.",
	})
	openPositions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "open_positions",
		Help:      "Number of currently open positions.",
	})

	registry.MustRegister(opened, modified, closed, fullLiq, partialLiq, flashLoans, callbacksRejected, operationsFailed, openPositions)

	m := &Metrics{
		PositionsOpened:     promCounter{opened},
		PositionsModified:   promCounter{modified},
		PositionsClosed:     promCounter{closed},
		FullLiquidations:    promCounter{fullLiq},
		PartialLiquidations: promCounter{partialLiq},
		FlashLoans:          promCounter{flashLoans},
		CallbacksRejected:   promCounter{callbacksRejected},
		OperationsFailed:    promCounter{operationsFailed},
		OpenPositions:       promGauge{openPositions},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
