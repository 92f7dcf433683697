// Package metrics exposes engine activity as Prometheus collectors:
//
//	spotrunner_orders_total{side,mode}        orders placed (mode: live|paper|simulated)
//	spotrunner_exits_total{reason}            position exits by reason
//	spotrunner_entry_skips_total{reason}      gate skips by reason
//	spotrunner_reconcile_actions_total{action} wallet reconciliation actions
//	spotrunner_open_positions                 tracked positions
//	spotrunner_realized_today                 realized net P&L for the trading day
//	spotrunner_bull_symbols                   symbols currently in bull bias
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spotrunner"

// Collector owns a private registry so tests can build several side by side
type Collector struct {
	registry *prometheus.Registry

	orders        *prometheus.CounterVec
	exits         *prometheus.CounterVec
	skips         *prometheus.CounterVec
	reconcile     *prometheus.CounterVec
	openPositions prometheus.Gauge
	realizedToday prometheus.Gauge
	bullSymbols   prometheus.Gauge
}

// NewCollector creates and registers every collector. withRuntime adds the
// Go runtime and process collectors.
func NewCollector(withRuntime bool) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_total",
				Help:      "Orders placed",
			},
			[]string{"side", "mode"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exits_total",
				Help:      "Position exits by reason",
			},
			[]string{"reason"},
		),
		skips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entry_skips_total",
				Help:      "Entry gate skips by reason",
			},
			[]string{"reason"},
		),
		reconcile: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_actions_total",
				Help:      "Wallet reconciliation actions",
			},
			[]string{"action"},
		),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Tracked open positions",
		}),
		realizedToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_today",
			Help:      "Realized net P&L for the current trading day in quote currency",
		}),
		bullSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bull_symbols",
			Help:      "Symbols currently in bull bias",
		}),
	}

	c.registry.MustRegister(
		c.orders,
		c.exits,
		c.skips,
		c.reconcile,
		c.openPositions,
		c.realizedToday,
		c.bullSymbols,
	)
	if withRuntime {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Order(side, mode string) {
	c.orders.WithLabelValues(side, mode).Inc()
}

func (c *Collector) Exit(reason string) {
	c.exits.WithLabelValues(reason).Inc()
}

func (c *Collector) Skip(reason string) {
	c.skips.WithLabelValues(reason).Inc()
}

func (c *Collector) Reconcile(action string) {
	c.reconcile.WithLabelValues(action).Inc()
}

func (c *Collector) OpenPositions(n int) {
	c.openPositions.Set(float64(n))
}

func (c *Collector) RealizedToday(v float64) {
	c.realizedToday.Set(v)
}

func (c *Collector) BullSymbols(n int) {
	c.bullSymbols.Set(float64(n))
}
