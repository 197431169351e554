package api

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/escrowdex/pkg/app/core/exchange"
)

const namespace = "escrowdex"

// Metrics holds the node's prometheus collectors on a private registry.
// It is an exchange.Emitter so it can count committed events directly.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	txs      *prometheus.CounterVec
	chain    atomic.Pointer[ChainSource]
}

// ChainSource is what the chain gauges sample on each scrape.
type ChainSource interface {
	MempoolLen() int
	Height() uint64
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed exchange events by kind.",
		}, []string{"kind"}),
		txs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Executed transactions by type and result.",
		}, []string{"type", "result"}),
	}
	m.registry.MustRegister(
		m.events,
		m.txs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.gaugeFunc("mempool_size", "Transactions waiting for a block.", func() float64 {
		if src := m.chain.Load(); src != nil {
			return float64((*src).MempoolLen())
		}
		return 0
	})
	m.gaugeFunc("block_height", "Height of the last finalized block.", func() float64 {
		if src := m.chain.Load(); src != nil {
			return float64((*src).Height())
		}
		return 0
	})
	return m
}

// ObserveChain points the chain gauges at src, replacing any earlier source.
func (m *Metrics) ObserveChain(src ChainSource) {
	m.chain.Store(&src)
}

func (m *Metrics) Emit(rec exchange.Record) {
	m.events.WithLabelValues(string(rec.Event.Kind())).Inc()
}

// ObserveTx counts one executed transaction.
func (m *Metrics) ObserveTx(txType string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.txs.WithLabelValues(txType, result).Inc()
}

// gaugeFunc registers a gauge sampled from fn on every scrape.
func (m *Metrics) gaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var _ exchange.Emitter = (*Metrics)(nil)
