// Package metrics publishes the adapter's operational counters (spec
// component K): live stream count, live route count, and slot-pool
// overflow events.
package metrics

import (
	"expvar"
	"net/http"

	"github.com/docker/go-metrics"
)

const namespace = "tcpnukleus"

// Counters holds the three published gauges/counters and an expvar.Map
// mirror for operators without a Prometheus scraper.
type Counters struct {
	streams   metrics.Gauge
	routes    metrics.Gauge
	overflows metrics.Counter

	local       *expvar.Map
	streamCount int
}

// New creates and registers the tcpnukleus Prometheus namespace.
func New() *Counters {
	ns := metrics.NewNamespace(namespace, "", nil)
	c := &Counters{
		streams:   ns.NewGauge("streams", "number of live bridged TCP streams", metrics.Total),
		routes:    ns.NewGauge("routes", "number of registered routes", metrics.Total),
		overflows: ns.NewCounter("overflows", "number of write-stream slot pool exhaustion events"),
		local:     expvar.NewMap(namespace),
	}
	metrics.Register(ns)
	return c
}

// StreamOpened satisfies factory.StreamCounter: called once per accepted or
// connected socket, it bumps the live stream gauge.
func (c *Counters) StreamOpened() {
	c.streamCount++
	c.streams.Set(float64(c.streamCount))
	c.local.Set("streams", asVar(c.streamCount))
}

// StreamClosed satisfies factory.StreamCounter: called once the socket's
// Conn is finally released, it brings the live stream gauge back down.
func (c *Counters) StreamClosed() {
	c.streamCount--
	c.streams.Set(float64(c.streamCount))
	c.local.Set("streams", asVar(c.streamCount))
}

// SetRoutes updates the live route count.
func (c *Counters) SetRoutes(n int) {
	c.routes.Set(float64(n))
	c.local.Set("routes", asVar(n))
}

// Inc satisfies stream.Overflows: every WriteStream slot exhaustion calls
// this to bump the monotonic overflow counter.
func (c *Counters) Inc() {
	c.overflows.Inc(1)
}

// Handler exposes the registered namespace in Prometheus text format.
func Handler() http.Handler {
	return metrics.Handler()
}

func asVar(n int) expvar.Var {
	v := new(expvar.Int)
	v.Set(int64(n))
	return v
}
