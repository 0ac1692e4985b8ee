// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package host

import (
	"expvar"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector returns a prometheus.Collector that exports the transport
// metrics of h. Each entry of the transport metrics map is reported as
// compframe_<key>. Entries whose key ends in "_active" are gauges, the rest
// are counters. Entries that are not integers are skipped.
func (h *Host) Collector() prometheus.Collector {
	return expvarCollector{m: h.Transport.Metrics(), prefix: "compframe_"}
}

type expvarCollector struct {
	m      *expvar.Map
	prefix string
}

// Describe implements part of prometheus.Collector.
func (c expvarCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements part of prometheus.Collector.
func (c expvarCollector) Collect(ch chan<- prometheus.Metric) {
	c.m.Do(func(kv expvar.KeyValue) {
		v, ok := kv.Value.(*expvar.Int)
		if !ok {
			return
		}
		vtype := prometheus.CounterValue
		if strings.HasSuffix(kv.Key, "_active") {
			vtype = prometheus.GaugeValue
		}
		desc := prometheus.NewDesc(c.prefix+kv.Key, "Transport metric "+kv.Key+".", nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, vtype, float64(v.Value()))
	})
}
