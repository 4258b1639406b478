package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolStats is a snapshot of the database connection pool.
type PoolStats struct {
	Total    int32
	Idle     int32
	Acquired int32
	Max      int32
}

// DBPoolStatFunc reports pool sizes. It keeps pgxpool out of this package.
type DBPoolStatFunc func() PoolStats

type poolGauge struct {
	desc  *prometheus.Desc
	value func(PoolStats) int32
}

// dbPoolCollector reads the pool once per scrape.
type dbPoolCollector struct {
	stats  DBPoolStatFunc
	gauges []poolGauge
}

// NewDBPoolCollector wraps stats as a collector.
func NewDBPoolCollector(stats DBPoolStatFunc) prometheus.Collector {
	gauge := func(name, help string, value func(PoolStats) int32) poolGauge {
		return poolGauge{desc: prometheus.NewDesc(name, help, nil, nil), value: value}
	}
	return &dbPoolCollector{
		stats: stats,
		gauges: []poolGauge{
			gauge("clubpass_db_pool_total_conns", "Connections currently open.",
				func(s PoolStats) int32 { return s.Total }),
			gauge("clubpass_db_pool_idle_conns", "Idle connections.",
				func(s PoolStats) int32 { return s.Idle }),
			gauge("clubpass_db_pool_acquired_conns", "Connections checked out.",
				func(s PoolStats) int32 { return s.Acquired }),
			gauge("clubpass_db_pool_max_conns", "Pool size limit.",
				func(s PoolStats) int32 { return s.Max }),
		},
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, float64(g.value(s)))
	}
}
