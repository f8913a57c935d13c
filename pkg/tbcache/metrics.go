package tbcache

import (
	"github.com/ascrivener/dbt/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	translations  prometheus.Counter
	flushes       prometheus.Counter
	chains        prometheus.Counter
	invalidations prometheus.Counter
	lookups       *prometheus.CounterVec
	liveTBs       prometheus.Gauge
	codeBytes     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		translations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbt", Subsystem: "tbcache", Name: "translations_total",
			Help: "Translation blocks generated.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbt", Subsystem: "tbcache", Name: "flushes_total",
			Help: "Full cache flushes.",
		}),
		chains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbt", Subsystem: "tbcache", Name: "chains_total",
			Help: "Exit slots patched to jump directly into another block.",
		}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbt", Subsystem: "tbcache", Name: "invalidations_total",
			Help: "Translation blocks removed before a full flush.",
		}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbt", Subsystem: "tbcache", Name: "lookups_total",
			Help: "Registry lookups by result.",
		}, []string{"result"}),
		liveTBs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbt", Subsystem: "tbcache", Name: "live_tbs",
			Help: "Translation blocks currently reachable.",
		}),
		codeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbt", Subsystem: "tbcache", Name: "code_bytes",
			Help: "Bytes of the code arena in use.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, col := range []prometheus.Collector{
		m.translations, m.flushes, m.chains, m.invalidations, m.lookups, m.liveTBs, m.codeBytes,
	} {
		if err := reg.Register(col); err != nil {
			return nil, errors.Wrapf(err, "registering tbcache metrics")
		}
	}
	return m, nil
}
