package softmmu

import (
	"strconv"

	"github.com/ascrivener/dbt/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	misses     *prometheus.CounterVec
	faults     prometheus.Counter
	flushes    *prometheus.CounterVec
	codeWrites prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, cpu int) (*metrics, error) {
	labels := prometheus.Labels{"cpu": strconv.Itoa(cpu)}
	m := &metrics{
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbt", Subsystem: "softmmu", Name: "misses_total",
			Help: "TLB slow path entries by access kind.", ConstLabels: labels,
		}, []string{"kind"}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbt", Subsystem: "softmmu", Name: "faults_total",
			Help: "Page walks that ended in a guest fault.", ConstLabels: labels,
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbt", Subsystem: "softmmu", Name: "flushes_total",
			Help: "TLB flushes by scope.", ConstLabels: labels,
		}, []string{"scope"}),
		codeWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbt", Subsystem: "softmmu", Name: "code_writes_total",
			Help: "Guest writes into pages holding translated code.", ConstLabels: labels,
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, col := range []prometheus.Collector{m.misses, m.faults, m.flushes, m.codeWrites} {
		if err := reg.Register(col); err != nil {
			return nil, errors.Wrapf(err, "registering softmmu metrics for cpu %d", cpu)
		}
	}
	return m, nil
}
