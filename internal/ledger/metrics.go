package ledger

import "github.com/prometheus/client_golang/prometheus"

var entriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "homesettle",
	Subsystem: "ledger",
	Name:      "entries_total",
	Help:      "Ledger writes by transaction type and resulting status.",
}, []string{"type", "status"})

func init() {
	prometheus.MustRegister(entriesTotal)
}
