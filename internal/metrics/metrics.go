// Package metrics содержит счётчики Prometheus для операций сервиса.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Исходы операций.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Operations считает вызовы операций по имени и исходу.
type Operations struct {
	total *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	defaultOps  *Operations
)

// NewOperations создаёт счётчики и регистрирует их в reg.
func NewOperations(reg prometheus.Registerer) *Operations {
	ops := &Operations{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finledger_operations_total",
			Help: "Count of ledger, role and loan operations by outcome.",
		}, []string{"operation", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(ops.total)
	}
	return ops
}

// Default возвращает счётчики, зарегистрированные в глобальном реестре Prometheus.
func Default() *Operations {
	defaultOnce.Do(func() {
		defaultOps = NewOperations(prometheus.DefaultRegisterer)
	})
	return defaultOps
}

// Observe увеличивает счётчик операции.
func (m *Operations) Observe(operation, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = OutcomeOK
	}
	m.total.WithLabelValues(operation, outcome).Inc()
}
