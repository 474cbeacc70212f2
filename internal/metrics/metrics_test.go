package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserve(t *testing.T) {
	ops := NewOperations(prometheus.NewRegistry())

	ops.Observe("deposit", OutcomeOK)
	ops.Observe("deposit", "")
	ops.Observe("withdraw", OutcomeRejected)

	assert.Equal(t, 2.0, testutil.ToFloat64(ops.total.WithLabelValues("deposit", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(ops.total.WithLabelValues("withdraw", OutcomeRejected)))
}

func TestObserveNilSafe(t *testing.T) {
	var ops *Operations
	assert.NotPanics(t, func() { ops.Observe("deposit", OutcomeOK) })
}
