package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveGateEvaluation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveGateEvaluation("pr_approvals_met", true, 25*time.Millisecond)

	require.Equal(t, float64(1), testutil.ToFloat64(m.GateEvaluations.WithLabelValues("pr_approvals_met", "true")))
}

func TestRecordWatchdogEscape(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordWatchdogEscape("backup")
	m.RecordWatchdogEscape("backup")
	m.RecordWatchdogEscape("sweep")

	require.Equal(t, float64(2), testutil.ToFloat64(m.WatchdogEscapes.WithLabelValues("backup")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.WatchdogEscapes.WithLabelValues("sweep")))
}

func TestNewRegistersDistinctNamesAcrossInstances(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()

	require.NotPanics(t, func() {
		New(reg1)
		New(reg2)
	})
}
