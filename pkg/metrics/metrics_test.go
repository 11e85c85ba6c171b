package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSwapMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveSwap(true, "ignored", time.Second)
	m.ObserveSwap(false, "RELAY_REJECTED", time.Second)
	m.ObserveSwap(false, "", time.Second)
	m.ObserveState("Quoting")
	m.ObserveState("Quoting")
	m.ObserveLedgerEvent("refund")
	m.SetPendingSwaps(3)

	require.Equal(t, 1.0, testutil.ToFloat64(m.SwapCounterVec().WithLabelValues("success", "")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SwapCounterVec().WithLabelValues("failure", "RELAY_REJECTED")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SwapCounterVec().WithLabelValues("failure", "unknown")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.StateCounterVec().WithLabelValues("Quoting")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.LedgerCounterVec().WithLabelValues("refund")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.PendingGauge()))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *SwapMetrics
	require.NotPanics(t, func() {
		m.ObserveSwap(true, "", time.Second)
		m.ObserveState("Done")
		m.ObserveQuote()
		m.ObserveSettlement(time.Second)
		m.ObserveTransaction("ft_withdraw", true)
		m.ObserveLedgerEvent("payout")
		m.SetPendingSwaps(1)
	})
	require.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "metrics.prom")))
}

func TestWriteTextfile(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveTransaction("ft_withdraw", false)

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `near_swap_worker_transactions_total{method="ft_withdraw",result="failure"} 1`)
}
