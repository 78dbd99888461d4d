package obs

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPromSinkCounters(t *testing.T) {
	s := NewPromSink()

	s.IncError("runtime")
	s.IncError("runtime")
	s.IncReconnect()
	s.IncRiskViolation("absolute_drawdown")

	require.Equal(t, 2.0, testutil.ToFloat64(s.errors.WithLabelValues("runtime")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.reconnects))
	require.Equal(t, 1.0, testutil.ToFloat64(s.violations.WithLabelValues("absolute_drawdown")))
}

func TestPromSinkGauges(t *testing.T) {
	s := NewPromSink()

	s.SetEdge("BTCUSDT", 0.0015)
	s.SetPositionSize("BTCUSDT", -0.25)
	s.SetOrdersActive("BTCUSDT", true)
	s.SetOrdersActive("ETHUSDT", false)
	s.SetRealizedPnL("BTCUSDT", 12.5)
	s.SetUnrealizedPnL("BTCUSDT", -3.5)

	require.Equal(t, 0.0015, testutil.ToFloat64(s.edge.WithLabelValues("BTCUSDT")))
	require.Equal(t, -0.25, testutil.ToFloat64(s.positionSize.WithLabelValues("BTCUSDT")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.ordersActive.WithLabelValues("BTCUSDT")))
	require.Equal(t, 0.0, testutil.ToFloat64(s.ordersActive.WithLabelValues("ETHUSDT")))
	require.Equal(t, 12.5, testutil.ToFloat64(s.pnlTotal.WithLabelValues("BTCUSDT")))
	require.Equal(t, -3.5, testutil.ToFloat64(s.pnlUnreal.WithLabelValues("BTCUSDT")))
}

func TestPromSinkRegistryGathers(t *testing.T) {
	s := NewPromSink()
	s.SetEdge("BTCUSDT", 0.001)

	families, err := s.Registry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "trading_edge")
}
