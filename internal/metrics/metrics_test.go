package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector(false)

	c.Order("buy", "live")
	c.Order("buy", "live")
	c.Order("sell", "simulated")
	c.Exit("stop")
	c.Skip("regime")
	c.Skip("regime")
	c.Reconcile("adopt")
	c.OpenPositions(2)
	c.RealizedToday(-12.5)
	c.BullSymbols(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.orders.WithLabelValues("buy", "live")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.orders.WithLabelValues("sell", "simulated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.exits.WithLabelValues("stop")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.skips.WithLabelValues("regime")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconcile.WithLabelValues("adopt")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.openPositions))
	assert.Equal(t, -12.5, testutil.ToFloat64(c.realizedToday))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.bullSymbols))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector(false)
	b := NewCollector(false)
	a.Exit("tp1")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.exits.WithLabelValues("tp1")))
}

func TestHandlerExposition(t *testing.T) {
	c := NewCollector(false)
	c.Exit("trail")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `spotrunner_exits_total{reason="trail"} 1`))
	assert.Contains(t, string(body), "spotrunner_open_positions 0")
}
