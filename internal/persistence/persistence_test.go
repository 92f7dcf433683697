package persistence

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotrunner/internal/types"
)

func TestSnapshotCodecRoundTrip(t *testing.T) {
	snap := &types.Snapshot{
		Version: 1,
		SavedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		Positions: map[string]types.Position{
			"BTCUSDT": {Entry: 100, Size: 2, Peak: 105, StopPrice: 99, TookTP1: true},
		},
		Ledger:     types.LedgerSnapshot{Day: "2026-03-10", RealizedToday: -4.5},
		KillSwitch: true,
	}

	data, err := encodeSnapshot(snap)
	require.NoError(t, err)

	got, err := decodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap.Positions["BTCUSDT"], got.Positions["BTCUSDT"])
	assert.Equal(t, snap.Ledger.RealizedToday, got.Ledger.RealizedToday)
	assert.True(t, got.KillSwitch)
	assert.NotNil(t, got.TradesToday)
}

func TestDecodeSnapshotMissingFields(t *testing.T) {
	got, err := decodeSnapshot([]byte(`{"version":1}`))
	require.NoError(t, err)
	assert.Empty(t, got.Positions)
	assert.NotNil(t, got.Positions)
	assert.False(t, got.Paused)
}

func TestDecodeSnapshotInvalid(t *testing.T) {
	_, err := decodeSnapshot([]byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse state")
}

func TestEncodeNilSnapshot(t *testing.T) {
	_, err := encodeSnapshot(nil)
	assert.Error(t, err)
}

func TestPostgresConnString(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: "5432", User: "runner", Password: "pw", Database: "spot"}
	s := cfg.ConnString()
	assert.Contains(t, s, "host=db")
	assert.Contains(t, s, "dbname=spot")
	assert.True(t, strings.HasSuffix(s, "sslmode=disable"))

	cfg.SSLMode = "require"
	assert.True(t, strings.HasSuffix(cfg.ConnString(), "sslmode=require"))
}

func TestRedisKeys(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := newRedisStore(nil, "", logger)
	assert.Equal(t, "spotrunner:state", r.stateKey())
	assert.Equal(t, "spotrunner:lock", r.lockKey())

	r = newRedisStore(nil, "desk1", logger)
	assert.Equal(t, "desk1:state", r.stateKey())
}
