package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotrunner/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memSink struct {
	events []types.TradeEvent
	err    error
}

func (m *memSink) Record(_ context.Context, ev types.TradeEvent) error {
	m.events = append(m.events, ev)
	return m.err
}

func event(day string, hour int, kind types.TradeEventType, net float64) types.TradeEvent {
	return types.TradeEvent{
		TS:     time.Date(2026, 3, 10, hour, 0, 0, 0, time.UTC),
		Day:    day,
		Symbol: "BTC/USDT",
		Event:  kind,
		Net:    net,
		Gross:  net + 0.1,
		Fee:    0.1,
	}
}

func TestRecordAndReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	sink := &memSink{}
	j := New(Options{Path: path}, discardLogger(), sink)

	ctx := context.Background()
	j.Record(ctx, event("2026-03-10", 1, types.EventOpen, 0))
	j.Record(ctx, event("2026-03-10", 2, types.EventTP1, 3))
	j.Record(ctx, event("2026-03-11", 3, types.EventStop, -2))
	require.NoError(t, j.Close())

	assert.Len(t, sink.events, 3)

	day, err := ReadFile(path, "2026-03-10")
	require.NoError(t, err)
	require.Len(t, day, 2)
	assert.Equal(t, types.EventOpen, day[0].Event)
	assert.Equal(t, types.EventTP1, day[1].Event)

	all, err := ReadFile(path, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRecordSinkFailureDoesNotStopFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	sink := &memSink{err: errors.New("db down")}
	j := New(Options{Path: path}, discardLogger(), sink)

	j.Record(context.Background(), event("2026-03-10", 1, types.EventTrail, 1))
	require.NoError(t, j.Close())

	evs, err := ReadFile(path, "")
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestReadFileSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	content := `{"day":"2026-03-10","symbol":"BTC/USDT","event":"tp2","net":1.5}
not json at all

{"day":"2026-03-10","symbol":"BTC/USDT","event":"stop","net":-1}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	evs, err := ReadFile(path, "2026-03-10")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, types.EventTP2, evs[0].Event)
}

func TestReadFileIncludesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trades.jsonl")
	backup := filepath.Join(dir, "trades-2026-03-10T05-00-00.000.jsonl")

	require.NoError(t, os.WriteFile(backup,
		[]byte(`{"ts":"2026-03-10T01:00:00Z","day":"2026-03-10","event":"open"}`+"\n"), 0644))
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"ts":"2026-03-10T02:00:00Z","day":"2026-03-10","event":"tp1","net":2}`+"\n"), 0644))

	evs, err := ReadFile(path, "2026-03-10")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, types.EventOpen, evs[0].Event)
	assert.Equal(t, types.EventTP1, evs[1].Event)
}

func TestReadFileMissing(t *testing.T) {
	evs, err := ReadFile(filepath.Join(t.TempDir(), "none.jsonl"), "")
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name   string
		events []types.TradeEvent
		check  func(t *testing.T, s Stats)
	}{
		{
			name: "empty",
			check: func(t *testing.T, s Stats) {
				assert.Equal(t, Stats{}, s)
			},
		},
		{
			name: "mixed",
			events: []types.TradeEvent{
				event("d", 1, types.EventOpen, 0),
				event("d", 2, types.EventTP1, 4),
				event("d", 3, types.EventTrail, 2),
				event("d", 4, types.EventStop, -3),
				event("d", 5, types.EventAdopt, 0),
			},
			check: func(t *testing.T, s Stats) {
				assert.Equal(t, 3, s.Count)
				assert.Equal(t, 2, s.Wins)
				assert.Equal(t, 1, s.Losses)
				assert.InDelta(t, 3.0, s.NetTotal, 1e-9)
				assert.InDelta(t, 0.3, s.FeeTotal, 1e-9)
				assert.InDelta(t, 3.0, s.AvgWin, 1e-9)
				assert.InDelta(t, -3.0, s.AvgLoss, 1e-9)
				assert.InDelta(t, 2.0/3.0, s.WinRate, 1e-9)
				assert.InDelta(t, 2.0, s.ProfitFactor, 1e-9)
				assert.InDelta(t, 1.0, s.Expectancy, 1e-9)
			},
		},
		{
			name: "wins only",
			events: []types.TradeEvent{
				event("d", 1, types.EventTP2, 5),
			},
			check: func(t *testing.T, s Stats) {
				assert.True(t, math.IsInf(s.ProfitFactor, 1))
				assert.Equal(t, 1.0, s.WinRate)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Summarize(tt.events))
		})
	}
}

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies []string
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, string(body))
	return &s3.PutObjectOutput{}, nil
}

func TestArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	j := New(Options{Path: path}, discardLogger())
	j.Record(context.Background(), event("2026-03-10", 1, types.EventOpen, 0))
	j.Record(context.Background(), event("2026-03-11", 2, types.EventStop, -1))
	require.NoError(t, j.Close())

	fp := &fakePutter{}
	a := newS3Archiver(fp, "bucket", "journal/spot", discardLogger())

	require.NoError(t, a.Archive(context.Background(), "2026-03-10", path))
	require.Len(t, fp.inputs, 1)
	assert.Equal(t, "journal/spot/2026-03-10.jsonl", *fp.inputs[0].Key)
	assert.Equal(t, "bucket", *fp.inputs[0].Bucket)
	assert.Contains(t, fp.bodies[0], `"event":"open"`)
	assert.NotContains(t, fp.bodies[0], `"event":"stop"`)

	require.NoError(t, a.Archive(context.Background(), "2026-01-01", path))
	assert.Len(t, fp.inputs, 1)
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normalizeEndpoint("minio:9000"))
	assert.Equal(t, "http://minio:9000", normalizeEndpoint("http://minio:9000"))
}
