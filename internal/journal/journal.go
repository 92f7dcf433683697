// Package journal records trade events as JSON lines and aggregates them
// into per-day statistics.
package journal

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"spotrunner/internal/types"
)

// Sink receives every recorded event in addition to the JSONL file
type Sink interface {
	Record(ctx context.Context, ev types.TradeEvent) error
}

// Options configures file rotation
type Options struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Journal appends trade events to a rotating JSONL file
type Journal struct {
	mu     sync.Mutex
	path   string
	out    io.WriteCloser
	sinks  []Sink
	logger *slog.Logger
}

// New opens a journal at opts.Path. Extra sinks get every event too.
func New(opts Options, logger *slog.Logger, sinks ...Sink) *Journal {
	path := opts.Path
	if path == "" {
		path = "./trades.jsonl"
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	return &Journal{
		path: path,
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		},
		sinks:  sinks,
		logger: logger,
	}
}

// Path returns the active journal file
func (j *Journal) Path() string {
	return j.path
}

// Record writes one event. Failures are logged and never returned.
func (j *Journal) Record(ctx context.Context, ev types.TradeEvent) {
	line, err := json.Marshal(ev)
	if err != nil {
		j.logger.Error("[JOURNAL] Failed to encode event", "symbol", ev.Symbol, "event", ev.Event, "error", err)
		return
	}
	line = append(line, '\n')

	j.mu.Lock()
	_, err = j.out.Write(line)
	j.mu.Unlock()
	if err != nil {
		j.logger.Error("[JOURNAL] Failed to write event", "path", j.path, "error", err)
	}

	for _, s := range j.sinks {
		if err := s.Record(ctx, ev); err != nil {
			j.logger.Warn("[JOURNAL] Sink failed", "symbol", ev.Symbol, "event", ev.Event, "error", err)
		}
	}
}

// Close flushes and closes the file
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.out.Close()
}

// ReadFile returns the events for day from path and its rotated backups,
// oldest first. An empty day returns every event. Malformed lines are skipped.
func ReadFile(path, day string) ([]types.TradeEvent, error) {
	files, err := journalFiles(path)
	if err != nil {
		return nil, err
	}

	var events []types.TradeEvent
	for _, f := range files {
		evs, err := readOne(f, day)
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}
	sort.SliceStable(events, func(a, b int) bool {
		return events[a].TS.Before(events[b].TS)
	})
	return events, nil
}

// journalFiles lists rotated backups (lumberjack names them
// <name>-<timestamp><ext>) followed by the active file
func journalFiles(path string) ([]string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)

	backups, err := filepath.Glob(stem + "-*" + ext + "*")
	if err != nil {
		return nil, fmt.Errorf("failed to list journal backups: %w", err)
	}
	sort.Strings(backups)

	files := backups
	if _, err := os.Stat(path); err == nil {
		files = append(files, path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat journal: %w", err)
	}
	return files, nil
}

func readOne(path, day string) ([]types.TradeEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed journal: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var events []types.TradeEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev types.TradeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if day != "" && ev.Day != day {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return events, nil
}
