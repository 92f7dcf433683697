package engine

import (
	"sync"
	"time"

	"spotrunner/internal/types"
)

const stateVersion = 1

// BiasKind is the per-symbol risk profile selector
type BiasKind int

const (
	BiasFlat BiasKind = iota
	BiasBull
)

func (k BiasKind) String() string {
	if k == BiasBull {
		return "bull"
	}
	return "flat"
}

// BiasState is the hysteresis state of one symbol
type BiasState struct {
	Kind  BiasKind
	Since time.Time
}

// SymbolState holds the per-symbol timers, strikes and bias
type SymbolState struct {
	Bias              BiasState
	Strikes           int
	StopCooldownUntil time.Time
	BuyFailUntil      time.Time
	SellCooldownUntil time.Time
	LastEntryAt       time.Time
	AboveLineSince    time.Time
	MinCostNoticed    bool
}

// Book is the owned store of positions, day counters and per-symbol state
// shared by the symbol loops and the reconciler. Reads return copies;
// mutations go through closures that run on the current value.
type Book struct {
	mu        sync.Mutex
	positions map[string]*types.Position
	trades    map[string]types.DayCount
	symbols   map[string]*SymbolState
	paused    bool
	dirty     bool

	bullAnnounced  bool
	lastBullNotice time.Time
}

// NewBook creates an empty book
func NewBook() *Book {
	return &Book{
		positions: make(map[string]*types.Position),
		trades:    make(map[string]types.DayCount),
		symbols:   make(map[string]*SymbolState),
	}
}

// Position returns a copy of the position for symbol
func (b *Book) Position(symbol string) (types.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// Positions returns a copy of all open positions
func (b *Book) Positions() map[string]types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]types.Position, len(b.positions))
	for s, p := range b.positions {
		out[s] = *p
	}
	return out
}

// SetPosition stores a position, replacing any existing one
func (b *Book) SetPosition(symbol string, p types.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := p
	b.positions[symbol] = &cp
	b.dirty = true
}

// UpdatePosition applies fn to the current position and returns the result
func (b *Book) UpdatePosition(symbol string, fn func(p *types.Position)) (types.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	fn(p)
	if p.Size < 0 {
		p.Size = 0
	}
	b.dirty = true
	return *p, true
}

// RemovePosition deletes and returns the position for symbol
func (b *Book) RemovePosition(symbol string) (types.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	delete(b.positions, symbol)
	b.dirty = true
	return *p, true
}

// OpenCount returns the number of open positions
func (b *Book) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.positions)
}

// Exposure returns the sum of invested across open positions
func (b *Book) Exposure() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0.0
	for _, p := range b.positions {
		total += p.Invested
	}
	return total
}

// TradesToday returns the entry count for symbol on day
func (b *Book) TradesToday(symbol, day string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.trades[symbol]
	if c.Day != day {
		return 0
	}
	return c.Count
}

// IncTrades counts one entry for symbol on day
func (b *Book) IncTrades(symbol, day string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.trades[symbol]
	if c.Day != day {
		c = types.DayCount{Day: day}
	}
	c.Count++
	b.trades[symbol] = c
	b.dirty = true
	return c.Count
}

// Symbol returns a copy of the per-symbol state
func (b *Book) Symbol(symbol string) SymbolState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.symbols[symbol]; ok {
		return *s
	}
	return SymbolState{}
}

// UpdateSymbol applies fn to the per-symbol state
func (b *Book) UpdateSymbol(symbol string, fn func(s *SymbolState)) SymbolState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.symbols[symbol]
	if !ok {
		s = &SymbolState{}
		b.symbols[symbol] = s
	}
	fn(s)
	return *s
}

// TrackDwell records when price first held above the breakout line
func (b *Book) TrackDwell(symbol string, above bool, now time.Time) {
	b.UpdateSymbol(symbol, func(s *SymbolState) {
		switch {
		case !above:
			s.AboveLineSince = time.Time{}
		case s.AboveLineSince.IsZero():
			s.AboveLineSince = now
		}
	})
}

// UpdateBias advances the bias state machine for symbol
func (b *Book) UpdateBias(symbol string, p Params, uptrend bool, gapBps float64, now time.Time) (BiasState, bool) {
	var next BiasState
	var changed bool
	b.UpdateSymbol(symbol, func(s *SymbolState) {
		next, changed = NextBias(s.Bias, p, uptrend, gapBps, now)
		s.Bias = next
	})
	return next, changed
}

// BullCount returns how many symbols are in bull bias
func (b *Book) BullCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.symbols {
		if s.Bias.Kind == BiasBull {
			n++
		}
	}
	return n
}

// AnnounceBull flips the global "any symbol is bull" flag when it differs
// from the last announced value and the notice interval has elapsed. It
// reports whether an announcement is due and the new value.
func (b *Book) AnnounceBull(now time.Time, interval time.Duration) (bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	anyBull := false
	for _, s := range b.symbols {
		if s.Bias.Kind == BiasBull {
			anyBull = true
			break
		}
	}
	if anyBull == b.bullAnnounced {
		return false, anyBull
	}
	if !b.lastBullNotice.IsZero() && now.Sub(b.lastBullNotice) < interval {
		return false, anyBull
	}
	b.bullAnnounced = anyBull
	b.lastBullNotice = now
	return true, anyBull
}

// Paused reports the persisted pause flag
func (b *Book) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// SetPaused sets the persisted pause flag
func (b *Book) SetPaused(paused bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = paused
	b.dirty = true
}

// TakeDirty reports whether the book changed since the last call and clears the flag
func (b *Book) TakeDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.dirty
	b.dirty = false
	return d
}

// MarkDirty flags the book for the next periodic save
func (b *Book) MarkDirty() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirty = true
}

// Snapshot builds the persisted form of the book and ledger
func (b *Book) Snapshot(ledger types.LedgerSnapshot, killSwitch bool, now time.Time) *types.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := &types.Snapshot{
		Version:     stateVersion,
		SavedAt:     now,
		Positions:   make(map[string]types.Position, len(b.positions)),
		TradesToday: make(map[string]types.DayCount, len(b.trades)),
		Ledger:      ledger,
		Paused:      b.paused,
		KillSwitch:  killSwitch,
	}
	for s, p := range b.positions {
		snap.Positions[s] = *p
	}
	for s, c := range b.trades {
		snap.TradesToday[s] = c
	}
	return snap
}

// Restore replaces the book contents with a persisted snapshot
func (b *Book) Restore(snap *types.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.positions = make(map[string]*types.Position, len(snap.Positions))
	for s, p := range snap.Positions {
		cp := p
		if cp.Size <= 0 {
			continue
		}
		if cp.OriginalEntry <= 0 {
			cp.OriginalEntry = cp.Entry
		}
		if cp.Peak < cp.Entry {
			cp.Peak = cp.Entry
		}
		b.positions[s] = &cp
	}
	b.trades = make(map[string]types.DayCount, len(snap.TradesToday))
	for s, c := range snap.TradesToday {
		b.trades[s] = c
	}
	b.paused = snap.Paused
}

// Biases returns the bias name of every tracked symbol
func (b *Book) Biases() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.symbols))
	for s, st := range b.symbols {
		out[s] = st.Bias.Kind.String()
	}
	return out
}
