// Package replay streams historical bars through the virtual clock to the
// run's consumers in strict (bar_time, symbol) order. One replayer drives
// one run; pause, resume, and stop act between timestamp groups so a
// group is never split.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sammarten/signal/internal/clock"
	"github.com/sammarten/signal/internal/logger"
	"github.com/sammarten/signal/internal/market"
)

const logTag = "REPLAY"

// batchSize is how many bars are pulled from storage per round trip.
const batchSize = 1000

// progressEvery throttles progress callbacks to one per this many bars.
const progressEvery = 1000

// ErrReplayFailed wraps storage errors that end a replay.
var ErrReplayFailed = errors.New("replay: failed")

// ErrNoBarsInWindow reports an empty query result.
var ErrNoBarsInWindow = errors.New("replay: no bars in window")

// State is the replayer lifecycle state. Terminal states are sticky.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

func (s State) terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Query selects the bars to replay.
type Query struct {
	Symbols     []string
	Start       time.Time // inclusive
	End         time.Time // inclusive
	RegularOnly bool
}

// BarIterator yields batches of bars in ascending (bar_time, symbol)
// order. A nil batch with nil error means exhaustion.
type BarIterator interface {
	Next(ctx context.Context) ([]market.Bar, error)
}

// BarSource is the read side of the historical store.
type BarSource interface {
	CountBars(ctx context.Context, q Query) (int64, error)
	ScanBars(ctx context.Context, q Query, batchSize int) (BarIterator, error)
}

// Consumer receives every replayed bar. Consumers are invoked in
// registration order, synchronously, per bar.
type Consumer interface {
	OnBar(bar market.Bar) error
}

// Progress is the throttled status payload handed to the progress
// callback and returned by Status.
type Progress struct {
	State         State     `json:"state"`
	BarsProcessed int64     `json:"bars_processed"`
	TotalBars     int64     `json:"total_bars"`
	CurrentTime   time.Time `json:"current_time"`
	PctComplete   float64   `json:"pct_complete"`
}

// ProgressFunc receives throttled progress updates.
type ProgressFunc func(Progress)

// Replayer streams one query's bars through the clock to the consumers.
type Replayer struct {
	source    BarSource
	clk       *clock.Clock
	consumers []Consumer
	query     Query

	mu        sync.Mutex
	resumeCh  chan struct{}
	state     State
	processed int64
	total     int64
	current   time.Time
}

// New builds an idle replayer.
func New(source BarSource, clk *clock.Clock, query Query, consumers ...Consumer) *Replayer {
	return &Replayer{
		source:    source,
		clk:       clk,
		query:     query,
		consumers: consumers,
		state:     StateIdle,
	}
}

// Status returns a snapshot of the replayer's progress.
func (r *Replayer) Status() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progressLocked()
}

func (r *Replayer) progressLocked() Progress {
	pct := 0.0
	if r.total > 0 {
		pct = float64(r.processed) / float64(r.total) * 100
	}
	return Progress{
		State:         r.state,
		BarsProcessed: r.processed,
		TotalBars:     r.total,
		CurrentTime:   r.current,
		PctComplete:   pct,
	}
}

// Pause suspends batch pulls after the in-flight timestamp group.
func (r *Replayer) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning {
		r.state = StatePaused
	}
}

// Resume continues a paused replay.
func (r *Replayer) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StatePaused {
		r.state = StateRunning
		if r.resumeCh != nil {
			close(r.resumeCh)
			r.resumeCh = nil
		}
	}
}

// Stop cancels the replay. The in-flight timestamp group completes.
func (r *Replayer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.terminal() {
		return
	}
	prev := r.state
	r.state = StateCancelled
	if prev == StatePaused && r.resumeCh != nil {
		close(r.resumeCh)
		r.resumeCh = nil
	}
}

// Start runs the replay to completion, cancellation, or failure. It
// blocks; the coordinator runs it on its own goroutine when concurrency
// is needed.
func (r *Replayer) Start(ctx context.Context, progress ProgressFunc) error {
	r.mu.Lock()
	if r.state != StateIdle {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("replay: start from state %q", state)
	}
	r.state = StateRunning
	r.mu.Unlock()

	err := r.run(ctx, progress)

	r.mu.Lock()
	switch {
	case err == nil && r.state == StateCancelled:
		err = context.Canceled
	case err == nil:
		r.state = StateCompleted
	case errors.Is(err, context.Canceled):
		r.state = StateCancelled
	default:
		r.state = StateFailed
	}
	final := r.progressLocked()
	r.mu.Unlock()

	if progress != nil {
		progress(final)
	}
	return err
}

func (r *Replayer) run(ctx context.Context, progress ProgressFunc) error {
	total, err := r.source.CountBars(ctx, r.query)
	if err != nil {
		return fmt.Errorf("%w: count: %v", ErrReplayFailed, err)
	}
	if total == 0 {
		return ErrNoBarsInWindow
	}
	r.mu.Lock()
	r.total = total
	r.mu.Unlock()

	iter, err := r.source.ScanBars(ctx, r.query, batchSize)
	if err != nil {
		return fmt.Errorf("%w: scan: %v", ErrReplayFailed, err)
	}

	var sinceProgress int64
	for {
		if err := r.waitIfPaused(ctx); err != nil {
			return err
		}

		batch, err := iter.Next(ctx)
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrReplayFailed, err)
		}
		if len(batch) == 0 {
			return nil
		}

		for _, group := range groupByTime(batch) {
			if err := r.waitIfPaused(ctx); err != nil {
				return err
			}

			if err := r.clk.Advance(group.at); err != nil {
				return fmt.Errorf("%w: %v", ErrReplayFailed, err)
			}

			for _, bar := range group.bars {
				for _, consumer := range r.consumers {
					if err := consumer.OnBar(bar); err != nil {
						return fmt.Errorf("%w: consumer: %v", ErrReplayFailed, err)
					}
				}
			}

			r.mu.Lock()
			r.processed += int64(len(group.bars))
			r.current = group.at
			snap := r.progressLocked()
			r.mu.Unlock()

			sinceProgress += int64(len(group.bars))
			if progress != nil && sinceProgress >= progressEvery {
				sinceProgress = 0
				progress(snap)
			}
		}
	}
}

// waitIfPaused blocks while paused, and surfaces cancellation from either
// Stop or the context.
func (r *Replayer) waitIfPaused(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		switch r.state {
		case StateRunning:
			r.mu.Unlock()
			return nil
		case StateCancelled:
			r.mu.Unlock()
			return context.Canceled
		case StatePaused:
			if r.resumeCh == nil {
				r.resumeCh = make(chan struct{})
			}
			ch := r.resumeCh
			r.mu.Unlock()
			logger.Debug(logTag, "paused")
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			state := r.state
			r.mu.Unlock()
			return fmt.Errorf("%w: unexpected state %q", ErrReplayFailed, state)
		}
	}
}

// timeGroup is every bar sharing one timestamp, symbols ascending.
type timeGroup struct {
	at   time.Time
	bars []market.Bar
}

// groupByTime splits a batch into per-timestamp groups preserving time
// order and sorting each group by symbol.
func groupByTime(batch []market.Bar) []timeGroup {
	var groups []timeGroup
	for _, bar := range batch {
		if n := len(groups); n > 0 && groups[n-1].at.Equal(bar.BarTime) {
			groups[n-1].bars = append(groups[n-1].bars, bar)
			continue
		}
		groups = append(groups, timeGroup{at: bar.BarTime, bars: []market.Bar{bar}})
	}
	for i := range groups {
		bars := groups[i].bars
		sort.Slice(bars, func(a, b int) bool { return bars[a].Symbol < bars[b].Symbol })
	}
	return groups
}
