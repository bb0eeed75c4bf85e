// Package progress tracks per-rendering progress and detects renderings that
// stopped making progress.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drummonds/pdfview/render"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

var (
	ErrNotFound      = errors.New("no progress for rendering")
	ErrBackwardStage = errors.New("progress stage cannot move backwards")
	ErrTerminal      = errors.New("progress already terminal")
)

// Calculation selects how a percentage is derived from stage and stage progress
type Calculation string

const (
	Linear        Calculation = "linear"
	StageWeighted Calculation = "stage-weighted"
)

// stageWeights are percentages per forward stage and sum to 100
var stageWeights = map[render.Stage]float64{
	render.StageInitializing: 5,
	render.StageFetching:     35,
	render.StageParsing:      15,
	render.StageRendering:    40,
	render.StageFinalizing:   5,
}

const DefaultStuckThreshold = 10 * time.Second

// Config tunes the tracker
type Config struct {
	StuckThreshold time.Duration
	CheckInterval  time.Duration
	Calculation    Calculation
}

// DefaultConfig returns a stage weighted tracker with a 10s stuck threshold
func DefaultConfig() Config {
	return Config{
		StuckThreshold: DefaultStuckThreshold,
		CheckInterval:  time.Second,
		Calculation:    StageWeighted,
	}
}

// Update is a progress report from a running rendering
type Update struct {
	Stage render.Stage
	// StageProgress is the fraction (0..1) of the current stage that is done.
	// When zero during FETCHING it is derived from the byte counts.
	StageProgress float64
	BytesLoaded   int64
	TotalBytes    int64
	Message       string
}

type entry struct {
	state   render.ProgressState
	start   time.Time
	subs    map[int]func(render.ProgressState)
	nextSub int
	seq     uint64
	sent    atomic.Uint64
	done    bool
}

// Tracker holds the progress state of every active rendering
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	now     func() time.Time
	onStuck func(id string, state render.ProgressState)
}

// NewTracker creates a tracker
func NewTracker(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = def.StuckThreshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = min(def.CheckInterval, cfg.StuckThreshold/2)
	}
	if cfg.Calculation == "" {
		cfg.Calculation = def.Calculation
	}
	return &Tracker{
		cfg:     cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// SetStuckHandler registers fn to be called once when a rendering becomes stuck
func (t *Tracker) SetStuckHandler(fn func(id string, state render.ProgressState)) {
	t.mu.Lock()
	t.onStuck = fn
	t.mu.Unlock()
}

// SetClock replaces the time source, used by tests
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// InitializeProgress creates the state for id synchronously, replacing any previous state
func (t *Tracker) InitializeProgress(id string, stage render.Stage) render.ProgressState {
	if stage == "" {
		stage = render.StageInitializing
	}
	t.mu.Lock()
	now := t.now()
	e := &entry{
		start: now,
		subs:  make(map[int]func(render.ProgressState)),
		state: render.ProgressState{
			Stage:      stage,
			LastUpdate: now,
			Message:    "Starting",
		},
	}
	e.state.Percentage = t.percentageLocked(stage, 0)
	t.entries[id] = e
	state := e.state
	t.mu.Unlock()
	return state
}

// UpdateProgress applies u to the state of id. The percentage never
// regresses and the stage only moves forward.
func (t *Tracker) UpdateProgress(id string, u Update) (render.ProgressState, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return render.ProgressState{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.done {
		state := e.state
		t.mu.Unlock()
		return state, ErrTerminal
	}

	stage := u.Stage
	if stage == "" {
		stage = e.state.Stage
	}
	if stage != e.state.Stage {
		if !e.state.Stage.CanTransitionTo(stage) {
			state := e.state
			t.mu.Unlock()
			return state, fmt.Errorf("%w: %s -> %s", ErrBackwardStage, state.Stage, stage)
		}
		if stage.IsTerminal() {
			t.mu.Unlock()
			return render.ProgressState{}, fmt.Errorf("use CompleteProgress or FailProgress to reach %s", stage)
		}
	}

	now := t.now()
	if u.BytesLoaded > 0 {
		e.state.BytesLoaded = max(e.state.BytesLoaded, u.BytesLoaded)
	}
	if u.TotalBytes > 0 {
		e.state.TotalBytes = u.TotalBytes
	}
	fraction := u.StageProgress
	if fraction == 0 && stage == render.StageFetching && e.state.TotalBytes > 0 {
		fraction = float64(e.state.BytesLoaded) / float64(e.state.TotalBytes)
	}
	pct := t.percentageLocked(stage, fraction)

	e.state.Stage = stage
	e.state.Percentage = max(e.state.Percentage, pct)
	e.state.LastUpdate = now
	e.state.TimeElapsed = now.Sub(e.start)
	if u.Message != "" {
		e.state.Message = u.Message
	}
	state, subs, seq := t.snapshotLocked(e)
	t.mu.Unlock()

	t.deliver(e, seq, state, subs)
	return state, nil
}

// CompleteProgress moves id to COMPLETE at 100%. Later calls are no-ops.
func (t *Tracker) CompleteProgress(id string) {
	t.finish(id, render.StageComplete, "Complete")
}

// FailProgress moves id to ERROR keeping the reached percentage. Later calls are no-ops.
func (t *Tracker) FailProgress(id string, message string) {
	t.finish(id, render.StageError, message)
}

func (t *Tracker) finish(id string, stage render.Stage, message string) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.done {
		t.mu.Unlock()
		return
	}
	now := t.now()
	e.done = true
	e.state.Stage = stage
	if stage == render.StageComplete {
		e.state.Percentage = 100
	}
	e.state.IsStuck = false
	e.state.LastUpdate = now
	e.state.TimeElapsed = now.Sub(e.start)
	if message != "" {
		e.state.Message = message
	}
	state, subs, seq := t.snapshotLocked(e)
	t.mu.Unlock()

	t.deliver(e, seq, state, subs)
}

// GetProgress returns the current state of id
func (t *Tracker) GetProgress(id string) (render.ProgressState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return render.ProgressState{}, false
	}
	state := e.state
	if !e.done {
		state.TimeElapsed = t.now().Sub(e.start)
	}
	return state, true
}

// Subscribe registers fn for updates of id. fn is called with the current
// state before Subscribe returns.
func (t *Tracker) Subscribe(id string, fn func(render.ProgressState)) (func(), error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	key := e.nextSub
	e.nextSub++
	e.subs[key] = fn
	state := e.state
	t.mu.Unlock()

	fn(state)
	return func() {
		t.mu.Lock()
		delete(e.subs, key)
		t.mu.Unlock()
	}, nil
}

// Remove drops all state for id
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// Active returns the number of tracked renderings that are not terminal
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if !e.done {
			n++
		}
	}
	return n
}

// CheckStuck marks every non-terminal rendering without an update within
// the stuck threshold and returns their ids.
func (t *Tracker) CheckStuck() []string {
	type pending struct {
		id    string
		e     *entry
		state render.ProgressState
		subs  []func(render.ProgressState)
		seq   uint64
	}

	t.mu.Lock()
	now := t.now()
	var stuck []pending
	for id, e := range t.entries {
		if e.done || e.state.IsStuck {
			continue
		}
		if now.Sub(e.state.LastUpdate) <= t.cfg.StuckThreshold {
			continue
		}
		e.state.IsStuck = true
		e.state.TimeElapsed = now.Sub(e.start)
		e.state.Message = fmt.Sprintf("No progress for %s", now.Sub(e.state.LastUpdate).Round(time.Second))
		state, subs, seq := t.snapshotLocked(e)
		stuck = append(stuck, pending{id: id, e: e, state: state, subs: subs, seq: seq})
	}
	onStuck := t.onStuck
	t.mu.Unlock()

	ids := make([]string, 0, len(stuck))
	for _, p := range stuck {
		Logger.Warn("Rendering appears stuck", "renderingId", p.id, "stage", p.state.Stage, "percentage", p.state.Percentage)
		t.deliver(p.e, p.seq, p.state, p.subs)
		if onStuck != nil {
			onStuck(p.id, p.state)
		}
		ids = append(ids, p.id)
	}
	return ids
}

// Run checks for stuck renderings until ctx is done
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckStuck()
		}
	}
}

func (t *Tracker) percentageLocked(stage render.Stage, fraction float64) float64 {
	fraction = min(max(fraction, 0), 1)
	idx := stage.Index()
	if idx < 0 {
		return 0
	}
	if t.cfg.Calculation == Linear {
		per := 100 / float64(len(render.ForwardStages)-1)
		return min(float64(idx)*per+fraction*per, 100)
	}
	done := 0.0
	for _, s := range render.ForwardStages[:idx] {
		done += stageWeights[s]
	}
	return min(done+fraction*stageWeights[stage], 100)
}

func (t *Tracker) snapshotLocked(e *entry) (render.ProgressState, []func(render.ProgressState), uint64) {
	e.seq++
	subs := make([]func(render.ProgressState), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	return e.state, subs, e.seq
}

// deliver notifies subscribers outside the lock, dropping snapshots older
// than one already delivered
func (t *Tracker) deliver(e *entry, seq uint64, state render.ProgressState, subs []func(render.ProgressState)) {
	for {
		last := e.sent.Load()
		if seq <= last {
			return
		}
		if e.sent.CompareAndSwap(last, seq) {
			break
		}
	}
	for _, fn := range subs {
		safeCall(fn, state)
	}
}

func safeCall(fn func(render.ProgressState), state render.ProgressState) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Error("Progress subscriber panicked", "error", r)
		}
	}()
	fn(state)
}
