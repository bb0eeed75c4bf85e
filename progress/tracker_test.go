package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drummonds/pdfview/render"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStageWeightedPercentages(t *testing.T) {
	tr := NewTracker(Config{Calculation: StageWeighted})
	tr.InitializeProgress("r1", render.StageInitializing)

	st, err := tr.UpdateProgress("r1", Update{Stage: render.StageFetching, BytesLoaded: 50, TotalBytes: 100})
	if err != nil {
		t.Fatal(err)
	}
	if st.Percentage != 5+17.5 {
		t.Errorf("Expected 22.5%%, got %v", st.Percentage)
	}
	st, _ = tr.UpdateProgress("r1", Update{Stage: render.StageRendering, StageProgress: 0.5})
	if st.Percentage != 5+35+15+20 {
		t.Errorf("Expected 75%%, got %v", st.Percentage)
	}
}

func TestLinearPercentages(t *testing.T) {
	tr := NewTracker(Config{Calculation: Linear})
	tr.InitializeProgress("r1", render.StageInitializing)
	st, _ := tr.UpdateProgress("r1", Update{Stage: render.StageParsing, StageProgress: 0.5})
	if st.Percentage != 50 {
		t.Errorf("Expected 50%%, got %v", st.Percentage)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.InitializeProgress("r1", render.StageInitializing)
	tr.UpdateProgress("r1", Update{Stage: render.StageRendering, StageProgress: 0.5})

	st, err := tr.UpdateProgress("r1", Update{Stage: render.StageFetching})
	if !errors.Is(err, ErrBackwardStage) {
		t.Fatalf("Expected backward stage error, got %v", err)
	}
	if st.Stage != render.StageRendering {
		t.Errorf("Expected stage to stay RENDERING, got %s", st.Stage)
	}

	before := st.Percentage
	st, _ = tr.UpdateProgress("r1", Update{StageProgress: 0.1})
	if st.Percentage < before {
		t.Errorf("Expected percentage not to regress: %v < %v", st.Percentage, before)
	}
}

func TestSubscriberGetsCurrentStateImmediately(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.InitializeProgress("r1", render.StageInitializing)

	var got []render.ProgressState
	unsubscribe, err := tr.Subscribe("r1", func(st render.ProgressState) {
		got = append(got, st)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Stage != render.StageInitializing {
		t.Fatalf("Expected immediate delivery of current state, got %v", got)
	}

	tr.UpdateProgress("r1", Update{Stage: render.StageFetching})
	unsubscribe()
	tr.UpdateProgress("r1", Update{Stage: render.StageParsing})
	if len(got) != 2 {
		t.Errorf("Expected 2 deliveries before unsubscribe, got %d", len(got))
	}

	if _, err := tr.Subscribe("missing", func(render.ProgressState) {}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestStuckDetection(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	tr := NewTracker(Config{StuckThreshold: 10 * time.Second})
	tr.SetClock(clock.Now)

	var stuckIDs []string
	tr.SetStuckHandler(func(id string, st render.ProgressState) {
		stuckIDs = append(stuckIDs, id)
	})
	tr.InitializeProgress("r1", render.StageInitializing)
	tr.UpdateProgress("r1", Update{Stage: render.StageFetching})

	clock.Advance(5 * time.Second)
	if ids := tr.CheckStuck(); len(ids) != 0 {
		t.Fatalf("Expected nothing stuck after 5s, got %v", ids)
	}

	clock.Advance(7 * time.Second)
	ids := tr.CheckStuck()
	if len(ids) != 1 || ids[0] != "r1" {
		t.Fatalf("Expected r1 stuck after 12s, got %v", ids)
	}
	st, _ := tr.GetProgress("r1")
	if !st.IsStuck {
		t.Error("Expected IsStuck to be observable")
	}

	// reported once only
	if ids := tr.CheckStuck(); len(ids) != 0 {
		t.Errorf("Expected stuck to be reported once, got %v", ids)
	}
	if len(stuckIDs) != 1 {
		t.Errorf("Expected one stuck callback, got %d", len(stuckIDs))
	}

	tr.CompleteProgress("r1")
	st, _ = tr.GetProgress("r1")
	if st.IsStuck || st.Percentage != 100 {
		t.Errorf("Expected completion to clear stuck, got %+v", st)
	}
}

func TestCompleteAndFailAreIdempotent(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.InitializeProgress("r1", render.StageInitializing)
	tr.UpdateProgress("r1", Update{Stage: render.StageParsing})

	calls := 0
	tr.Subscribe("r1", func(render.ProgressState) { calls++ })
	tr.FailProgress("r1", "parse failed")
	tr.FailProgress("r1", "again")
	tr.CompleteProgress("r1")

	st, _ := tr.GetProgress("r1")
	if st.Stage != render.StageError || st.Message != "parse failed" {
		t.Errorf("Expected first failure to stick, got %+v", st)
	}
	if calls != 2 {
		t.Errorf("Expected subscribe + one terminal delivery, got %d", calls)
	}
	if _, err := tr.UpdateProgress("r1", Update{Stage: render.StageRendering}); !errors.Is(err, ErrTerminal) {
		t.Errorf("Expected terminal error, got %v", err)
	}
}

func TestRunDetectsStuckWithRealTime(t *testing.T) {
	tr := NewTracker(Config{StuckThreshold: 30 * time.Millisecond, CheckInterval: 10 * time.Millisecond})
	tr.InitializeProgress("r1", render.StageFetching)

	stuck := make(chan string, 1)
	tr.SetStuckHandler(func(id string, _ render.ProgressState) { stuck <- id })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	select {
	case id := <-stuck:
		if id != "r1" {
			t.Errorf("Expected r1, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected stuck detection within 2s")
	}
}

func TestRemoveForgetsState(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.InitializeProgress("r1", render.StageInitializing)
	tr.Remove("r1")
	if _, ok := tr.GetProgress("r1"); ok {
		t.Error("Expected progress to be gone after Remove")
	}
	if tr.Active() != 0 {
		t.Error("Expected no active renderings")
	}
}
