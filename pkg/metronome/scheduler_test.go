package metronome

import (
	"context"
	"sync"
	"testing"
	"time"
)

type tickRecorder struct {
	lock  sync.Mutex
	ticks []Tick
}

func (r *tickRecorder) emit(t Tick) {
	r.lock.Lock()
	r.ticks = append(r.ticks, t)
	r.lock.Unlock()
}

func (r *tickRecorder) indexes() []int {
	r.lock.Lock()
	defer r.lock.Unlock()
	indexes := make([]int, 0, len(r.ticks))
	for _, t := range r.ticks {
		indexes = append(indexes, t.Index)
	}
	return indexes
}

func evenPlan(n int, wait time.Duration) Plan {
	plan := Plan{}
	for i := 0; i < n; i++ {
		plan.Entries = append(plan.Entries, Entry{Wait: wait, IsFirstBeat: i%4 == 0})
	}
	return plan
}

func waitUntilDone(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Running() {
		if time.Now().After(deadline) {
			t.Fatal("scheduler never finished")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSchedulerPlaysFromIndex(t *testing.T) {
	rec := &tickRecorder{}
	s := NewScheduler(rec.emit)
	s.Start(context.Background(), evenPlan(8, time.Millisecond), 5)
	waitUntilDone(t, s)

	got := rec.indexes()
	if len(got) != 3 || got[0] != 5 || got[1] != 6 || got[2] != 7 {
		t.Errorf("ticks = %v; wanted [5 6 7]", got)
	}
}

func TestSchedulerCancelBeforeFirstTick(t *testing.T) {
	rec := &tickRecorder{}
	s := NewScheduler(rec.emit)
	s.Offset = time.Hour
	s.Start(context.Background(), evenPlan(4, time.Millisecond), 0)
	s.Stop()

	if got := rec.indexes(); len(got) != 0 {
		t.Errorf("cancelled scheduler emitted %v", got)
	}
	if s.Running() {
		t.Error("scheduler still running after Stop")
	}
}

func TestSchedulerNoTicksAfterStop(t *testing.T) {
	rec := &tickRecorder{}
	s := NewScheduler(rec.emit)
	s.Start(context.Background(), evenPlan(1000, time.Millisecond), 0)
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	count := len(rec.indexes())
	time.Sleep(20 * time.Millisecond)
	if got := len(rec.indexes()); got != count {
		t.Errorf("%d ticks emitted after Stop returned", got-count)
	}
}

func TestSchedulerRestartDoesNotReplay(t *testing.T) {
	rec := &tickRecorder{}
	s := NewScheduler(rec.emit)
	plan := evenPlan(6, time.Millisecond)

	s.Offset = time.Hour
	s.Start(context.Background(), plan, 0)
	s.Offset = 0
	s.Start(context.Background(), plan, 3)
	waitUntilDone(t, s)

	got := rec.indexes()
	if len(got) != 3 {
		t.Fatalf("ticks = %v; wanted [3 4 5]", got)
	}
	for i, index := range got {
		if index != 3+i {
			t.Errorf("ticks = %v; wanted [3 4 5]", got)
			break
		}
	}
}

func TestSchedulerStopsWithContext(t *testing.T) {
	rec := &tickRecorder{}
	s := NewScheduler(rec.emit)
	s.Offset = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx, evenPlan(4, time.Millisecond), 0)
	cancel()
	waitUntilDone(t, s)

	if got := rec.indexes(); len(got) != 0 {
		t.Errorf("ticks = %v; wanted none", got)
	}
}
