// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package metronome

import (
	"context"
	"sync"
	"time"
)

// Tick is emitted for each beat the scheduler plays.
type Tick struct {
	// Index is the entry's position in the plan.
	Index int
	Entry
}

// Scheduler plays a plan back in real time, one tick per entry.
// Only one run is active at a time; starting a new run cancels the previous one.
type Scheduler struct {
	// Offset delays the first tick of each run. It is read when a run starts.
	Offset time.Duration

	emit func(Tick)

	runLock sync.Mutex // Serializes Start and Stop
	lock    sync.Mutex // Protects cancel and done, and is held while emitting
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler that calls emit for every tick.
// emit is called from the scheduler's goroutine, and must not call Start or Stop.
func NewScheduler(emit func(Tick)) *Scheduler {
	return &Scheduler{emit: emit}
}

// Start stops any running playback, then plays plan from entry from until ctx is done,
// Stop is called, or the plan ends.
func (s *Scheduler) Start(ctx context.Context, plan Plan, from int) {
	s.runLock.Lock()
	defer s.runLock.Unlock()
	s.stop()
	if from < 0 {
		from = 0
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.lock.Lock()
	s.cancel = cancel
	s.done = done
	s.lock.Unlock()

	entries := append([]Entry(nil), plan.Entries...)
	go s.run(ctx, entries, from, s.Offset, done)
}

// Stop cancels playback. When Stop returns, no more ticks will be emitted.
func (s *Scheduler) Stop() {
	s.runLock.Lock()
	defer s.runLock.Unlock()
	s.stop()
}

func (s *Scheduler) stop() {
	s.lock.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	if cancel != nil {
		cancel()
	}
	s.lock.Unlock()

	if done != nil {
		<-done
	}
}

// Running returns true while a run is playing.
func (s *Scheduler) Running() bool {
	s.lock.Lock()
	done := s.done
	s.lock.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// run emits a tick for each entry, waiting each entry's duration before the next.
// Deadlines are measured from the start of the run, so waits don't accumulate drift.
func (s *Scheduler) run(ctx context.Context, entries []Entry, from int, offset time.Duration, done chan<- struct{}) {
	defer close(done)

	next := time.Now().Add(offset)
	timer := time.NewTimer(offset)
	defer timer.Stop()
	for i := from; i < len(entries); i++ {
		if i > from {
			timer.Reset(time.Until(next))
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// Stop cancels with the lock held, so checking ctx under the lock
		// means no tick fires once Stop has begun.
		s.lock.Lock()
		if ctx.Err() != nil {
			s.lock.Unlock()
			return
		}
		s.emit(Tick{Index: i, Entry: entries[i]})
		s.lock.Unlock()

		next = next.Add(entries[i].Wait)
	}
}
