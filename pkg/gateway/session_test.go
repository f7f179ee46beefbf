package gateway

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/n0ot/beatrelay/pkg/metronome"
	"github.com/n0ot/beatrelay/pkg/model"
)

type fakePublisher struct {
	lock   sync.Mutex
	open   bool
	beats  []model.BeatEvent
	frames []model.NoteFrame
	tempos []int
}

func (p *fakePublisher) IsOpen(ch model.Channel) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.open
}

func (p *fakePublisher) SendBeat(beat model.BeatEvent) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.beats = append(p.beats, beat)
	return nil
}

func (p *fakePublisher) SendNotes(frame model.NoteFrame) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.frames = append(p.frames, frame)
	return nil
}

func (p *fakePublisher) AnnounceTempo(bpm int) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.tempos = append(p.tempos, bpm)
	return nil
}

func (p *fakePublisher) sentBeats() []model.BeatEvent {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]model.BeatEvent(nil), p.beats...)
}

type fakeDisplay struct {
	lock      sync.Mutex
	title     string
	beats     int
	frames    int
	positions []string
	cleared   int
}

func (d *fakeDisplay) Title(title, artist string) {
	d.lock.Lock()
	d.title = title + " - " + artist
	d.lock.Unlock()
}

func (d *fakeDisplay) Beat(model.BeatEvent) {
	d.lock.Lock()
	d.beats++
	d.lock.Unlock()
}

func (d *fakeDisplay) Notes(model.NoteFrame) {
	d.lock.Lock()
	d.frames++
	d.lock.Unlock()
}

func (d *fakeDisplay) Position(text string) {
	d.lock.Lock()
	d.positions = append(d.positions, text)
	d.lock.Unlock()
}

func (d *fakeDisplay) Clear() {
	d.lock.Lock()
	d.cleared++
	d.lock.Unlock()
}

// fastScore has a 4 beat measure and a 3 beat measure, 10ms per beat.
var fastScore = metronome.Score{
	Title:  "Drill",
	Artist: "Nobody",
	Measures: []metronome.Measure{
		{Start: 0, Numerator: 4, Tempo: 6000},
		{Start: 3840, Numerator: 3},
	},
}

func waitForScheduler(t *testing.T, s *Session) {
	t.Helper()
	waitFor(t, "the metronome to finish", func() bool { return !s.Scheduler().Running() })
}

func TestScoreLoadedAnnouncesTempo(t *testing.T) {
	pub, display := &fakePublisher{}, &fakeDisplay{}
	s := NewSession(context.Background(), pub, display, testLogger())
	s.ScoreLoaded(metronome.Score{Measures: []metronome.Measure{
		{Numerator: 4, Tempo: 60},
		{Numerator: 4},
		{Numerator: 4, Tempo: 90},
	}})

	if !reflect.DeepEqual([]int{60, 90}, pub.tempos) {
		t.Errorf("announced %v; wanted [60 90]", pub.tempos)
	}
}

func TestPlayStartsAtCurrentMeasure(t *testing.T) {
	pub, display := &fakePublisher{open: true}, &fakeDisplay{}
	s := NewSession(context.Background(), pub, display, testLogger())
	defer s.Close()
	s.ScoreLoaded(fastScore)
	if display.title != "Drill - Nobody" {
		t.Errorf("displayed title %q", display.title)
	}

	s.PlayerPositionChanged(Position{Tick: 4000})
	s.PlayerStateChanged(Playing)
	waitForScheduler(t, s)

	want := []model.BeatEvent{{IsFirstBeat: true}, {}, {}}
	if got := pub.sentBeats(); !reflect.DeepEqual(want, got) {
		t.Errorf("wanted %v, got %v", want, got)
	}
	display.lock.Lock()
	defer display.lock.Unlock()
	if display.beats != 3 {
		t.Errorf("displayed %d beats; wanted 3", display.beats)
	}
}

func TestBeatsNotSentWhileBeatChannelClosed(t *testing.T) {
	pub := &fakePublisher{}
	s := NewSession(context.Background(), pub, &fakeDisplay{}, testLogger())
	defer s.Close()
	s.ScoreLoaded(fastScore)
	s.PlayerStateChanged(Playing)
	waitForScheduler(t, s)

	if got := pub.sentBeats(); len(got) != 0 {
		t.Errorf("sent %d beats with the beat channel closed", len(got))
	}
}

func TestPauseStopsMetronome(t *testing.T) {
	pub, display := &fakePublisher{open: true}, &fakeDisplay{}
	s := NewSession(context.Background(), pub, display, testLogger())
	defer s.Close()
	s.ScoreLoaded(fastScore)
	s.Scheduler().Offset = time.Hour
	s.PlayerStateChanged(Playing)
	s.PlayerStateChanged(Paused)

	if s.Scheduler().Running() {
		t.Error("metronome still running after pause")
	}
	if got := pub.sentBeats(); len(got) != 0 {
		t.Errorf("sent %d beats before the first tick", len(got))
	}
	if display.cleared != 1 {
		t.Errorf("display cleared %d times; wanted 1", display.cleared)
	}
}

func TestActiveBeatsChangedSendsNotes(t *testing.T) {
	pub, display := &fakePublisher{open: true}, &fakeDisplay{}
	s := NewSession(context.Background(), pub, display, testLogger())
	frame := model.NoteFrame{Notes: []model.NoteGroup{{Duration: 8, Notes: []int{40, 47}}}}
	s.ActiveBeatsChanged(frame)

	if !reflect.DeepEqual([]model.NoteFrame{frame}, pub.frames) {
		t.Errorf("sent %v", pub.frames)
	}
	if display.frames != 1 {
		t.Errorf("displayed %d frames; wanted 1", display.frames)
	}
}

func TestPositionDisplayedOncePerSecond(t *testing.T) {
	display := &fakeDisplay{}
	s := NewSession(context.Background(), &fakePublisher{}, display, testLogger())

	end := 75 * time.Second
	for _, ms := range []int{0, 200, 500, 1100, 1900, 2000, 2001} {
		s.PlayerPositionChanged(Position{Current: time.Duration(ms) * time.Millisecond, End: end})
	}

	want := []string{"00:00 / 01:15", "00:01 / 01:15", "00:02 / 01:15"}
	if !reflect.DeepEqual(want, display.positions) {
		t.Errorf("wanted %v, got %v", want, display.positions)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{999 * time.Millisecond, "00:00"},
		{61 * time.Second, "01:01"},
		{10*time.Minute + 5*time.Second, "10:05"},
		{-time.Second, "00:00"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%s) = %s; wanted %s", tt.d, got, tt.want)
		}
	}
}
