// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/n0ot/beatrelay/pkg/metronome"
	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/sirupsen/logrus"
)

// PlayerState is the playback state of a score player.
type PlayerState int

// Player states.
const (
	Stopped PlayerState = iota
	Playing
	Paused
)

func (s PlayerState) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// Position is where a player is in a score.
type Position struct {
	// Tick is the score tick being played.
	Tick    int
	Current time.Duration
	End     time.Duration
}

// EngineListener is notified by a score player as playback progresses.
type EngineListener interface {
	ScoreLoaded(score metronome.Score)
	ActiveBeatsChanged(frame model.NoteFrame)
	PlayerPositionChanged(pos Position)
	PlayerStateChanged(state PlayerState)
}

// Display shows a session's progress to the user.
type Display interface {
	Title(title, artist string)
	Beat(beat model.BeatEvent)
	Notes(frame model.NoteFrame)
	Position(text string)
	// Clear is called when playback pauses or stops.
	Clear()
}

// Publisher sends a session's output to the relay.
// *Gateway is a Publisher.
type Publisher interface {
	IsOpen(ch model.Channel) bool
	SendBeat(beat model.BeatEvent) error
	SendNotes(frame model.NoteFrame) error
	AnnounceTempo(bpm int) error
}

// Session publishes a player's metronome beats, tempo changes and notes.
type Session struct {
	Log *logrus.Logger

	ctx       context.Context
	pub       Publisher
	display   Display
	scheduler *metronome.Scheduler

	lock        sync.Mutex // Protects everything below
	score       metronome.Score
	plan        metronome.Plan
	state       PlayerState
	tick        int
	lastSeconds int
}

// NewSession creates a session that publishes through pub.
// Playback stops when ctx is done.
func NewSession(ctx context.Context, pub Publisher, display Display, log *logrus.Logger) *Session {
	s := &Session{
		Log:         log,
		ctx:         ctx,
		pub:         pub,
		display:     display,
		lastSeconds: -1,
	}
	s.scheduler = metronome.NewScheduler(s.beat)
	return s
}

// Scheduler gets the session's metronome scheduler.
func (s *Session) Scheduler() *metronome.Scheduler {
	return s.scheduler
}

// Plan gets the metronome plan of the loaded score.
func (s *Session) Plan() metronome.Plan {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.plan
}

// ScoreLoaded builds the metronome plan for a score, and announces its tempo changes.
func (s *Session) ScoreLoaded(score metronome.Score) {
	s.scheduler.Stop()
	plan := metronome.BuildPlan(score, func(bpm int) {
		if err := s.pub.AnnounceTempo(bpm); err != nil {
			s.Log.WithFields(logrus.Fields{
				"bpm":   bpm,
				"error": err,
			}).Warn("Cannot announce tempo")
		}
	})

	s.lock.Lock()
	s.score = score
	s.plan = plan
	s.tick = 0
	s.lastSeconds = -1
	s.lock.Unlock()

	s.Log.WithFields(logrus.Fields{
		"title":    score.Title,
		"measures": len(score.Measures),
		"beats":    plan.Len(),
	}).Info("Score loaded")
	s.display.Title(score.Title, score.Artist)
}

// ActiveBeatsChanged sends the sounding notes.
func (s *Session) ActiveBeatsChanged(frame model.NoteFrame) {
	s.display.Notes(frame)
	if err := s.pub.SendNotes(frame); err != nil {
		s.Log.WithField("error", err).Debug("Cannot send notes")
	}
}

// PlayerPositionChanged updates the displayed position once per second of playback.
func (s *Session) PlayerPositionChanged(pos Position) {
	s.lock.Lock()
	s.tick = pos.Tick
	seconds := int(pos.Current / time.Second)
	changed := seconds != s.lastSeconds
	s.lastSeconds = seconds
	s.lock.Unlock()

	if changed {
		s.display.Position(FormatDuration(pos.Current) + " / " + FormatDuration(pos.End))
	}
}

// PlayerStateChanged starts the metronome from the current measure when playback starts,
// and stops it otherwise.
func (s *Session) PlayerStateChanged(state PlayerState) {
	s.lock.Lock()
	s.state = state
	plan := s.plan
	measure := metronome.MeasureAt(s.score.Measures, s.tick)
	s.lock.Unlock()

	s.Log.WithField("state", state).Debug("Player state changed")
	if state != Playing {
		s.scheduler.Stop()
		s.display.Clear()
		return
	}
	s.scheduler.Start(s.ctx, plan, plan.EntryIndex(measure))
}

// beat is called by the scheduler for each tick.
func (s *Session) beat(t metronome.Tick) {
	s.lock.Lock()
	playing := s.state == Playing
	s.lock.Unlock()
	if !playing || !s.pub.IsOpen(model.Beat) {
		return
	}

	beat := model.BeatEvent{IsFirstBeat: t.IsFirstBeat}
	if err := s.pub.SendBeat(beat); err != nil {
		s.Log.WithFields(logrus.Fields{
			"index": t.Index,
			"error": err,
		}).Debug("Cannot send beat")
		return
	}
	s.display.Beat(beat)
}

// Close stops the metronome.
func (s *Session) Close() {
	s.scheduler.Stop()
}

// FormatDuration formats d as mm:ss, truncating to whole seconds.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
