// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package midiout plays relayed beats and notes on a MIDI output,
// so a synth or drum module can act as a listening device.
package midiout

import (
	"sync"

	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// General MIDI defaults.
const (
	PercussionChannel = 9
	HiWoodBlock       = 76
	LowWoodBlock      = 77
	DefaultVelocity   = 100
)

// Sink sends metronome clicks and note frames to a MIDI output.
type Sink struct {
	// ClickChannel and NoteChannel are zero based MIDI channels.
	ClickChannel uint8
	NoteChannel  uint8
	// AccentKey is played on the first beat of a measure, ClickKey on the others.
	AccentKey uint8
	ClickKey  uint8
	Velocity  uint8

	Log *logrus.Logger

	out      drivers.Out
	lock     sync.Mutex // Protects sounding, and serializes sends
	sounding []uint8
}

// New creates a sink on out, opening it if needed.
func New(out drivers.Out, log *logrus.Logger) (*Sink, error) {
	if !out.IsOpen() {
		if err := out.Open(); err != nil {
			return nil, errors.Wrapf(err, "Open MIDI output %s", out.String())
		}
	}
	return &Sink{
		ClickChannel: PercussionChannel,
		AccentKey:    HiWoodBlock,
		ClickKey:     LowWoodBlock,
		Velocity:     DefaultVelocity,
		Log:          log,
		out:          out,
	}, nil
}

// Beat plays a click, accented on the first beat of a measure.
func (s *Sink) Beat(beat model.BeatEvent) error {
	key := s.ClickKey
	if beat.IsFirstBeat {
		key = s.AccentKey
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.send(midi.NoteOn(s.ClickChannel, key, s.Velocity)); err != nil {
		return err
	}
	return s.send(midi.NoteOff(s.ClickChannel, key))
}

// Notes releases the notes of the previous frame, then sounds the notes of this one.
// Notes outside the MIDI range are skipped.
func (s *Sink) Notes(frame model.NoteFrame) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.release(); err != nil {
		return err
	}

	for _, group := range frame.Notes {
		for _, note := range group.Notes {
			if note < 0 || note > 127 {
				s.Log.WithField("note", note).Debug("Skipping note outside the MIDI range")
				continue
			}
			key := uint8(note)
			if err := s.send(midi.NoteOn(s.NoteChannel, key, s.Velocity)); err != nil {
				return err
			}
			s.sounding = append(s.sounding, key)
		}
	}
	return nil
}

// Close silences any sounding notes, and closes the output.
func (s *Sink) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	releaseErr := s.release()
	if err := s.out.Close(); err != nil {
		return errors.Wrap(err, "Close MIDI output")
	}
	return releaseErr
}

func (s *Sink) release() error {
	for len(s.sounding) > 0 {
		key := s.sounding[len(s.sounding)-1]
		if err := s.send(midi.NoteOff(s.NoteChannel, key)); err != nil {
			return err
		}
		s.sounding = s.sounding[:len(s.sounding)-1]
	}
	return nil
}

func (s *Sink) send(msg midi.Message) error {
	return errors.Wrapf(s.out.Send(msg), "Send %s", msg.String())
}
