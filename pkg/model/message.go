// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package model defines the channels and messages passed through the relay.
package model

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// A Message is sent to and from clients as a JSON object.
// This interface allows generic messages to be passed.
type Message interface {
	// Kind names the message, for logging.
	Kind() string
}

// BeatEvent is a metronome pulse.
type BeatEvent struct {
	// IsFirstBeat is set on the first beat of a measure.
	IsFirstBeat bool `json:"isFirstBeat"`
}

// Kind gets the kind of a BeatEvent.
func (BeatEvent) Kind() string {
	return "beat"
}

// TempoAnnouncement notifies listeners of a tempo change.
type TempoAnnouncement struct {
	BPM int `json:"bpm"`
}

// Kind gets the kind of a TempoAnnouncement.
func (TempoAnnouncement) Kind() string {
	return "tempo"
}

// NoteGroup holds the notes of one sounding beat.
type NoteGroup struct {
	Duration float64 `json:"duration"`
	Notes    []int   `json:"notes"`
}

// NoteFrame is a snapshot of the notes sounding at a rendering tick.
type NoteFrame struct {
	Notes []NoteGroup `json:"notes"`
}

// Kind gets the kind of a NoteFrame.
func (NoteFrame) Kind() string {
	return "notes"
}

// ErrUnknownMessage is returned by Decode for JSON objects that carry no known message.
var ErrUnknownMessage = errors.New("Unknown message")

// envelope holds every field a message may carry.
// Pointers tell absent fields from zero values.
type envelope struct {
	BPM         *json.Number     `json:"bpm"`
	IsFirstBeat *bool            `json:"isFirstBeat"`
	Notes       *json.RawMessage `json:"notes"`
}

// Decode determines which message a payload carries, and decodes it.
// A payload with a bpm field is a TempoAnnouncement, even if it has other fields.
func Decode(payload []byte) (Message, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, errors.Wrap(err, "Decode message")
	}

	switch {
	case env.BPM != nil:
		bpm, err := env.BPM.Int64()
		if err != nil {
			return nil, errors.Errorf("bpm must be an integer, got %s", env.BPM.String())
		}
		if bpm <= 0 {
			return nil, errors.Errorf("bpm must be positive, got %d", bpm)
		}
		return TempoAnnouncement{BPM: int(bpm)}, nil

	case env.IsFirstBeat != nil:
		return BeatEvent{IsFirstBeat: *env.IsFirstBeat}, nil

	case env.Notes != nil:
		var frame NoteFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return nil, errors.Wrap(err, "Decode notes")
		}
		return frame, nil
	}

	return nil, ErrUnknownMessage
}

// Encode serializes a message for the wire.
func Encode(msg Message) ([]byte, error) {
	buf, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "Encode %s", msg.Kind())
	}
	return buf, nil
}
