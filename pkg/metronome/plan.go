// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package metronome turns a score's measures into a beat cadence, and plays it back in real time.
package metronome

import (
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultTempo is used until a score sets a tempo.
const DefaultTempo = 120

// Measure is one bar of a score.
type Measure struct {
	// Start is the tick the measure starts on.
	Start int `json:"start" yaml:"start"`
	// Numerator is the number of beats in the measure.
	Numerator int `json:"timeSignatureNumerator" yaml:"timeSignatureNumerator"`
	// Tempo is the tempo automation on this measure in BPM, or 0 if it has none.
	Tempo int `json:"tempo,omitempty" yaml:"tempo,omitempty"`
}

// Score holds what the metronome needs from a loaded score.
type Score struct {
	Title  string `json:"title,omitempty" yaml:"title,omitempty"`
	Artist string `json:"artist,omitempty" yaml:"artist,omitempty"`
	// Tempo is the score's base tempo, used until a measure's tempo automation changes it.
	Tempo    int       `json:"tempo,omitempty" yaml:"tempo,omitempty"`
	Measures []Measure `json:"measures" yaml:"measures"`
}

// ReadScore decodes a JSON score.
func ReadScore(r io.Reader) (Score, error) {
	var score Score
	if err := json.NewDecoder(r).Decode(&score); err != nil {
		return Score{}, errors.Wrap(err, "Decode score")
	}
	return score, nil
}

// ReadScoreYAML decodes a YAML score.
func ReadScoreYAML(r io.Reader) (Score, error) {
	var score Score
	if err := yaml.NewDecoder(r).Decode(&score); err != nil {
		return Score{}, errors.Wrap(err, "Decode score")
	}
	return score, nil
}

// Entry is one beat of a plan.
type Entry struct {
	// Wait is the time until the next beat.
	Wait        time.Duration
	IsFirstBeat bool
}

// Plan is the beat cadence of a whole score.
type Plan struct {
	Entries []Entry
	// offsets holds the index of each measure's first entry.
	offsets []int
}

// Len gets the number of beats in the plan.
func (p Plan) Len() int {
	return len(p.Entries)
}

// Duration gets the time it takes to play the plan from entry from.
func (p Plan) Duration(from int) time.Duration {
	var d time.Duration
	for i := from; i < len(p.Entries); i++ {
		if i >= 0 {
			d += p.Entries[i].Wait
		}
	}
	return d
}

// EntryIndex gets the index of the first beat at or after the start of a measure.
// Measures out of range are clamped.
func (p Plan) EntryIndex(measure int) int {
	if len(p.offsets) == 0 || measure < 0 {
		return 0
	}
	if measure >= len(p.offsets) {
		return len(p.Entries)
	}
	return p.offsets[measure]
}

// BuildPlan derives the beat cadence of a score.
// onTempo, if not nil, is called with each tempo change, before the beats of the measure it applies to.
// Measures without beats contribute no entries.
func BuildPlan(score Score, onTempo func(bpm int)) Plan {
	plan := Plan{
		Entries: make([]Entry, 0, len(score.Measures)*4),
		offsets: make([]int, len(score.Measures)),
	}

	tempo := 0
	for i, m := range score.Measures {
		switch {
		case m.Tempo > 0 && m.Tempo != tempo:
			tempo = m.Tempo
			if onTempo != nil {
				onTempo(tempo)
			}
		case tempo == 0:
			tempo = score.Tempo
			if tempo <= 0 {
				tempo = DefaultTempo
			}
			if onTempo != nil {
				onTempo(tempo)
			}
		}

		plan.offsets[i] = len(plan.Entries)
		if m.Numerator <= 0 {
			continue
		}

		barDuration := 60 / float64(tempo) * float64(m.Numerator)
		beatWait := time.Duration(barDuration / float64(m.Numerator) * float64(time.Second))
		for beat := 0; beat < m.Numerator; beat++ {
			plan.Entries = append(plan.Entries, Entry{
				Wait:        beatWait,
				IsFirstBeat: beat == 0,
			})
		}
	}
	return plan
}

// MeasureAt gets the index of the last measure starting at or before tick.
// If tick is before every measure, MeasureAt returns 0.
func MeasureAt(measures []Measure, tick int) int {
	index := 0
	for i, m := range measures {
		if m.Start <= tick {
			index = i
		}
	}
	return index
}
