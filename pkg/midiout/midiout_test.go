package midiout

import (
	"io"
	"reflect"
	"testing"

	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

// fakeOut records every message sent to it.
type fakeOut struct {
	open    bool
	sent    []midi.Message
	failing bool
}

func (o *fakeOut) Open() error             { o.open = true; return nil }
func (o *fakeOut) Close() error            { o.open = false; return nil }
func (o *fakeOut) IsOpen() bool            { return o.open }
func (o *fakeOut) Number() int             { return 0 }
func (o *fakeOut) String() string          { return "fake" }
func (o *fakeOut) Underlying() interface{} { return nil }

func (o *fakeOut) Send(data []byte) error {
	if o.failing {
		return errors.New("unplugged")
	}
	o.sent = append(o.sent, midi.Message(append([]byte(nil), data...)))
	return nil
}

func TestBeatClicks(t *testing.T) {
	out := &fakeOut{}
	s, err := New(out, testLogger())
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	if !out.open {
		t.Error("New should open the output")
	}

	s.Beat(model.BeatEvent{IsFirstBeat: true})
	s.Beat(model.BeatEvent{})

	want := []midi.Message{
		midi.NoteOn(PercussionChannel, HiWoodBlock, DefaultVelocity),
		midi.NoteOff(PercussionChannel, HiWoodBlock),
		midi.NoteOn(PercussionChannel, LowWoodBlock, DefaultVelocity),
		midi.NoteOff(PercussionChannel, LowWoodBlock),
	}
	if !reflect.DeepEqual(want, out.sent) {
		t.Errorf("wanted %v, got %v", want, out.sent)
	}
}

func TestNotesReleasePreviousFrame(t *testing.T) {
	out := &fakeOut{}
	s, _ := New(out, testLogger())

	s.Notes(model.NoteFrame{Notes: []model.NoteGroup{{Duration: 4, Notes: []int{60, 64, 200}}}})
	s.Notes(model.NoteFrame{Notes: []model.NoteGroup{{Duration: 8, Notes: []int{67}}}})
	s.Close()

	want := []midi.Message{
		midi.NoteOn(0, 60, DefaultVelocity),
		midi.NoteOn(0, 64, DefaultVelocity),
		midi.NoteOff(0, 64),
		midi.NoteOff(0, 60),
		midi.NoteOn(0, 67, DefaultVelocity),
		midi.NoteOff(0, 67),
	}
	if !reflect.DeepEqual(want, out.sent) {
		t.Errorf("wanted %v, got %v", want, out.sent)
	}
	if out.open {
		t.Error("Close should close the output")
	}
}

func TestSendFailure(t *testing.T) {
	out := &fakeOut{failing: true}
	s, _ := New(out, testLogger())
	if err := s.Beat(model.BeatEvent{}); err == nil {
		t.Error("Beat on a failing output: wanted error")
	}
}
