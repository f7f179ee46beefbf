// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/n0ot/beatrelay/pkg/gateway"
	"github.com/n0ot/beatrelay/pkg/midiout"
	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	listenChannels []string
	midiOutName    string
)

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect to a relay as a device, and print what it sends",
	Long: `listen connects to a relay's channels like a metronome device would,
and prints every beat, tempo change and note it receives.

The relay is found with mDNS, unless --relay is given.`,
	RunE: runListen,
}

func init() {
	RootCmd.AddCommand(listenCmd)
	listenCmd.Flags().StringVarP(&relayHost, "relay", "r", "", "host of the relay (default is to discover it with mDNS)")
	listenCmd.Flags().StringSliceVarP(&listenChannels, "channels", "c", []string{"beat", "note", "bpm"}, "channels to listen on")
	listenCmd.Flags().StringVarP(&midiOutName, "midi-out", "m", "", "also play beats and notes on the MIDI output whose name contains this")
}

func runListen(cmd *cobra.Command, args []string) error {
	log := newLogger()
	channels := make([]model.Channel, 0, len(listenChannels))
	for _, name := range listenChannels {
		ch, err := model.ParseChannel(name)
		if err != nil {
			return err
		}
		channels = append(channels, ch)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	display := &consoleDisplay{}
	var sink *midiout.Sink
	if midiOutName != "" {
		out, release, err := openMIDIOut(midiOutName)
		if err != nil {
			return err
		}
		defer release()
		if sink, err = midiout.New(out, log); err != nil {
			return err
		}
		defer sink.Close()
		log.WithField("output", out.String()).Info("Playing on MIDI output")
	}
	midiErr := func(err error) {
		if err != nil {
			log.WithFields(logrus.Fields{"error": err}).Warn("MIDI output failed")
		}
	}

	var (
		lostLock sync.Mutex
		lost     int
	)
	g := gateway.New(endpoints(ctx, log, channels...), gateway.Handler{
		Beat: func(ch model.Channel, beat model.BeatEvent) {
			display.Beat(beat)
			if sink != nil {
				midiErr(sink.Beat(beat))
			}
		},
		Tempo: func(ch model.Channel, tempo model.TempoAnnouncement) {
			display.Tempo(tempo.BPM)
		},
		Notes: func(ch model.Channel, frame model.NoteFrame) {
			display.Notes(frame)
			if sink != nil {
				midiErr(sink.Notes(frame))
			}
		},
		ConnectionLost: func(ch model.Channel, err error) {
			display.ConnectionLost(ch, err)
			lostLock.Lock()
			defer lostLock.Unlock()
			lost++
			if lost == len(channels) {
				stop()
			}
		},
	}, log)
	if err := g.Open(ctx); err != nil {
		return err
	}
	defer g.Close()

	<-ctx.Done()
	return nil
}
