// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/n0ot/beatrelay/pkg/gateway"
	"github.com/n0ot/beatrelay/pkg/metronome"
	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const positionInterval = 100 * time.Millisecond

var (
	fromMeasure int
	openTimeout time.Duration
)

// playCmd represents the play command
var playCmd = &cobra.Command{
	Use:   "play <score>",
	Short: "Play a score's metronome through a relay",
	Long: `play loads a score, announces its tempo changes,
and publishes its metronome beats to a relay in real time.

The score is a JSON or YAML object with a list of measures, each with a start tick,
a time signature numerator, and optionally a tempo in BPM.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	RootCmd.AddCommand(playCmd)
	playCmd.Flags().StringVarP(&relayHost, "relay", "r", "", "host of the relay (default is to discover it with mDNS)")
	playCmd.Flags().IntVarP(&fromMeasure, "from", "f", 1, "measure to start playing from")
	playCmd.Flags().DurationVar(&openTimeout, "open-timeout", 10*time.Second, "how long to wait for the relay's beat channel")
}

func readScoreFile(name string) (metronome.Score, error) {
	f, err := os.Open(name)
	if err != nil {
		return metronome.Score{}, errors.Wrap(err, "Open score")
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return metronome.ReadScoreYAML(f)
	default:
		return metronome.ReadScore(f)
	}
}

func runPlay(cmd *cobra.Command, args []string) error {
	log := newLogger()
	score, err := readScoreFile(args[0])
	if err != nil {
		return err
	}
	if len(score.Measures) == 0 {
		return errors.New("Score has no measures")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	display := &consoleDisplay{}
	g := gateway.New(endpoints(ctx, log, model.Beat, model.Note), gateway.Handler{
		ConnectionLost: func(ch model.Channel, err error) {
			display.ConnectionLost(ch, err)
			if ch == model.Beat {
				stop()
			}
		},
	}, log)
	if err := g.Open(ctx); err != nil {
		return err
	}
	defer g.Close()

	session := gateway.NewSession(ctx, g, display, log)
	defer session.Close()
	// Tempo changes announced here are held until the beat channel opens.
	session.ScoreLoaded(score)
	if err := waitOpen(ctx, g, model.Beat); err != nil {
		return err
	}

	measure := fromMeasure - 1
	if measure < 0 || measure >= len(score.Measures) {
		return errors.Errorf("Measure %d is not in the score (1-%d)", fromMeasure, len(score.Measures))
	}
	plan := session.Plan()
	end := plan.Duration(0)
	pos := gateway.Position{
		Tick:    score.Measures[measure].Start,
		Current: end - plan.Duration(plan.EntryIndex(measure)),
		End:     end,
	}
	session.PlayerPositionChanged(pos)

	started := time.Now()
	startedAt := pos.Current
	session.PlayerStateChanged(gateway.Playing)
	defer session.PlayerStateChanged(gateway.Stopped)

	ticker := time.NewTicker(positionInterval)
	defer ticker.Stop()
	for session.Scheduler().Running() {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pos.Current = startedAt + time.Since(started)
			session.PlayerPositionChanged(pos)
		}
	}
	return nil
}

// waitOpen waits for a channel's connection to open.
func waitOpen(ctx context.Context, g *gateway.Gateway, ch model.Channel) error {
	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !g.IsOpen(ch) {
		select {
		case <-ctx.Done():
			return errors.Errorf("Cannot connect to %s at %s", ch.Path(), g.URL(ch))
		case <-ticker.C:
		}
	}
	return nil
}
