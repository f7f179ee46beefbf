// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/n0ot/beatrelay/pkg/announce"
	"github.com/n0ot/beatrelay/pkg/gateway"
	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var relayHost string

// channelPort gets a channel's configured port.
func channelPort(ch model.Channel) int {
	if port := viper.GetInt("server." + string(ch) + "Port"); port > 0 {
		return port
	}
	return model.DefaultPorts[ch]
}

// endpoints gets the address of each channel, from --relay if given, or from mDNS otherwise.
func endpoints(ctx context.Context, log *logrus.Logger, channels ...model.Channel) map[model.Channel]string {
	if relayHost != "" {
		addrs := make(map[model.Channel]string, len(channels))
		for _, ch := range channels {
			addrs[ch] = net.JoinHostPort(relayHost, strconv.Itoa(channelPort(ch)))
		}
		return addrs
	}

	r := announce.NewResolver(viper.GetString("announce.name"), log)
	r.Service = viper.GetString("announce.service")
	r.Domain = viper.GetString("announce.domain")
	return r.Resolve(ctx, channels...)
}

// consoleDisplay prints a session's progress, and what the relay sends, to stdout.
type consoleDisplay struct {
	lock sync.Mutex // Keeps lines whole
}

func (d *consoleDisplay) println(a ...interface{}) {
	d.lock.Lock()
	fmt.Println(a...)
	d.lock.Unlock()
}

func (d *consoleDisplay) Title(title, artist string) {
	if title == "" {
		return
	}
	if artist != "" {
		title += " by " + artist
	}
	d.println("Playing", title)
}

func (d *consoleDisplay) Beat(beat model.BeatEvent) {
	if beat.IsFirstBeat {
		d.println("BEAT")
	} else {
		d.println("beat")
	}
}

func (d *consoleDisplay) Tempo(bpm int) {
	d.println("Tempo:", bpm, "BPM")
}

func (d *consoleDisplay) Notes(frame model.NoteFrame) {
	var parts []string
	for _, group := range frame.Notes {
		for _, note := range group.Notes {
			parts = append(parts, fmt.Sprintf("Note %d (%g)", note, group.Duration))
		}
	}
	if len(parts) > 0 {
		d.println(strings.Join(parts, ", "))
	}
}

func (d *consoleDisplay) Position(text string) {
	d.println(text)
}

func (d *consoleDisplay) Clear() {}

func (d *consoleDisplay) ConnectionLost(ch model.Channel, err error) {
	d.println("Connection to", ch, "lost")
}

var _ gateway.Display = (*consoleDisplay)(nil)
