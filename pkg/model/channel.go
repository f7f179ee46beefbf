// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package model

import "github.com/pkg/errors"

// A Channel is a named topic on the relay.
// Every connection belongs to exactly one channel.
type Channel string

// Channels served by the relay.
const (
	Beat Channel = "beat"
	Note Channel = "note"
	BPM  Channel = "bpm"
)

// Channels lists every channel, in the order their endpoints are started.
var Channels = []Channel{Beat, Note, BPM}

// DefaultPorts are the ports each channel listens on when none are configured.
var DefaultPorts = map[Channel]int{
	Beat: 8001,
	Note: 8002,
	BPM:  8003,
}

// Path is the HTTP path the channel's WebSocket endpoint is served on.
func (ch Channel) Path() string {
	return "/" + string(ch)
}

func (ch Channel) String() string {
	return string(ch)
}

// ParseChannel converts a name into a Channel.
func ParseChannel(name string) (Channel, error) {
	for _, ch := range Channels {
		if string(ch) == name {
			return ch, nil
		}
	}
	return "", errors.Errorf("Unknown channel %q", name)
}
