// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

//go:build !cgo

package commands

import (
	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2/drivers"
)

func openMIDIOut(name string) (drivers.Out, func(), error) {
	return nil, nil, errors.New("MIDI output needs a build with cgo enabled")
}
