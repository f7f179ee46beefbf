// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

//go:build cgo

package commands

import (
	"strings"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// openMIDIOut opens the first MIDI output whose name contains name, ignoring case.
// The returned func releases the driver.
func openMIDIOut(name string) (drivers.Out, func(), error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, nil, errors.Wrap(err, "Open MIDI driver")
	}
	outs, err := drv.Outs()
	if err != nil {
		drv.Close()
		return nil, nil, errors.Wrap(err, "List MIDI outputs")
	}

	available := make([]string, 0, len(outs))
	for _, out := range outs {
		if strings.Contains(strings.ToLower(out.String()), strings.ToLower(name)) {
			return out, func() { drv.Close() }, nil
		}
		available = append(available, out.String())
	}
	drv.Close()
	return nil, nil, errors.Errorf("No MIDI output matching %q (available: %s)", name, strings.Join(available, ", "))
}
