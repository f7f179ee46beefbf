// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package tempo filters tempo announcements so only genuine changes propagate.
package tempo

import "sync"

// Deduplicator remembers the last announced tempo.
// The zero value is ready to use, with no tempo announced.
type Deduplicator struct {
	lock sync.Mutex // Protects last and set, and serializes forwards
	last int
	set  bool
}

// Offer offers a candidate tempo.
// If no tempo was announced yet, or bpm differs from the last announced tempo,
// forward is called, and if it succeeds, bpm becomes the last announced tempo.
// Otherwise bpm is dropped, and forward is not called.
// forward runs with the Deduplicator locked, so it must not call back into it.
// A nil forward always succeeds.
func (d *Deduplicator) Offer(bpm int, forward func() error) (forwarded bool, err error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.set && d.last == bpm {
		return false, nil
	}
	if forward != nil {
		if err := forward(); err != nil {
			return false, err
		}
	}
	d.last = bpm
	d.set = true
	return true, nil
}

// Last gets the last announced tempo.
// ok is false if nothing was announced yet.
func (d *Deduplicator) Last() (bpm int, ok bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.last, d.set
}

// Reset forgets the last announced tempo.
func (d *Deduplicator) Reset() {
	d.lock.Lock()
	d.last = 0
	d.set = false
	d.lock.Unlock()
}
