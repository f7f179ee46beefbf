// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"sync/atomic"

	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/n0ot/beatrelay/pkg/tempo"
	"github.com/sirupsen/logrus"
)

// Policy controls how a channel treats the messages it receives.
type Policy struct {
	// EchoToSender delivers messages back to the member that sent them.
	EchoToSender bool
	// Opaque channels relay payloads without decoding them.
	Opaque bool
	// Tempo announcements are deduplicated before being relayed.
	Tempo bool
	// TempoOnly channels drop everything but tempo announcements.
	TempoOnly bool
}

// DefaultPolicies returns the policy of each channel.
// Publishers and listeners are different devices on the same channel,
// so every channel echoes to the sender.
func DefaultPolicies() map[model.Channel]Policy {
	return map[model.Channel]Policy{
		model.Beat: {EchoToSender: true, Tempo: true},
		model.Note: {EchoToSender: true, Opaque: true},
		model.BPM:  {EchoToSender: true, Tempo: true, TempoOnly: true},
	}
}

// Relay fans messages out to the members of a channel.
type Relay struct {
	Log *logrus.Logger

	registry *Registry
	tempo    *tempo.Deduplicator
	policies map[model.Channel]Policy

	received        atomic.Uint64
	delivered       atomic.Uint64
	failed          atomic.Uint64
	dropped         atomic.Uint64
	tempoForwarded  atomic.Uint64
	tempoSuppressed atomic.Uint64
}

// NewRelay makes a relay over the members in reg.
// Channels missing from policies get the zero Policy.
// The tempo deduplicator is shared by every tempo channel.
func NewRelay(reg *Registry, policies map[model.Channel]Policy, dedup *tempo.Deduplicator, log *logrus.Logger) *Relay {
	if dedup == nil {
		dedup = &tempo.Deduplicator{}
	}
	return &Relay{
		Log:      log,
		registry: reg,
		tempo:    dedup,
		policies: policies,
	}
}

// Ingest handles a payload received from origin on a channel.
// Errors are logged and never reported back to the sender.
func (r *Relay) Ingest(ch model.Channel, origin Member, payload []byte) {
	r.received.Add(1)
	policy := r.policies[ch]
	fields := logrus.Fields{
		"channel": ch,
		"client":  origin.ID(),
	}

	if policy.Opaque {
		r.Log.WithFields(fields).Debug("Relaying message")
		r.Broadcast(ch, origin, payload)
		return
	}

	msg, err := model.Decode(payload)
	if err != nil {
		r.dropped.Add(1)
		fields["error"] = err
		r.Log.WithFields(fields).Warn("Dropping malformed message")
		return
	}
	fields["message"] = msg.Kind()

	announcement, isTempo := msg.(model.TempoAnnouncement)
	switch {
	case isTempo && policy.Tempo:
		forwarded, _ := r.tempo.Offer(announcement.BPM, func() error {
			r.Broadcast(ch, origin, payload)
			return nil
		})
		fields["bpm"] = announcement.BPM
		if forwarded {
			r.tempoForwarded.Add(1)
			r.Log.WithFields(fields).Info("Tempo changed")
		} else {
			r.tempoSuppressed.Add(1)
			r.Log.WithFields(fields).Debug("Suppressing repeated tempo")
		}

	case !isTempo && policy.TempoOnly:
		r.dropped.Add(1)
		r.Log.WithFields(fields).Warn("Dropping message not allowed on tempo channel")

	default:
		r.Log.WithFields(fields).Debug("Relaying message")
		r.Broadcast(ch, origin, payload)
	}
}

// Broadcast delivers a payload to every member of a channel,
// skipping origin unless the channel echoes to the sender.
// origin may be nil for messages that didn't come from a member.
// Members that can't take the payload are stopped and unregistered;
// delivery continues to the rest.
// Broadcast returns the number of members the payload was queued for.
func (r *Relay) Broadcast(ch model.Channel, origin Member, payload []byte) int {
	policy := r.policies[ch]
	delivered := 0
	for _, member := range r.registry.Snapshot(ch) {
		if origin != nil && !policy.EchoToSender && member.ID() == origin.ID() {
			continue
		}
		if member.Send(payload) {
			delivered++
			continue
		}

		r.failed.Add(1)
		r.Log.WithFields(logrus.Fields{
			"channel": ch,
			"client":  member.ID(),
		}).Warn("Delivery failed; dropping client")
		r.registry.Unregister(ch, member)
		member.Stop("Delivery failed")
	}
	r.delivered.Add(uint64(delivered))
	return delivered
}

// Publish encodes a message and broadcasts it to a channel, as if no member sent it.
// Tempo announcements pass through the deduplicator, like those from members.
func (r *Relay) Publish(ch model.Channel, msg model.Message) error {
	payload, err := model.Encode(msg)
	if err != nil {
		return err
	}
	if announcement, ok := msg.(model.TempoAnnouncement); ok && r.policies[ch].Tempo {
		_, err := r.tempo.Offer(announcement.BPM, func() error {
			r.Broadcast(ch, nil, payload)
			return nil
		})
		return err
	}
	r.Broadcast(ch, nil, payload)
	return nil
}

// relayStats contains the relay's message counters.
type relayStats struct {
	received, delivered, failed, dropped uint64
	tempoForwarded, tempoSuppressed      uint64
	lastBPM                              int
}

func (r *Relay) stats() relayStats {
	bpm, _ := r.tempo.Last()
	return relayStats{
		received:        r.received.Load(),
		delivered:       r.delivered.Load(),
		failed:          r.failed.Load(),
		dropped:         r.dropped.Load(),
		tempoForwarded:  r.tempoForwarded.Load(),
		tempoSuppressed: r.tempoSuppressed.Load(),
		lastBPM:         bpm,
	}
}
