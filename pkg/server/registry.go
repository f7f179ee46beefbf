// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"sync"
	"time"

	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/pkg/errors"
)

// A Member is a connection registered on a channel.
type Member interface {
	// ID uniquely identifies the member.
	ID() string
	// Send queues a payload for delivery without blocking.
	// It returns false if the member is closed, or can't keep up.
	Send(payload []byte) bool
	// Stop disconnects the member. Stop is idempotent.
	Stop(reason string)
}

// memberSet holds the members of one channel.
type memberSet struct {
	lock    sync.RWMutex // Protects members
	members map[string]Member
}

// Registry tracks the members of each channel.
// Channels are fixed when the registry is made; each has its own lock.
type Registry struct {
	sets map[model.Channel]*memberSet

	statsLock      sync.Mutex // Protects the fields below
	createdTime    time.Time
	numClients     int
	maxClients     int
	maxClientsTime time.Time
}

// NewRegistry makes a registry with an empty member set for each channel.
func NewRegistry(channels ...model.Channel) *Registry {
	now := time.Now()
	reg := &Registry{
		sets:           make(map[model.Channel]*memberSet, len(channels)),
		createdTime:    now,
		maxClientsTime: now,
	}
	for _, ch := range channels {
		reg.sets[ch] = &memberSet{members: make(map[string]Member)}
	}
	return reg
}

// Register adds a member to a channel.
// Registering a member that is already on the channel has no effect.
func (reg *Registry) Register(ch model.Channel, m Member) error {
	set, ok := reg.sets[ch]
	if !ok {
		return errors.Errorf("Channel %q not served", ch)
	}

	set.lock.Lock()
	_, exists := set.members[m.ID()]
	set.members[m.ID()] = m
	set.lock.Unlock()

	if !exists {
		reg.statsLock.Lock()
		reg.numClients++
		if reg.numClients > reg.maxClients {
			reg.maxClients = reg.numClients
			reg.maxClientsTime = time.Now()
		}
		reg.statsLock.Unlock()
	}
	return nil
}

// Unregister removes a member from a channel.
// Removing a member that isn't on the channel is a no-op.
func (reg *Registry) Unregister(ch model.Channel, m Member) {
	set, ok := reg.sets[ch]
	if !ok {
		return
	}

	set.lock.Lock()
	_, exists := set.members[m.ID()]
	delete(set.members, m.ID())
	set.lock.Unlock()

	if exists {
		reg.statsLock.Lock()
		reg.numClients--
		reg.statsLock.Unlock()
	}
}

// Snapshot gets the members of a channel at this point in time.
// The returned slice is not affected by later joins or parts.
func (reg *Registry) Snapshot(ch model.Channel) []Member {
	set, ok := reg.sets[ch]
	if !ok {
		return nil
	}

	set.lock.RLock()
	defer set.lock.RUnlock()
	members := make([]Member, 0, len(set.members))
	for _, m := range set.members {
		members = append(members, m)
	}
	return members
}

// Count gets the number of members on a channel.
func (reg *Registry) Count(ch model.Channel) int {
	set, ok := reg.sets[ch]
	if !ok {
		return 0
	}
	set.lock.RLock()
	defer set.lock.RUnlock()
	return len(set.members)
}

// Channels gets the channels served by this registry.
func (reg *Registry) Channels() []model.Channel {
	channels := make([]model.Channel, 0, len(reg.sets))
	for _, ch := range model.Channels {
		if _, ok := reg.sets[ch]; ok {
			channels = append(channels, ch)
		}
	}
	return channels
}

// registryStats contains summary information about a registry.
type registryStats struct {
	uptime         time.Duration
	clients        map[model.Channel]int
	numClients     int
	maxClients     int
	maxClientsTime time.Time
}

func (reg *Registry) stats() registryStats {
	clients := make(map[model.Channel]int, len(reg.sets))
	for ch := range reg.sets {
		clients[ch] = reg.Count(ch)
	}

	reg.statsLock.Lock()
	defer reg.statsLock.Unlock()
	return registryStats{
		uptime:         time.Since(reg.createdTime),
		clients:        clients,
		numClients:     reg.numClients,
		maxClients:     reg.maxClients,
		maxClientsTime: reg.maxClientsTime,
	}
}
