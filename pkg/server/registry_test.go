package server

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/n0ot/beatrelay/pkg/model"
)

func memberIDs(members []Member) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID())
	}
	sort.Strings(ids)
	return ids
}

func TestRegistrySnapshotMatchesRegistrations(t *testing.T) {
	reg := NewRegistry(model.Channels...)
	rnd := rand.New(rand.NewSource(1))
	members := make([]*testMember, 20)
	for i := range members {
		members[i] = newTestMember(fmt.Sprintf("m%02d", i))
	}

	want := make(map[string]bool)
	for step := 0; step < 1000; step++ {
		m := members[rnd.Intn(len(members))]
		if rnd.Intn(2) == 0 {
			if err := reg.Register(model.Beat, m); err != nil {
				t.Fatalf("Register: %s", err)
			}
			want[m.ID()] = true
		} else {
			reg.Unregister(model.Beat, m)
			delete(want, m.ID())
		}

		got := memberIDs(reg.Snapshot(model.Beat))
		if len(got) != len(want) {
			t.Fatalf("step %d: snapshot has %d members; wanted %d", step, len(got), len(want))
		}
		for _, id := range got {
			if !want[id] {
				t.Fatalf("step %d: snapshot includes unregistered member %s", step, id)
			}
		}
	}

	if got := reg.stats().numClients; got != len(want) {
		t.Errorf("numClients = %d; wanted %d", got, len(want))
	}
}

func TestRegistryChannelsAreIndependent(t *testing.T) {
	reg := NewRegistry(model.Beat, model.Note)
	m := newTestMember("a")
	reg.Register(model.Beat, m)

	if n := reg.Count(model.Note); n != 0 {
		t.Errorf("note channel has %d members; wanted 0", n)
	}
	if err := reg.Register(model.BPM, m); err == nil {
		t.Error("registering on a channel that isn't served should fail")
	}
}

func TestRegistryUnregisterIsIdempotent(t *testing.T) {
	reg := NewRegistry(model.Beat)
	m := newTestMember("a")
	reg.Register(model.Beat, m)
	reg.Unregister(model.Beat, m)
	reg.Unregister(model.Beat, m)
	reg.Unregister(model.Note, m)

	if n := reg.Count(model.Beat); n != 0 {
		t.Errorf("beat channel has %d members; wanted 0", n)
	}
	if got := reg.stats().numClients; got != 0 {
		t.Errorf("numClients = %d; wanted 0", got)
	}
}

func TestRegistryMaxClients(t *testing.T) {
	reg := NewRegistry(model.Beat, model.Note)
	a, b := newTestMember("a"), newTestMember("b")
	reg.Register(model.Beat, a)
	reg.Register(model.Note, b)
	reg.Register(model.Beat, a) // Already registered
	reg.Unregister(model.Beat, a)

	stats := reg.stats()
	if stats.maxClients != 2 || stats.numClients != 1 {
		t.Errorf("max/num clients = %d/%d; wanted 2/1", stats.maxClients, stats.numClients)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry(model.Beat)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m := newTestMember(fmt.Sprintf("%d-%d", i, j))
				reg.Register(model.Beat, m)
				for _, member := range reg.Snapshot(model.Beat) {
					member.ID()
				}
				reg.Unregister(model.Beat, m)
			}
		}(i)
	}
	wg.Wait()

	if n := reg.Count(model.Beat); n != 0 {
		t.Errorf("beat channel has %d members; wanted 0", n)
	}
}
