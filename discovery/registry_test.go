package discovery

import (
	"sync"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	defer registry.Stop()

	registry.Observe(Sighting{DeviceID: "bob#2222", DeviceName: "bob", Addr: "10.0.0.2", Port: 9000})
	registry.Observe(Sighting{DeviceID: "alice#1111", DeviceName: "alice", Addr: "10.0.0.1", Port: 9000})

	peers := registry.Snapshot("")
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	if peers[0].DeviceName != "alice" || peers[1].DeviceName != "bob" {
		t.Fatalf("snapshot not sorted by name: %+v", peers)
	}
}

func TestRegistryObserveIsIdempotent(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	defer registry.Stop()

	sighting := Sighting{DeviceID: "alice#1111", DeviceName: "alice", Addr: "10.0.0.1", Port: 9000}
	for i := 0; i < 5; i++ {
		registry.Observe(sighting)
	}

	if peers := registry.Snapshot(""); len(peers) != 1 {
		t.Fatalf("expected 1 peer after replayed sightings, got %d", len(peers))
	}
}

func TestRegistryKeepsAddrWhenSightingOmitsIt(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	defer registry.Stop()

	registry.Observe(Sighting{DeviceID: "alice#1111", DeviceName: "alice", Addr: "10.0.0.1", Port: 9000})
	registry.Observe(Sighting{DeviceID: "alice#1111", DeviceName: "alice", Port: 9000})

	peer, ok := registry.Lookup("alice#1111")
	if !ok {
		t.Fatal("expected alice to be live")
	}
	if peer.Addr != "10.0.0.1" {
		t.Fatalf("expected address to survive an addressless sighting, got %q", peer.Addr)
	}
}

func TestRegistrySnapshotFiltersSubLan(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	defer registry.Stop()

	registry.Observe(Sighting{DeviceID: "a#1", DeviceName: "a", Addr: "10.0.0.1", Port: 1, SubLan: "office"})
	registry.Observe(Sighting{DeviceID: "b#2", DeviceName: "b", Addr: "10.0.0.2", Port: 1, SubLan: "warehouse"})

	peers := registry.Snapshot("office")
	if len(peers) != 1 || peers[0].DeviceID != "a#1" {
		t.Fatalf("expected only the office peer, got %+v", peers)
	}
}

func TestRegistryLivenessEviction(t *testing.T) {
	current := time.Now()
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	registry := NewRegistry(RegistryOptions{LivenessWindow: 10 * time.Second, Now: now})
	defer registry.Stop()

	var evictedMu sync.Mutex
	evicted := make([]string, 0)
	registry.OnEvict(func(peer Peer) {
		evictedMu.Lock()
		evicted = append(evicted, peer.DeviceID)
		evictedMu.Unlock()
	})

	registry.Observe(Sighting{DeviceID: "stale#1", DeviceName: "stale", Addr: "10.0.0.1", Port: 1, SeenAt: current})

	mu.Lock()
	current = current.Add(5 * time.Second)
	mu.Unlock()
	registry.Observe(Sighting{DeviceID: "fresh#2", DeviceName: "fresh", Addr: "10.0.0.2", Port: 1, SeenAt: now()})

	mu.Lock()
	current = current.Add(7 * time.Second)
	mu.Unlock()

	// stale is 12s old, fresh 7s old; only stale crosses the 10s window.
	removed := registry.EvictStale(now())
	if len(removed) != 1 || removed[0].DeviceID != "stale#1" {
		t.Fatalf("expected only stale#1 evicted, got %+v", removed)
	}

	evictedMu.Lock()
	defer evictedMu.Unlock()
	if len(evicted) != 1 || evicted[0] != "stale#1" {
		t.Fatalf("expected eviction callback for stale#1, got %v", evicted)
	}

	if _, ok := registry.Lookup("stale#1"); ok {
		t.Fatal("expected stale peer to be gone")
	}
	if _, ok := registry.Lookup("fresh#2"); !ok {
		t.Fatal("expected fresh peer to remain")
	}
}

func TestRegistryConsumesStreams(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	defer registry.Stop()

	stream := make(chan Sighting, 1)
	registry.Start(stream)

	stream <- Sighting{DeviceID: "alice#1111", DeviceName: "alice", Addr: "10.0.0.1", Port: 9000}

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := registry.Lookup("alice#1111"); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("sighting from stream never reached the registry")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
