package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultLivenessWindow is how long a peer stays visible without a
	// fresh sighting.
	DefaultLivenessWindow = 15 * time.Second
)

// Peer is one currently-reachable device, keyed by its identity. The address
// may change between sightings; the identity persists within the liveness
// window.
type Peer struct {
	DeviceID   string
	DeviceName string
	Addr       string
	Port       int
	Version    int
	SubLan     string
	LastSeen   time.Time
}

// EvictionFunc is invoked (outside the registry lock) for each peer removed
// by liveness eviction, so session owners can cascade a close.
type EvictionFunc func(Peer)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	LivenessWindow time.Duration
	Logger         zerolog.Logger

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Registry is the authoritative, deduplicated table of reachable peers. All
// mutation is serialized behind one mutex; snapshots are copies.
type Registry struct {
	window time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	peers     map[string]Peer
	onEvict   []EvictionFunc
	stopOnce  sync.Once
	stop      chan struct{}
	loopWG    sync.WaitGroup
	loopStart sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry(options RegistryOptions) *Registry {
	window := options.LivenessWindow
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	return &Registry{
		window: window,
		logger: options.Logger,
		now:    now,
		peers:  make(map[string]Peer),
		stop:   make(chan struct{}),
	}
}

// OnEvict registers a callback fired for every liveness-evicted peer.
func (r *Registry) OnEvict(fn EvictionFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onEvict = append(r.onEvict, fn)
	r.mu.Unlock()
}

// Observe upserts a peer from one sighting. Repeated observation of the same
// sighting changes nothing beyond the last-seen timestamp, so replayed or
// duplicated discovery packets are harmless.
func (r *Registry) Observe(sighting Sighting) {
	if sighting.DeviceID == "" {
		return
	}

	seenAt := sighting.SeenAt
	if seenAt.IsZero() {
		seenAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, known := r.peers[sighting.DeviceID]
	peer := Peer{
		DeviceID:   sighting.DeviceID,
		DeviceName: sighting.DeviceName,
		Addr:       sighting.Addr,
		Port:       sighting.Port,
		Version:    sighting.Version,
		SubLan:     sighting.SubLan,
		LastSeen:   seenAt,
	}
	if known && peer.Addr == "" {
		peer.Addr = existing.Addr
	}
	r.peers[sighting.DeviceID] = peer

	if !known {
		r.logger.Debug().
			Str("peer", peer.DeviceID).
			Str("addr", peer.Addr).
			Str("source", sighting.Source).
			Msg("registry: peer discovered")
	}
}

// Snapshot returns the peers inside the liveness window, optionally filtered
// to one sub-network label, sorted by device name then ID.
func (r *Registry) Snapshot(subLanFilter string) []Peer {
	cutoff := r.now().Add(-r.window)

	r.mu.Lock()
	out := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		if peer.LastSeen.Before(cutoff) {
			continue
		}
		if subLanFilter != "" && peer.SubLan != subLanFilter {
			continue
		}
		out = append(out, peer)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

// Lookup returns one live peer by device ID.
func (r *Registry) Lookup(deviceID string) (Peer, bool) {
	cutoff := r.now().Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[deviceID]
	if !ok || peer.LastSeen.Before(cutoff) {
		return Peer{}, false
	}
	return peer, true
}

// EvictStale removes peers whose last sighting is older than the liveness
// window and fires eviction callbacks for each. Returns the evicted peers.
func (r *Registry) EvictStale(now time.Time) []Peer {
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	evicted := make([]Peer, 0)
	for id, peer := range r.peers {
		if peer.LastSeen.Before(cutoff) {
			delete(r.peers, id)
			evicted = append(evicted, peer)
		}
	}
	callbacks := append([]EvictionFunc(nil), r.onEvict...)
	r.mu.Unlock()

	for _, peer := range evicted {
		r.logger.Debug().Str("peer", peer.DeviceID).Msg("registry: peer evicted")
		for _, fn := range callbacks {
			fn(peer)
		}
	}
	return evicted
}

// Start runs background eviction and consumes sighting streams until Stop.
func (r *Registry) Start(streams ...<-chan Sighting) {
	r.loopStart.Do(func() {
		r.loopWG.Add(1)
		go func() {
			defer r.loopWG.Done()
			ticker := time.NewTicker(r.window / 2)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					r.EvictStale(r.now())
				case <-r.stop:
					return
				}
			}
		}()

		for _, stream := range streams {
			r.loopWG.Add(1)
			go func(ch <-chan Sighting) {
				defer r.loopWG.Done()
				for {
					select {
					case sighting, ok := <-ch:
						if !ok {
							return
						}
						r.Observe(sighting)
					case <-r.stop:
						return
					}
				}
			}(stream)
		}
	})
}

// Stop halts background eviction and stream consumption.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.loopWG.Wait()
	})
}
