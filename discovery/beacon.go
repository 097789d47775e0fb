package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultBeaconPort is the well-known UDP port for presence packets.
	DefaultBeaconPort = 42542
	// DefaultAnnounceInterval is the presence broadcast period.
	DefaultAnnounceInterval = 3 * time.Second
	// maxBeaconPacket bounds one presence datagram.
	maxBeaconPacket = 2048
	// protocolVersion is advertised in presence packets and mDNS TXT records.
	protocolVersion = 1
)

// Sighting sources.
const (
	SourceBeacon = "beacon"
	SourceMDNS   = "mdns"
)

// Sighting is one observation of a peer's presence. Discovery is lossy and
// duplicative; consumers must be idempotent under replay.
type Sighting struct {
	DeviceID   string
	DeviceName string
	Addr       string
	Port       int
	Version    int
	SubLan     string
	Nonce      string
	Source     string
	SeenAt     time.Time
}

// presencePacket is the broadcast wire format. Unauthenticated: presence
// alone confers no access.
type presencePacket struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Port       int    `json:"port"`
	Version    int    `json:"version"`
	SubLan     string `json:"sublan,omitempty"`
	Nonce      string `json:"nonce"`
}

// BeaconConfig controls presence announcement and listening.
type BeaconConfig struct {
	DeviceID   string
	DeviceName string
	// SessionPort is the TCP port advertised for handshakes.
	SessionPort int
	SubLan      string

	BeaconPort       int
	AnnounceInterval time.Duration
	// BroadcastAddr overrides the announce destination. Defaults to the
	// limited broadcast address on BeaconPort.
	BroadcastAddr string

	Logger zerolog.Logger
}

func (c BeaconConfig) withDefaults() BeaconConfig {
	out := c
	if out.BeaconPort <= 0 {
		out.BeaconPort = DefaultBeaconPort
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.BroadcastAddr == "" {
		out.BroadcastAddr = fmt.Sprintf("255.255.255.255:%d", out.BeaconPort)
	}
	return out
}

func (c BeaconConfig) validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return errors.New("device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	return nil
}

// Beacon periodically announces local presence over UDP broadcast and turns
// received presence packets into a sighting stream.
type Beacon struct {
	cfg BeaconConfig

	conn *net.UDPConn

	sightings chan Sighting

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// StartBeacon binds the beacon port and starts the announce and listen
// loops. A bind failure is fatal for the caller: the node cannot discover or
// be discovered without it.
func StartBeacon(config BeaconConfig) (*Beacon, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.BeaconPort})
	if err != nil {
		return nil, fmt.Errorf("bind beacon port %d: %w", cfg.BeaconPort, err)
	}

	beacon := &Beacon{
		cfg:       cfg,
		conn:      conn,
		sightings: make(chan Sighting, 128),
		stopped:   make(chan struct{}),
	}

	beacon.wg.Add(2)
	go beacon.announceLoop()
	go beacon.listenLoop()

	return beacon, nil
}

// Sightings returns the stream of observed peers. The stream is unbounded
// until Stop; malformed packets never appear on it.
func (b *Beacon) Sightings() <-chan Sighting {
	return b.sightings
}

// Port returns the bound beacon port.
func (b *Beacon) Port() int {
	return b.conn.LocalAddr().(*net.UDPAddr).Port
}

// Stop halts announcing and listening and closes the sighting stream.
func (b *Beacon) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopped)
		_ = b.conn.Close()
		b.wg.Wait()
		close(b.sightings)
	})
}

func (b *Beacon) announceLoop() {
	defer b.wg.Done()

	dest, err := net.ResolveUDPAddr("udp4", b.cfg.BroadcastAddr)
	if err != nil {
		b.cfg.Logger.Error().Err(err).Msg("beacon: resolve broadcast address")
		return
	}

	ticker := time.NewTicker(b.cfg.AnnounceInterval)
	defer ticker.Stop()

	// Announce once immediately so peers see us before the first tick.
	b.announceOnce(dest)

	for {
		select {
		case <-ticker.C:
			b.announceOnce(dest)
		case <-b.stopped:
			return
		}
	}
}

func (b *Beacon) announceOnce(dest *net.UDPAddr) {
	packet := presencePacket{
		DeviceID:   b.cfg.DeviceID,
		DeviceName: b.cfg.DeviceName,
		Port:       b.cfg.SessionPort,
		Version:    protocolVersion,
		SubLan:     b.cfg.SubLan,
		Nonce:      uuid.NewString(),
	}
	raw, err := json.Marshal(packet)
	if err != nil {
		b.cfg.Logger.Error().Err(err).Msg("beacon: marshal presence packet")
		return
	}

	// Best effort, at most once per tick; the next tick is the retry.
	if _, err := b.conn.WriteToUDP(raw, dest); err != nil {
		b.cfg.Logger.Debug().Err(err).Msg("beacon: announce send failed")
	}
}

func (b *Beacon) listenLoop() {
	defer b.wg.Done()

	buf := make([]byte, maxBeaconPacket)
	for {
		n, remote, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.stopped:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		sighting, ok := parsePresencePacket(buf[:n], remote, b.cfg.DeviceID)
		if !ok {
			continue
		}

		select {
		case b.sightings <- sighting:
		default:
			// Registry observation is idempotent; dropping under pressure is safe.
		}
	}
}

// parsePresencePacket validates one datagram. Malformed or self-originated
// packets are dropped silently.
func parsePresencePacket(raw []byte, remote *net.UDPAddr, selfDeviceID string) (Sighting, bool) {
	var packet presencePacket
	if err := json.Unmarshal(raw, &packet); err != nil {
		return Sighting{}, false
	}

	deviceID := strings.TrimSpace(packet.DeviceID)
	if deviceID == "" || deviceID == selfDeviceID {
		return Sighting{}, false
	}
	if packet.Port <= 0 || packet.Port > 65535 {
		return Sighting{}, false
	}

	name := strings.TrimSpace(packet.DeviceName)
	if name == "" {
		name = deviceID
	}

	addr := ""
	if remote != nil && remote.IP != nil {
		addr = remote.IP.String()
	}

	return Sighting{
		DeviceID:   deviceID,
		DeviceName: name,
		Addr:       addr,
		Port:       packet.Port,
		Version:    packet.Version,
		SubLan:     strings.TrimSpace(packet.SubLan),
		Nonce:      packet.Nonce,
		Source:     SourceBeacon,
		SeenAt:     time.Now(),
	}, true
}
