package discovery

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_lanshare._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background mDNS browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse operation.
	DefaultScanTimeout = 3 * time.Second
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the mDNS announcer and browser.
type MDNSConfig struct {
	DeviceID    string
	DeviceName  string
	SessionPort int
	SubLan      string

	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	Logger zerolog.Logger

	browseFn browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	return out
}

// MDNS announces local presence via mDNS and periodically browses for peers,
// feeding the same sighting stream as the UDP beacon. It exists for networks
// that filter broadcast but forward multicast DNS.
type MDNS struct {
	cfg MDNSConfig

	server *zeroconf.Server
	browse browseFunc

	sightings chan Sighting

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// StartMDNS registers the mDNS service and begins periodic browsing. Unlike
// the beacon, mDNS failure is not fatal; callers degrade to broadcast only.
func StartMDNS(config MDNSConfig) (*MDNS, error) {
	cfg := config.withDefaults()

	txt := []string{
		"device_id=" + cfg.DeviceID,
		"version=" + strconv.Itoa(protocolVersion),
	}
	if cfg.SubLan != "" {
		txt = append(txt, "sublan="+cfg.SubLan)
	}

	server, err := zeroconf.Register(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.SessionPort, txt, nil)
	if err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			server.Shutdown()
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &MDNS{
		cfg:       cfg,
		server:    server,
		browse:    browse,
		sightings: make(chan Sighting, 128),
		ctx:       ctx,
		cancel:    cancel,
	}

	m.wg.Add(1)
	go m.browseLoop()

	return m, nil
}

// Sightings returns the mDNS-sourced sighting stream.
func (m *MDNS) Sightings() <-chan Sighting {
	return m.sightings
}

// Stop shuts down registration and browsing.
func (m *MDNS) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		m.server.Shutdown()
		close(m.sightings)
	})
}

func (m *MDNS) browseLoop() {
	defer m.wg.Done()

	m.runBrowse()

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runBrowse()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *MDNS) runBrowse() {
	scanCtx, cancel := context.WithTimeout(m.ctx, m.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			if entry == nil {
				continue
			}
			sighting, ok := parseServiceEntry(entry, m.cfg.DeviceID)
			if !ok {
				continue
			}
			select {
			case m.sightings <- sighting:
			default:
			}
		}
	}()

	if err := m.browse(scanCtx, m.cfg.Service, m.cfg.Domain, entries); err != nil {
		m.cfg.Logger.Debug().Err(err).Msg("mdns: browse failed")
		cancel()
	}

	<-scanCtx.Done()
	<-done
}

func parseServiceEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (Sighting, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return Sighting{}, false
	}
	if entry.Port <= 0 {
		return Sighting{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addr := ""
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip != nil && ip.String() != "" {
			addr = ip.String()
			break
		}
	}
	if addr == "" {
		return Sighting{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = deviceID
	}

	return Sighting{
		DeviceID:   deviceID,
		DeviceName: name,
		Addr:       addr,
		Port:       entry.Port,
		Version:    version,
		SubLan:     strings.TrimSpace(txt["sublan"]),
		Source:     SourceMDNS,
		SeenAt:     time.Now(),
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
