package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"
)

// freeUDPPort reserves an ephemeral port and releases it for the beacon.
func freeUDPPort(t *testing.T) int {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("reserve udp port failed: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	_ = conn.Close()
	return port
}

func TestBeaconValidatesConfig(t *testing.T) {
	if _, err := StartBeacon(BeaconConfig{DeviceName: "no-id"}); err == nil {
		t.Fatal("expected missing device ID to be rejected")
	}
	if _, err := StartBeacon(BeaconConfig{DeviceID: "no-name#1"}); err == nil {
		t.Fatal("expected missing device name to be rejected")
	}
}

func TestBeaconBindFailureIsFatal(t *testing.T) {
	port := freeUDPPort(t)

	first, err := StartBeacon(BeaconConfig{
		DeviceID:      "a#1",
		DeviceName:    "a",
		SessionPort:   9000,
		BeaconPort:    port,
		BroadcastAddr: fmt.Sprintf("127.0.0.1:%d", port),
	})
	if err != nil {
		t.Fatalf("first StartBeacon failed: %v", err)
	}
	defer first.Stop()

	if _, err := StartBeacon(BeaconConfig{
		DeviceID:      "b#2",
		DeviceName:    "b",
		SessionPort:   9001,
		BeaconPort:    port,
		BroadcastAddr: fmt.Sprintf("127.0.0.1:%d", port),
	}); err == nil {
		t.Fatal("expected second bind on the same port to fail")
	}
}

func TestBeaconAnnounceReachesPeer(t *testing.T) {
	alicePort := freeUDPPort(t)
	bobPort := freeUDPPort(t)

	// Each beacon "broadcasts" straight at the other's loopback port.
	alice, err := StartBeacon(BeaconConfig{
		DeviceID:         "alice#1111",
		DeviceName:       "alice",
		SessionPort:      9000,
		SubLan:           "office",
		BeaconPort:       alicePort,
		AnnounceInterval: 50 * time.Millisecond,
		BroadcastAddr:    fmt.Sprintf("127.0.0.1:%d", bobPort),
	})
	if err != nil {
		t.Fatalf("StartBeacon alice failed: %v", err)
	}
	defer alice.Stop()

	bob, err := StartBeacon(BeaconConfig{
		DeviceID:         "bob#2222",
		DeviceName:       "bob",
		SessionPort:      9001,
		BeaconPort:       bobPort,
		AnnounceInterval: time.Hour,
		BroadcastAddr:    fmt.Sprintf("127.0.0.1:%d", alicePort),
	})
	if err != nil {
		t.Fatalf("StartBeacon bob failed: %v", err)
	}
	defer bob.Stop()

	select {
	case sighting := <-bob.Sightings():
		if sighting.DeviceID != "alice#1111" {
			t.Fatalf("expected a sighting of alice, got %q", sighting.DeviceID)
		}
		if sighting.Port != 9000 {
			t.Fatalf("expected advertised session port 9000, got %d", sighting.Port)
		}
		if sighting.SubLan != "office" {
			t.Fatalf("expected sublan office, got %q", sighting.SubLan)
		}
		if sighting.Source != SourceBeacon {
			t.Fatalf("expected beacon source, got %q", sighting.Source)
		}
		if sighting.Addr == "" {
			t.Fatal("expected sender address to be recorded")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("bob never saw alice's announcement")
	}
}

func TestParsePresencePacket(t *testing.T) {
	remote := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40000}

	raw, err := json.Marshal(presencePacket{
		DeviceID:   "carol#3333",
		DeviceName: "carol",
		Port:       9002,
		Version:    protocolVersion,
		SubLan:     "office",
		Nonce:      "n-1",
	})
	if err != nil {
		t.Fatalf("marshal packet failed: %v", err)
	}

	sighting, ok := parsePresencePacket(raw, remote, "self#0000")
	if !ok {
		t.Fatal("expected valid packet to parse")
	}
	if sighting.DeviceID != "carol#3333" || sighting.Addr != "192.168.1.20" || sighting.Port != 9002 {
		t.Fatalf("unexpected sighting: %+v", sighting)
	}
}

func TestParsePresencePacketDropsBadInput(t *testing.T) {
	remote := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40000}

	cases := map[string][]byte{
		"malformed json": []byte("{not json"),
		"missing id":     mustPacket(t, presencePacket{DeviceName: "x", Port: 9000}),
		"self echo":      mustPacket(t, presencePacket{DeviceID: "self#0000", DeviceName: "me", Port: 9000}),
		"bad port":       mustPacket(t, presencePacket{DeviceID: "d#1", DeviceName: "d", Port: 0}),
	}
	for name, raw := range cases {
		if _, ok := parsePresencePacket(raw, remote, "self#0000"); ok {
			t.Errorf("%s: expected packet to be dropped", name)
		}
	}
}

func mustPacket(t *testing.T, packet presencePacket) []byte {
	t.Helper()
	raw, err := json.Marshal(packet)
	if err != nil {
		t.Fatalf("marshal packet failed: %v", err)
	}
	return raw
}
