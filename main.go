package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"

	"lanshare/access"
	"lanshare/config"
	"lanshare/discovery"
	"lanshare/logging"
	"lanshare/session"
	"lanshare/storage"
	"lanshare/transfer"
)

// app bundles the running services for the CLI.
type app struct {
	cfg      *config.DeviceConfig
	logger   zerolog.Logger
	store    *storage.Store
	ledger   *access.Ledger
	registry *discovery.Registry
	beacon   *discovery.Beacon
	mdns     *discovery.MDNS
	manager  *session.Manager
	engine   *transfer.Engine
}

func main() {
	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed while loading config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(nil, cfg.Debug)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed while opening database")
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("database close error")
		}
	}()

	ledger, err := access.NewLedger(access.LedgerOptions{
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("startup failed while loading access ledger")
		os.Exit(1)
	}

	listenAddress := ":0"
	if cfg.PortMode == config.PortModeFixed {
		listenAddress = ":" + strconv.Itoa(cfg.SessionPort)
	}
	manager, err := session.NewManager(session.ManagerOptions{
		DeviceID:      cfg.DeviceID,
		DeviceName:    cfg.DeviceName,
		SubLan:        cfg.SubLan,
		ListenAddress: listenAddress,
		Ledger:        ledger,
		Logger:        logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("startup failed while creating session manager")
		os.Exit(1)
	}

	engine, err := transfer.NewEngine(transfer.EngineOptions{
		Log:         store,
		DownloadDir: cfg.DownloadDir,
		Logger:      logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("startup failed while creating transfer engine")
		os.Exit(1)
	}
	manager.SetFrameHandler(engine)

	if err := manager.Start(); err != nil {
		logger.Error().Err(err).Msg("startup failed while binding session listener")
		os.Exit(1)
	}
	defer manager.Stop()
	defer engine.Stop()

	// Discovery is what makes the node reachable; without the beacon there
	// is no point running.
	beacon, err := discovery.StartBeacon(discovery.BeaconConfig{
		DeviceID:    cfg.DeviceID,
		DeviceName:  cfg.DeviceName,
		SessionPort: manager.Port(),
		SubLan:      cfg.SubLan,
		BeaconPort:  cfg.BeaconPort,
		Logger:      logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("startup failed while binding discovery beacon")
		os.Exit(1)
	}
	defer beacon.Stop()

	registry := discovery.NewRegistry(discovery.RegistryOptions{Logger: logger})
	registry.OnEvict(func(peer discovery.Peer) {
		manager.CloseByPeer(peer.DeviceID)
	})

	streams := []<-chan discovery.Sighting{beacon.Sightings()}
	mdns, err := discovery.StartMDNS(discovery.MDNSConfig{
		DeviceID:    cfg.DeviceID,
		DeviceName:  cfg.DeviceName,
		SessionPort: manager.Port(),
		SubLan:      cfg.SubLan,
		Logger:      logger,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("mdns unavailable, continuing with beacon only")
	} else {
		defer mdns.Stop()
		streams = append(streams, mdns.Sightings())
	}
	registry.Start(streams...)
	defer registry.Stop()

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	if cfg.SubLan != "" {
		fmt.Printf("Sub-LAN:         %s\n", cfg.SubLan)
	}
	fmt.Printf("Session Port:    %d\n", manager.Port())
	fmt.Printf("Beacon Port:     %d\n", beacon.Port())
	fmt.Printf("Config File:     %s\n", config.ConfigPath(dataDir))
	fmt.Printf("Database File:   %s\n", dbPath)
	fmt.Printf("Downloads:       %s\n", cfg.DownloadDir)

	// A fresh node has no codes, so nobody could ever authenticate to it.
	// Issue the first admin code with implicit local admin.
	if ledger.Empty() {
		code, err := ledger.Issue(access.RoleAdmin, access.RoleAdmin, cfg.SubLan, 0, false)
		if err != nil {
			logger.Error().Err(err).Msg("startup failed while issuing bootstrap code")
			os.Exit(1)
		}
		fmt.Printf("Bootstrap Code:  %s (admin, single-use)\n", code)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		ledger:   ledger,
		registry: registry,
		beacon:   beacon,
		mdns:     mdns,
		manager:  manager,
		engine:   engine,
	}

	go a.pumpEvents(ctx)
	a.runCLI(ctx, stop)

	fmt.Println("shutting down")
}

// pumpEvents prints session and transfer notifications as they arrive.
func (a *app) pumpEvents(ctx context.Context) {
	for {
		select {
		case event := <-a.manager.Events():
			switch event.Type {
			case session.EventEstablished:
				fmt.Printf("\n[session] established with %s (role %s)\n", event.PeerDeviceID, event.Session.Role())
			case session.EventClosed:
				fmt.Printf("\n[session] closed with %s\n", event.PeerDeviceID)
			case session.EventHandshakeFailed:
				fmt.Printf("\n[session] handshake with %s failed: %v\n", event.PeerDeviceID, event.Err)
			}
		case event := <-a.engine.Events():
			switch event.Type {
			case transfer.EventMessage:
				fmt.Printf("\n[%s] %s\n", event.PeerName, event.Text)
			case transfer.EventMessageFailed:
				fmt.Printf("\n[message] seq %d undeliverable: %v\n", event.Seq, event.Err)
			case transfer.EventSequenceGap:
				fmt.Printf("\n[message] lost messages before seq %d from %s\n", event.Seq, event.PeerName)
			case transfer.EventFileReceived:
				fmt.Printf("\n[file] received from %s: %s\n", event.PeerName, event.Path)
			case transfer.EventTransferComplete:
				fmt.Printf("\n[file] sent: %s\n", event.Path)
			case transfer.EventTransferFailed:
				fmt.Printf("\n[file] transfer %s failed: %v\n", event.TransferID, event.Err)
			}
		case <-ctx.Done():
			return
		}
	}
}
