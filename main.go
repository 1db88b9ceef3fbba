// Command nearlink runs a LAN mesh node: it advertises and browses for
// nearby devices, forms encrypted sessions with them, and exchanges
// acknowledged test payloads. SIGUSR1/SIGUSR2 simulate background and
// foreground lifecycle transitions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"nearlink/config"
	"nearlink/crypto"
	"nearlink/lan"
	"nearlink/lifecycle"
	"nearlink/mesh"
	"nearlink/network"
	"nearlink/storage"
	"nearlink/transport"
)

func main() {
	var (
		loopback    = flag.Bool("loopback", false, "run against an in-memory hub with a companion peer instead of the LAN")
		nameFlag    = flag.String("name", "", "override the configured display name")
		sendEvery   = flag.Duration("send-every", 0, "periodically send a test payload to selected peers (0 disables)")
		statusEvery = flag.Duration("status-every", 15*time.Second, "interval between peer status dumps (0 disables)")
	)
	flag.Parse()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	if *nameFlag != "" {
		cfg.DeviceName = *nameFlag
	}

	privateKey, publicKey, err := crypto.EnsureIdentityKeyPair(cfg.IdentityPrivateKeyPath, cfg.IdentityPublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing identity keypair: %v", err)
	}

	fingerprint := crypto.Fingerprint(publicKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting key fingerprint: %v", err)
		}
	}

	dataDir := filepath.Dir(cfgPath)
	store, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Fingerprint:     %s\n", cfg.KeyFingerprint)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", store.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	phases := lifecycle.NewPublisher()
	lifecycle.WatchSignals(ctx, phases)

	var (
		tr        transport.Transport
		companion *mesh.Coordinator
	)
	if *loopback {
		hub := transport.NewHub()
		tr = hub.Attach(transport.PeerID(cfg.DeviceID), cfg.DeviceName)
		companion, err = startCompanion(hub)
		if err != nil {
			log.Fatalf("startup failed while attaching loopback companion: %v", err)
		}
		defer companion.Close()
		fmt.Println("Transport:       in-memory loopback hub")
	} else {
		listeningPort := 0
		if cfg.PortMode == config.PortModeFixed {
			listeningPort = cfg.ListeningPort
		}
		tr, err = lan.New(lan.Options{
			Identity: network.LocalIdentity{
				DeviceID:    cfg.DeviceID,
				DisplayName: cfg.DeviceName,
				PrivateKey:  privateKey,
				PublicKey:   publicKey,
			},
			Fingerprint:   fingerprint,
			Service:       cfg.ServiceName,
			ListeningPort: listeningPort,
		})
		if err != nil {
			log.Fatalf("startup failed while creating LAN transport: %v", err)
		}
		fmt.Println("Transport:       LAN (mDNS + TCP)")
	}

	logbook := mesh.NewLogbook(500)
	logbook.SetPersist(func(entry mesh.LogEntry) {
		err := store.AppendEventLog(storage.EventLogEntry{
			ID:        entry.ID,
			Message:   entry.Message,
			Timestamp: entry.Timestamp.UnixMilli(),
		})
		if err != nil {
			log.Printf("event log persist error: %v", err)
		}
	})

	node, err := mesh.New(mesh.Options{
		Identity: mesh.LocalIdentity{
			ID:          transport.PeerID(cfg.DeviceID),
			DisplayName: cfg.DeviceName,
		},
		Transport:          tr,
		Lifecycle:          phases,
		Logbook:            logbook,
		Archive:            &deviceArchive{store: store},
		AutoSelectNewPeers: cfg.AutoSelectNewPeers,
		BackupInviteDelay:  time.Duration(cfg.BackupInviteDelayMs) * time.Millisecond,
		RestartDebounce:    time.Duration(cfg.RestartDebounceMs) * time.Millisecond,
		InviteTimeout:      time.Duration(cfg.InviteTimeoutMs) * time.Millisecond,
		RetryInviteTimeout: time.Duration(cfg.RetryInviteTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("startup failed while creating coordinator: %v", err)
	}
	defer node.Close()

	logEntries := logbook.Subscribe()
	defer logbook.Unsubscribe(logEntries)
	go func() {
		for entry := range logEntries {
			fmt.Printf("[%s] %s\n", entry.Timestamp.Format("15:04:05.000"), entry.Message)
		}
	}()

	node.Start()
	node.ToggleBrowsing()
	node.ToggleAdvertising()

	if *sendEvery > 0 {
		go runPayloadTicker(ctx, node, *sendEvery)
	}
	if *statusEvery > 0 {
		go runStatusTicker(ctx, node, *statusEvery)
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// deviceArchive adapts the SQLite store to the coordinator's peer
// history interface.
type deviceArchive struct {
	store *storage.Store
}

func (a *deviceArchive) RecordPeerConnected(id transport.PeerID, displayName string, when time.Time) error {
	return a.store.RecordDeviceConnected(string(id), displayName, when.UnixMilli())
}

func (a *deviceArchive) RecordPeerDisconnected(id transport.PeerID, when time.Time) error {
	return a.store.RecordDeviceDisconnected(string(id), when.UnixMilli())
}

// startCompanion attaches a second, fully automatic node to the hub so
// loopback mode has a peer to discover, connect, and exchange with.
func startCompanion(hub *transport.Hub) (*mesh.Coordinator, error) {
	companion, err := mesh.New(mesh.Options{
		Identity: mesh.LocalIdentity{
			ID:          "loopback-peer",
			DisplayName: "Loopback Peer",
		},
		Transport: hub.Attach("loopback-peer", "Loopback Peer"),
	})
	if err != nil {
		return nil, err
	}
	companion.Start()
	companion.ToggleBrowsing()
	companion.ToggleAdvertising()
	return companion, nil
}

func runPayloadTicker(ctx context.Context, node *mesh.Coordinator, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ticker.C:
			seq++
			node.SendTestPayload([]byte(fmt.Sprintf("test payload %d", seq)))
		case <-ctx.Done():
			return
		}
	}
}

func runStatusTicker(ctx context.Context, node *mesh.Coordinator, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := node.CurrentSnapshot()
			fmt.Printf("--- peers=%d browsing=%t advertising=%t\n", len(snap.Peers), snap.Browsing, snap.Advertising)
			for _, peer := range snap.Peers {
				fmt.Printf("    %-20s %-10s selected=%t\n", peer.DisplayName, peerStatus(peer), peer.Selected)
			}
		case <-ctx.Done():
			return
		}
	}
}

func peerStatus(p mesh.Peer) string {
	if p.Connected {
		return "connected"
	}
	return "connecting"
}
