// Package discovery advertises local presence and browses for nearby
// nearlink devices over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("discovery")

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_nearlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertising and scanning.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID  string
	DisplayName   string
	ListeningPort int
	Fingerprint   string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		return errors.New("display name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

// Broadcaster advertises this device on the LAN.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the mDNS service and starts answering
// queries. The instance name carries the display name; identity travels
// in the TXT record.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		"device_id=" + cfg.SelfDeviceID,
		"version=" + strconv.Itoa(cfg.Version),
		"fingerprint=" + cfg.Fingerprint,
	}

	server, err := cfg.registerFn(cfg.DisplayName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	log.Debugw("broadcasting", "service", cfg.Service, "port", cfg.ListeningPort)

	return &Broadcaster{server: server}, nil
}

// Stop stops advertising. Safe on nil and after a previous Stop.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
	b.server = nil
}
