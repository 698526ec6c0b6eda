// ABOUTME: mDNS advertisement of the server and browsing for player devices
// ABOUTME: Discovered players are handed to the engine for registration
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	serverService = "_chorale-server._tcp"
	playerService = "_chorale._tcp"
)

// PlayerInfo describes a player device found on the network.
type PlayerInfo struct {
	Name string
	Host string
	Port int
}

// Config holds discovery settings.
type Config struct {
	ServerName string
	Port       int
}

// Manager advertises the server and browses for players.
type Manager struct {
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	players chan PlayerInfo
	seen    map[string]bool
}

// NewManager creates a discovery manager.
func NewManager(cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		players: make(chan PlayerInfo, 16),
		seen:    make(map[string]bool),
	}
}

// Advertise announces this server on the local network until Stop.
func (m *Manager) Advertise() error {
	ips, err := localIPs()
	if err != nil {
		return fmt.Errorf("listing local addresses: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.cfg.ServerName,
		serverService,
		"",
		"",
		m.cfg.Port,
		ips,
		[]string{"path=/chorale"},
	)
	if err != nil {
		return fmt.Errorf("creating mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("starting mdns server: %w", err)
	}
	log.Printf("discovery: advertising %s on port %d", m.cfg.ServerName, m.cfg.Port)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()
	return nil
}

// Browse starts the background player scan.
func (m *Manager) Browse() {
	go m.browseLoop()
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for entry := range entries {
				if entry.AddrV4 == nil {
					continue
				}
				info := PlayerInfo{
					Name: entry.Name,
					Host: entry.AddrV4.String(),
					Port: entry.Port,
				}
				key := fmt.Sprintf("%s:%d", info.Host, info.Port)
				if m.seen[key] {
					continue
				}
				m.seen[key] = true
				log.Printf("discovery: found player %s at %s", info.Name, key)

				select {
				case m.players <- info:
				case <-m.ctx.Done():
					return
				}
			}
		}()

		params := &mdns.QueryParam{
			Service: playerService,
			Domain:  "local",
			Timeout: 3 * time.Second,
			Entries: entries,
		}
		if err := mdns.Query(params); err != nil {
			log.Printf("discovery: query failed: %v", err)
		}
		close(entries)
		<-done

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(10 * time.Second):
		}
	}
}

// Players delivers newly discovered player devices.
func (m *Manager) Players() <-chan PlayerInfo {
	return m.players
}

// Stop shuts discovery down.
func (m *Manager) Stop() {
	m.cancel()
}

func localIPs() ([]net.IP, error) {
	var ips []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no usable network interface")
	}
	return ips, nil
}
