package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// MDNSAdvertiser implements Advertiser using zeroconf.
type MDNSAdvertiser struct {
	config AdvertiserConfig

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewMDNSAdvertiser creates a new mDNS advertiser.
func NewMDNSAdvertiser(config AdvertiserConfig) *MDNSAdvertiser {
	return &MDNSAdvertiser{config: config}
}

// interfaces returns the configured interface, or nil for all.
func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise registers the server. An empty instance name uses the host
// name.
func (a *MDNSAdvertiser) Advertise(info *ServerInfo) error {
	instance := info.InstanceName
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("instance name: %w", err)
		}
		instance = host
	}
	if len(instance) > MaxInstanceNameLen {
		instance = instance[:MaxInstanceNameLen]
	}
	if err := ValidateInstanceName(instance); err != nil {
		return err
	}

	port := int(info.Port)
	if port == 0 {
		port = DefaultPort
	}

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	server, err := zeroconf.Register(
		instance,
		ServiceType,
		Domain,
		port,
		TXTRecordsToStrings(EncodeServerTXT(info)),
		interfaces(a.config.Interface),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", ServiceType, err)
	}
	a.server = server
	return nil
}

// Update replaces the TXT record.
func (a *MDNSAdvertiser) Update(info *ServerInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return ErrNotFound
	}
	a.server.SetText(TXTRecordsToStrings(EncodeServerTXT(info)))
	return nil
}

// Stop withdraws the advertisement.
func (a *MDNSAdvertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// MDNSBrowser implements Browser using zeroconf.
type MDNSBrowser struct {
	config BrowserConfig

	mu      sync.Mutex
	cancels []context.CancelFunc
}

// NewMDNSBrowser creates a new mDNS browser.
func NewMDNSBrowser(config BrowserConfig) *MDNSBrowser {
	return &MDNSBrowser{config: config}
}

// Browse searches for pvlink servers. Addresses announced on several
// interfaces are combined into one Server.
func (b *MDNSBrowser) Browse(ctx context.Context) (<-chan *Server, <-chan *Server, error) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	rawAdded := make(chan *zeroconf.ServiceEntry)
	rawRemoved := make(chan *zeroconf.ServiceEntry)
	entries := make(chan ServiceEntry)
	gone := make(chan ServiceEntry)
	added := make(chan *Server)
	removed := make(chan *Server)

	go aggregate(ctx, entries, gone, added, removed)

	// Convert library entries; entries is closed when browsing ends.
	go func() {
		defer close(entries)
		for {
			select {
			case e, ok := <-rawAdded:
				if !ok {
					return
				}
				select {
				case entries <- fromZeroconf(e):
				case <-ctx.Done():
					return
				}
			case e, ok := <-rawRemoved:
				if !ok {
					rawRemoved = nil
					continue
				}
				select {
				case gone <- fromZeroconf(e):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = zeroconf.Browse(ctx, ServiceType, Domain, rawAdded, rawRemoved, b.options()...)
	}()

	return added, removed, nil
}

// Stop ends every active browse.
func (b *MDNSBrowser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
}

func (b *MDNSBrowser) options() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if ifaces := interfaces(b.config.Interface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}
	return opts
}

func fromZeroconf(e *zeroconf.ServiceEntry) ServiceEntry {
	addrs := make([]string, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	for _, ip := range e.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return ServiceEntry{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     uint16(e.Port),
		Text:     e.Text,
		Addrs:    addrs,
	}
}

var (
	_ Advertiser = (*MDNSAdvertiser)(nil)
	_ Browser    = (*MDNSBrowser)(nil)
)
