package discovery

import (
	"time"
)

// Advertiser announces a server on the local network.
type Advertiser interface {
	// Advertise starts (or restarts) advertising info.
	Advertise(info *ServerInfo) error

	// Update replaces the TXT record of the running advertisement.
	Update(info *ServerInfo) error

	// Stop withdraws the advertisement.
	Stop()
}

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL.
	// Default: 120 seconds.
	TTL time.Duration
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{
		TTL: 120 * time.Second,
	}
}
