package discovery

import (
	"errors"
	"net"
	"strconv"
	"time"
)

// Service type constants for mDNS.
const (
	// ServiceType is advertised by every pvlink server.
	ServiceType = "_pvlink._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is the default pvlink port.
	DefaultPort = 5064

	// ProtocolVersion is announced in the TXT record.
	ProtocolVersion = 1
)

// TXT record keys.
const (
	TXTKeyVersion = "vers"    // protocol version (required)
	TXTKeyName    = "name"    // server name (optional)
	TXTKeyRecords = "records" // number of hosted records (optional)
)

// Limits.
const (
	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// BrowseTimeout is the default timeout for one-shot browsing.
	BrowseTimeout = 3 * time.Second
)

// Discovery errors.
var (
	ErrInvalidTXTRecord    = errors.New("invalid TXT record format")
	ErrMissingRequired     = errors.New("missing required field")
	ErrInvalidVersion      = errors.New("unsupported protocol version")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrNotFound            = errors.New("service not found")
)

// ServerInfo is what a server announces about itself.
type ServerInfo struct {
	// InstanceName is the DNS-SD instance, usually the host name.
	InstanceName string

	// Port is the TCP port. Zero means DefaultPort.
	Port uint16

	// Name is a human readable server name.
	Name string

	// Records is the number of records hosted.
	Records int
}

// Server is a discovered pvlink server.
type Server struct {
	InstanceName string
	Host         string
	Port         uint16
	Addresses    []string
	Version      int
	Name         string
	Records      int
}

// Addr returns a dialable host:port, preferring the first resolved
// address over the host name.
func (s *Server) Addr() string {
	host := s.Host
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(int(s.Port)))
}

// ServiceEntry is a raw mDNS service entry, independent of the mDNS
// library.
type ServiceEntry struct {
	Instance string
	Host     string
	Port     uint16
	Text     []string
	Addrs    []string
}

// ToServer decodes the TXT record of e.
func (e *ServiceEntry) ToServer() (*Server, error) {
	info, version, err := DecodeServerTXT(StringsToTXTRecords(e.Text))
	if err != nil {
		return nil, err
	}
	return &Server{
		InstanceName: e.Instance,
		Host:         e.Host,
		Port:         e.Port,
		Addresses:    append([]string(nil), e.Addrs...),
		Version:      version,
		Name:         info.Name,
		Records:      info.Records,
	}, nil
}
