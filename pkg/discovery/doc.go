// Package discovery implements mDNS/DNS-SD discovery of pvlink servers.
//
// Servers advertise the _pvlink._tcp service, one instance per server,
// usually named after the host. The TXT record carries:
//
//	vers     protocol version (required)
//	name     human readable server name
//	records  number of hosted records
//
// Clients browse for the service and add each server found to their
// transport, so channels hosted by servers that appear later still
// connect:
//
//	go discovery.Watch(ctx, discovery.NewMDNSBrowser(discovery.DefaultBrowserConfig()), tr.AddServer)
package discovery
