package discovery

import (
	"context"
	"sort"
	"time"
)

// Browser finds pvlink servers on the local network.
type Browser interface {
	// Browse reports servers as they appear and disappear. Both channels
	// are closed when ctx ends or Stop is called.
	Browse(ctx context.Context) (added, removed <-chan *Server, err error)

	// Stop ends every active browse.
	Stop()
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{}
}

// Watch browses until ctx ends and calls found once with the address of
// every server that appears. A server that disappears and comes back is
// reported again.
func Watch(ctx context.Context, b Browser, found func(addr string)) error {
	added, removed, err := b.Browse(ctx)
	if err != nil {
		return err
	}
	for added != nil || removed != nil {
		select {
		case svc, ok := <-added:
			if !ok {
				added = nil
				continue
			}
			found(svc.Addr())
		case _, ok := <-removed:
			if !ok {
				removed = nil
			}
		}
	}
	return ctx.Err()
}

// FindAll browses for timeout and returns the servers seen, sorted by
// instance name.
func FindAll(ctx context.Context, b Browser, timeout time.Duration) ([]*Server, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	added, removed, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]*Server)
	for added != nil || removed != nil {
		select {
		case svc, ok := <-added:
			if !ok {
				added = nil
				continue
			}
			seen[svc.InstanceName] = svc
		case svc, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			delete(seen, svc.InstanceName)
		}
	}

	out := make([]*Server, 0, len(seen))
	for _, svc := range seen {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceName < out[j].InstanceName })
	return out, nil
}

// aggregate merges raw entries by instance name: addresses seen on several
// interfaces are combined into one Server, which is reported removed once
// its last address is gone. Entries with an unusable TXT record are
// skipped. added and removed are closed on return.
func aggregate(ctx context.Context, entries, gone <-chan ServiceEntry, added, removed chan<- *Server) {
	defer close(added)
	defer close(removed)

	services := make(map[string]*Server)
	emit := func(ch chan<- *Server, svc *Server) bool {
		cp := *svc
		cp.Addresses = append([]string(nil), svc.Addresses...)
		select {
		case ch <- &cp:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			svc, err := entry.ToServer()
			if err != nil {
				continue
			}
			if existing, found := services[svc.InstanceName]; found {
				existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
				continue
			}
			services[svc.InstanceName] = svc
			if !emit(added, svc) {
				return
			}

		case entry, ok := <-gone:
			if !ok {
				gone = nil
				continue
			}
			existing, found := services[entry.Instance]
			if !found {
				continue
			}
			if len(entry.Addrs) == 0 {
				existing.Addresses = nil
			} else {
				existing.Addresses = removeAddresses(existing.Addresses, entry.Addrs)
			}
			if len(existing.Addresses) == 0 {
				delete(services, entry.Instance)
				if !emit(removed, existing) {
					return
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// mergeAddresses adds new addresses to existing list, avoiding duplicates.
func mergeAddresses(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range add {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

func removeAddresses(addresses, drop []string) []string {
	toRemove := make(map[string]bool, len(drop))
	for _, a := range drop {
		toRemove[a] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}
