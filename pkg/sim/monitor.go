package sim

import (
	"errors"

	"github.com/pvlink/pvlink-go/pkg/pv"
)

// Monitor errors.
var (
	ErrResourceExhausted = errors.New("maximum monitors reached")
	ErrMonitorNotFound   = errors.New("monitor not found")
)

// DefaultMaxMonitors bounds the monitors one session may hold.
const DefaultMaxMonitors = 1000

// monitor is one client subscription on a record.
type monitor struct {
	session Session
	corr    uint32
	record  string
	rep     pv.Representation
	mask    pv.EventMask
}

type monitorKey struct {
	session Session
	corr    uint32
}

// monitorSet indexes monitors by session and correlation, and by record for
// change dispatch. Guarded by Server.mu.
type monitorSet struct {
	max       int
	byKey     map[monitorKey]*monitor
	byRecord  map[string][]*monitor
	bySession map[Session]int
}

func newMonitorSet(max int) *monitorSet {
	if max <= 0 {
		max = DefaultMaxMonitors
	}
	return &monitorSet{
		max:       max,
		byKey:     make(map[monitorKey]*monitor),
		byRecord:  make(map[string][]*monitor),
		bySession: make(map[Session]int),
	}
}

func (s *monitorSet) add(m *monitor) error {
	key := monitorKey{m.session, m.corr}
	if old, ok := s.byKey[key]; ok {
		s.removeMonitor(old)
	}
	if s.bySession[m.session] >= s.max {
		return ErrResourceExhausted
	}
	s.byKey[key] = m
	s.byRecord[m.record] = append(s.byRecord[m.record], m)
	s.bySession[m.session]++
	return nil
}

func (s *monitorSet) remove(session Session, corr uint32) error {
	m, ok := s.byKey[monitorKey{session, corr}]
	if !ok {
		return ErrMonitorNotFound
	}
	s.removeMonitor(m)
	return nil
}

func (s *monitorSet) removeMonitor(m *monitor) {
	delete(s.byKey, monitorKey{m.session, m.corr})
	list := s.byRecord[m.record]
	for i, o := range list {
		if o == m {
			s.byRecord[m.record] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.byRecord[m.record]) == 0 {
		delete(s.byRecord, m.record)
	}
	if s.bySession[m.session]--; s.bySession[m.session] <= 0 {
		delete(s.bySession, m.session)
	}
}

// clearSession drops every monitor of session, e.g. on circuit loss.
func (s *monitorSet) clearSession(session Session) {
	for key, m := range s.byKey {
		if key.session == session {
			s.removeMonitor(m)
		}
	}
}

// clearRecord drops every monitor on name and returns them.
func (s *monitorSet) clearRecord(name string) []*monitor {
	list := append([]*monitor(nil), s.byRecord[name]...)
	for _, m := range list {
		s.removeMonitor(m)
	}
	return list
}

// matching returns the monitors on name interested in mask, in the order
// they were added.
func (s *monitorSet) matching(name string, mask pv.EventMask) []*monitor {
	var out []*monitor
	for _, m := range s.byRecord[name] {
		if m.mask&mask != 0 {
			out = append(out, m)
		}
	}
	return out
}

func (s *monitorSet) count() int {
	return len(s.byKey)
}
