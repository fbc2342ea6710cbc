package sim

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pvlink/pvlink-go/pkg/pv"
	"github.com/pvlink/pvlink-go/pkg/wire"
)

// Server errors.
var (
	ErrNoSuchRecord = errors.New("no such record")
)

// Default timing.
const (
	DefaultWriteDelay = 10 * time.Millisecond
	DefaultRampStep   = 20 * time.Millisecond
)

// Session is one client circuit. Messages sent on one session must reach
// the client in the order Send was called.
type Session interface {
	Send(m *wire.Message) error
}

// Config configures a simulated server.
type Config struct {
	// Database holds the records to serve.
	Database *Database

	// WriteDelay is how long a plain write waits after its
	// acknowledgement before it is processed.
	WriteDelay time.Duration

	// RampStep is the drive update interval.
	RampStep time.Duration

	// MaxMonitors bounds the monitors per session.
	MaxMonitors int

	// Logger receives operational logs. Nil discards.
	Logger *slog.Logger
}

// Server is an in-memory record database answering pvlink requests.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	records  map[string]*record
	monitors *monitorSet
	sessions map[Session]bool
	ramps    map[string]*ramp
	muted    bool
	closed   bool

	// sendMu orders outbound messages across goroutines. It is taken
	// before mu is released, so messages leave in the order the state
	// changes that caused them were made.
	sendMu sync.Mutex

	timers sync.WaitGroup
}

// outbound is a message queued for a session.
type outbound struct {
	session Session
	msg     *wire.Message
}

// New creates a server from cfg.
func New(cfg Config) (*Server, error) {
	if cfg.Database == nil {
		cfg.Database = &Database{}
	}
	if err := cfg.Database.Validate(); err != nil {
		return nil, err
	}
	if cfg.WriteDelay <= 0 {
		cfg.WriteDelay = DefaultWriteDelay
	}
	if cfg.RampStep <= 0 {
		cfg.RampStep = DefaultRampStep
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		records:  make(map[string]*record),
		monitors: newMonitorSet(cfg.MaxMonitors),
		sessions: make(map[Session]bool),
		ramps:    make(map[string]*ramp),
	}
	now := time.Now()
	for _, rc := range cfg.Database.Records {
		r, err := newRecord(rc, now)
		if err != nil {
			return nil, err
		}
		s.records[rc.Name] = r
	}
	return s, nil
}

// Names returns the record names, sorted.
func (s *Server) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.records))
	for n := range s.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Attach registers a client session.
func (s *Server) Attach(session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session] = true
}

// Detach forgets a session and its monitors.
func (s *Server) Detach(session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session)
	s.monitors.clearSession(session)
}

// MonitorCount returns the number of active monitors.
func (s *Server) MonitorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitors.count()
}

// Mute makes the server ignore every request while set, so clients see a
// server that never answers.
func (s *Server) Mute(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	s.logger.Info("mute", "muted", muted)
}

// Handle processes one request from session.
func (s *Server) Handle(session Session, m *wire.Message) {
	s.mu.Lock()
	if s.closed || s.muted {
		s.mu.Unlock()
		return
	}
	s.sessions[session] = true

	var out []outbound
	switch m.Kind {
	case wire.KindSearch:
		out = s.searchLocked(session, m)
	case wire.KindRead:
		out = s.readLocked(session, m)
	case wire.KindWrite:
		out = s.writeLocked(session, m)
	case wire.KindSubscribe:
		out = s.subscribeLocked(session, m)
	case wire.KindCancel:
		_ = s.monitors.remove(session, m.Correlation)
	default:
		s.logger.Debug("ignoring message", "kind", m.Kind.String())
	}
	s.sendLocked(out)
}

// sendLocked releases mu and delivers out in order.
func (s *Server) sendLocked(out []outbound) {
	s.sendMu.Lock()
	s.mu.Unlock()
	defer s.sendMu.Unlock()
	for _, o := range out {
		if err := o.session.Send(o.msg); err != nil {
			s.logger.Debug("send failed", "kind", o.msg.Kind.String(), "error", err)
		}
	}
}

// searchLocked answers the names this server hosts. Unknown names get no
// reply: another server may host them.
func (s *Server) searchLocked(session Session, m *wire.Message) []outbound {
	var out []outbound
	for _, e := range m.Entries {
		r, ok := s.records[e.Name]
		if !ok {
			continue
		}
		out = append(out, outbound{session, &wire.Message{
			Kind:        wire.KindSearchReply,
			Correlation: e.Correlation,
			Name:        e.Name,
			Status:      wire.StatusOK,
			NativeType:  r.typ,
			Count:       1,
		}})
	}
	return out
}

func (s *Server) readLocked(session Session, m *wire.Message) []outbound {
	r, ok := s.records[m.Name]
	if !ok {
		return []outbound{{session, m.Reply(wire.StatusNoSuchChannel)}}
	}
	p, err := r.payload(m.Rep)
	if err != nil {
		return []outbound{{session, m.Reply(wire.StatusBadType)}}
	}
	reply := m.Reply(wire.StatusOK)
	reply.Payload = p
	return []outbound{{session, reply}}
}

func (s *Server) subscribeLocked(session Session, m *wire.Message) []outbound {
	r, ok := s.records[m.Name]
	if !ok {
		return []outbound{{session, m.Reply(wire.StatusNoSuchChannel)}}
	}
	p, err := r.payload(m.Rep)
	if err != nil {
		return []outbound{{session, m.Reply(wire.StatusBadType)}}
	}
	mask := m.Mask
	if mask == 0 {
		mask = pv.MaskDefault
	}
	mon := &monitor{session: session, corr: m.Correlation, record: m.Name, rep: m.Rep, mask: mask}
	if err := s.monitors.add(mon); err != nil {
		s.logger.Warn("monitor refused", "record", m.Name, "error", err)
		return []outbound{{session, m.Reply(wire.StatusPutFailed)}}
	}

	// The first event carries the current value.
	ev := m.Reply(wire.StatusOK)
	ev.Payload = p
	return []outbound{{session, ev}}
}

func (s *Server) writeLocked(session Session, m *wire.Message) []outbound {
	r, ok := s.records[m.Name]
	if !ok {
		return []outbound{{session, m.Reply(wire.StatusNoSuchChannel)}}
	}
	if r.cfg.ReadOnly {
		return []outbound{{session, m.Reply(wire.StatusNoWriteAccess)}}
	}
	v, err := m.Value.Convert(r.typ, r.meta)
	if err != nil {
		return []outbound{{session, m.Reply(wire.StatusBadValue)}}
	}

	if !m.Notify {
		// Acknowledged on receipt; processing happens later.
		ack := m.Reply(wire.StatusOK)
		name := m.Name
		s.afterLocked(s.cfg.WriteDelay, func() {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			var out []outbound
			if r, ok := s.records[name]; ok {
				out = s.processLocked(r, v)
			}
			s.sendLocked(out)
		})
		return []outbound{{session, ack}}
	}

	out := s.processLocked(r, v)
	return append(out, outbound{session, m.Reply(wire.StatusOK)})
}

// processLocked stores a written value and runs its side effects.
func (s *Server) processLocked(r *record, v pv.Value) []outbound {
	v = r.clamp(v)
	out := s.postLocked(r, r.set(v, time.Now()))
	if d := r.cfg.Drive; d != nil {
		out = append(out, s.startDriveLocked(r, d)...)
	}
	return out
}

// postLocked renders events for the monitors on r that mask concerns.
func (s *Server) postLocked(r *record, mask pv.EventMask) []outbound {
	if mask == 0 {
		return nil
	}
	var out []outbound
	for _, mon := range s.monitors.matching(r.cfg.Name, mask) {
		p, err := r.payload(mon.rep)
		if err != nil {
			s.logger.Warn("cannot render event", "record", r.cfg.Name, "rep", mon.rep.String(), "error", err)
			continue
		}
		out = append(out, outbound{mon.session, &wire.Message{
			Kind:        wire.KindEvent,
			Correlation: mon.corr,
			Name:        r.cfg.Name,
			Status:      wire.StatusOK,
			Payload:     p,
		}})
	}
	return out
}

// afterLocked runs fn after d unless the server is closed first.
func (s *Server) afterLocked(d time.Duration, fn func()) {
	s.timers.Add(1)
	time.AfterFunc(d, func() {
		defer s.timers.Done()
		fn()
	})
}

// Put writes a value as a local process would, without a client.
func (s *Server) Put(name string, v pv.Value) error {
	s.mu.Lock()
	r, ok := s.records[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchRecord, name)
	}
	v, err := v.Convert(r.typ, r.meta)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("put %s: %w", name, err)
	}
	out := s.processLocked(r, v)
	s.sendLocked(out)
	return nil
}

// Get returns the record's current state in its native type with full
// metadata.
func (s *Server) Get(name string) (pv.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[name]
	if !ok {
		return pv.Snapshot{}, fmt.Errorf("%w: %s", ErrNoSuchRecord, name)
	}
	p, err := r.payload(pv.Rep(r.typ, pv.ClassControl))
	if err != nil {
		return pv.Snapshot{}, err
	}
	p.Timestamp = r.timestamp
	return pv.EmptySnapshot().Merge(p, time.Now()), nil
}

// ForceAlarm overrides the record's alarm state. SeverityNone returns it
// to the state computed from its limits.
func (s *Server) ForceAlarm(name string, sev pv.Severity, status pv.AlarmStatus) error {
	s.mu.Lock()
	r, ok := s.records[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchRecord, name)
	}
	out := s.postLocked(r, r.force(sev, status))
	s.sendLocked(out)
	return nil
}

// AddRecord adds a record at runtime. Clients searching for it find it at
// their next search retry.
func (s *Server) AddRecord(rc RecordConfig) error {
	r, err := newRecord(rc, time.Now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rc.Name]; exists {
		return fmt.Errorf("%w: duplicate record %q", ErrBadRecord, rc.Name)
	}
	s.records[rc.Name] = r
	return nil
}

// RemoveRecord drops a record. Every attached session is told the channel
// is gone.
func (s *Server) RemoveRecord(name string) error {
	s.mu.Lock()
	if _, ok := s.records[name]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchRecord, name)
	}
	delete(s.records, name)
	if rp := s.ramps[name]; rp != nil {
		rp.stop()
		delete(s.ramps, name)
	}
	s.monitors.clearRecord(name)

	var out []outbound
	for session := range s.sessions {
		out = append(out, outbound{session, &wire.Message{Kind: wire.KindChannelGone, Name: name}})
	}
	s.sendLocked(out)
	return nil
}

// Close stops drives and pending writes. Later requests are ignored.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for name, rp := range s.ramps {
		rp.stop()
		delete(s.ramps, name)
	}
	s.mu.Unlock()

	s.timers.Wait()
	return nil
}
