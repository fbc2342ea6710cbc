package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pvlink/pvlink-go/pkg/log"
	"github.com/pvlink/pvlink-go/pkg/pv"
	"github.com/pvlink/pvlink-go/pkg/wire"
)

// GroupID identifies a synchronous group within its Context.
type GroupID uint32

// Outcome is the state of a synchronous group.
type Outcome uint8

const (
	// Pending means members are still outstanding.
	Pending Outcome = iota

	// Completed means every member was resolved, successfully or not.
	Completed

	// TimedOut means Block gave up with members still outstanding. They
	// stay in the group and a later Block may still see them complete.
	TimedOut
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Pending:
		return "Pending"
	case Completed:
		return "Completed"
	case TimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// MemberKind says what a group member does.
type MemberKind uint8

const (
	MemberWrite MemberKind = iota + 1
	MemberRead
)

// String returns the kind name.
func (k MemberKind) String() string {
	if k == MemberRead {
		return "read"
	}
	return "write"
}

// MemberResult reports one group member.
type MemberResult struct {
	Channel  *Channel
	Kind     MemberKind
	Value    pv.Value    // written value
	Snapshot pv.Snapshot // read result
	Done     bool
	Err      error
}

// GroupResult is what Block returns.
type GroupResult struct {
	ID      GroupID
	Outcome Outcome
	Members []MemberResult
}

// Completed reports whether every member was resolved.
func (r *GroupResult) Completed() bool {
	return r.Outcome == Completed
}

// Err joins the member errors, plus ErrTimeout when the block timed out.
func (r *GroupResult) Err() error {
	var errs []error
	if r.Outcome == TimedOut {
		errs = append(errs, ErrTimeout)
	}
	for _, m := range r.Members {
		if m.Err != nil {
			errs = append(errs, m.Err)
		}
	}
	return errors.Join(errs...)
}

type member struct {
	g     *group
	ch    *Channel
	kind  MemberKind
	value pv.Value
	rep   pv.Representation

	sent    bool
	done    bool
	dropped bool
	snap    pv.Snapshot
	err     error
}

type group struct {
	id          GroupID
	members     []*member
	outstanding int
	ended       bool
}

// BeginGroup creates an empty synchronous group.
func (c *Context) BeginGroup() GroupID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextGroup++
	for c.nextGroup == 0 || c.groups[c.nextGroup] != nil {
		c.nextGroup++
	}
	g := &group{id: c.nextGroup}
	c.groups[g.id] = g
	c.logState(log.StateEntityGroup, groupName(g.id), "", Completed.String(), "begin")
	return g.id
}

func groupName(id GroupID) string {
	return "group-" + strconv.FormatUint(uint64(id), 10)
}

func (c *Context) groupLocked(gid GroupID) (*group, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	g, ok := c.groups[gid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownGroup, gid)
	}
	return g, nil
}

// EnqueueWrite adds a write to the group. Nothing is sent until Block,
// which requests completion notification, so the server answers only once
// the write and everything it triggers have been processed.
func (c *Context) EnqueueWrite(gid GroupID, ch *Channel, value pv.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, err := c.groupLocked(gid)
	if err != nil {
		return err
	}
	if err := c.usableLocked(ch); err != nil {
		return err
	}
	if value.IsZero() {
		return fmt.Errorf("write %s: %w", ch.name, wire.ErrMissingValue)
	}

	m := c.addMemberLocked(g, ch, MemberWrite)
	m.value = value
	return nil
}

// EnqueueRead adds a read to the group. Like writes, it is sent by Block.
func (c *Context) EnqueueRead(gid GroupID, ch *Channel, rep pv.Representation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, err := c.groupLocked(gid)
	if err != nil {
		return err
	}
	if err := c.usableLocked(ch); err != nil {
		return err
	}
	rep, err = resolveRep(ch, rep)
	if err != nil {
		return err
	}

	m := c.addMemberLocked(g, ch, MemberRead)
	m.rep = rep
	return nil
}

// sendMembersLocked hands the group's unsent members to the transport. A
// member whose channel is no longer usable is resolved with that error.
func (c *Context) sendMembersLocked(g *group) {
	for _, m := range g.members {
		if m.sent || m.done || m.dropped {
			continue
		}
		m.sent = true
		if err := c.usableLocked(m.ch); err != nil {
			c.resolveMemberLocked(m, pv.Snapshot{}, fmt.Errorf("%s: %w", m.ch.name, err))
			continue
		}
		switch m.kind {
		case MemberWrite:
			corr := c.tr.SendWrite(m.ch.server, m.ch.name, m.value, true)
			c.writes[corr] = &pendingWrite{ch: m.ch, value: m.value, member: m}
		case MemberRead:
			corr := c.tr.SendRead(m.ch.server, m.ch.name, m.rep)
			c.reads[corr] = &pendingRead{ch: m.ch, rep: m.rep, member: m}
		}
	}
}

func (c *Context) addMemberLocked(g *group, ch *Channel, kind MemberKind) *member {
	m := &member{g: g, ch: ch, kind: kind}
	g.members = append(g.members, m)
	if g.outstanding == 0 {
		c.logState(log.StateEntityGroup, groupName(g.id), Completed.String(), Pending.String(), "enqueue")
	}
	g.outstanding++
	return m
}

// Block sends the group's requests and waits until every member is
// resolved or timeout elapses. Running out of time is an outcome, not an
// error: the result says TimedOut and lists what did complete. A
// Completed block empties the group so it can be reused.
func (c *Context) Block(ctx context.Context, gid GroupID, timeout time.Duration) (*GroupResult, error) {
	c.mu.Lock()
	g, err := c.groupLocked(gid)
	if err == nil {
		c.sendMembersLocked(g)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	err = c.await(ctx, timeout, func() bool { return g.outstanding == 0 || g.ended })
	if err != nil && !errors.Is(err, ErrTimeout) {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if g.ended {
		return nil, fmt.Errorf("%w: %d", ErrUnknownGroup, gid)
	}
	res := &GroupResult{ID: gid, Outcome: Completed, Members: make([]MemberResult, len(g.members))}
	for i, m := range g.members {
		res.Members[i] = MemberResult{
			Channel:  m.ch,
			Kind:     m.kind,
			Value:    m.value,
			Snapshot: m.snap.Clone(),
			Done:     m.done,
			Err:      m.err,
		}
	}
	if g.outstanding > 0 {
		res.Outcome = TimedOut
		c.logger.Info("group timed out", "group", gid, "outstanding", g.outstanding, "members", len(g.members))
		c.logState(log.StateEntityGroup, groupName(gid), Pending.String(), TimedOut.String(), "block timeout")
		return res, nil
	}
	g.members = nil
	c.logger.Debug("group completed", "group", gid, "members", len(res.Members))
	return res, nil
}

// GroupStatus reports without waiting whether the group has outstanding
// members.
func (c *Context) GroupStatus(gid GroupID) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, err := c.groupLocked(gid)
	if err != nil {
		return Pending, err
	}
	if g.outstanding > 0 {
		return Pending, nil
	}
	return Completed, nil
}

// ResetGroup abandons every outstanding member. Replies still in flight
// are dropped when they arrive.
func (c *Context) ResetGroup(gid GroupID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, err := c.groupLocked(gid)
	if err != nil {
		return err
	}
	c.abandonLocked(g)
	c.logState(log.StateEntityGroup, groupName(gid), "", Completed.String(), "reset")
	return nil
}

// EndGroup deletes the group. Outstanding writes are not cancelled; their
// replies are logged and dropped.
func (c *Context) EndGroup(gid GroupID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, err := c.groupLocked(gid)
	if err != nil {
		return err
	}
	c.abandonLocked(g)
	g.ended = true
	delete(c.groups, gid)
	c.logState(log.StateEntityGroup, groupName(gid), "", "ENDED", "end")
	c.loop.Broadcast()
	return nil
}

func (c *Context) abandonLocked(g *group) {
	for _, m := range g.members {
		if !m.done {
			m.dropped = true
		}
	}
	g.members = nil
	g.outstanding = 0
}

func (c *Context) resolveMemberLocked(m *member, snap pv.Snapshot, err error) {
	if m.done {
		return
	}
	if m.dropped {
		c.logger.Info("dropping late group reply",
			"group", m.g.id, "channel", m.ch.name, "kind", m.kind.String(), "error", err)
		return
	}
	m.done = true
	m.snap = snap
	m.err = err
	m.g.outstanding--
	if m.g.outstanding == 0 {
		c.logState(log.StateEntityGroup, groupName(m.g.id), Pending.String(), Completed.String(), "all members resolved")
	}
}
