package sim

import (
	"math"
	"time"

	"github.com/pvlink/pvlink-go/pkg/pv"
)

// Done flag states.
const (
	DoneActive uint16 = 0
	DoneIdle   uint16 = 1
)

// ramp moves a readback towards a target. Guarded by Server.mu.
type ramp struct {
	target  float64
	stopped bool
}

func (rp *ramp) stop() {
	rp.stopped = true
}

// startDriveLocked marks the done flag active and (re)starts the ramp of
// the readback towards the setpoint. The done flag goes active before
// this returns, so a notify write is acknowledged only after it.
func (s *Server) startDriveLocked(set *record, d *DriveConfig) []outbound {
	done, ok := s.records[d.Done]
	if !ok {
		return nil
	}
	target, _ := set.value.Float()
	out := s.postLocked(done, done.set(pv.NewEnum(DoneActive), time.Now()))

	if rp := s.ramps[set.cfg.Name]; rp != nil {
		rp.target = target
		return out
	}
	rp := &ramp{target: target}
	s.ramps[set.cfg.Name] = rp
	s.scheduleStepLocked(set.cfg.Name, rp, d)
	return out
}

func (s *Server) scheduleStepLocked(name string, rp *ramp, d *DriveConfig) {
	step := s.cfg.RampStep
	s.afterLocked(step, func() {
		s.mu.Lock()
		if s.closed || rp.stopped {
			s.mu.Unlock()
			return
		}
		out, finished := s.stepLocked(rp, d, step)
		if finished {
			delete(s.ramps, name)
		} else {
			s.scheduleStepLocked(name, rp, d)
		}
		s.sendLocked(out)
	})
}

// stepLocked advances the readback by one step and reports whether it
// reached the target.
func (s *Server) stepLocked(rp *ramp, d *DriveConfig, step time.Duration) ([]outbound, bool) {
	rb, ok1 := s.records[d.Readback]
	done, ok2 := s.records[d.Done]
	if !ok1 || !ok2 {
		return nil, true
	}

	cur, _ := rb.value.Float()
	delta := rp.target - cur
	maxStep := d.Rate * step.Seconds()
	next := rp.target
	if math.Abs(delta) > maxStep {
		next = cur + math.Copysign(maxStep, delta)
	}

	now := time.Now()
	v, err := pv.NewDouble(next).Convert(rb.typ, rb.meta)
	if err != nil {
		s.logger.Warn("cannot drive readback", "record", d.Readback, "error", err)
		return nil, true
	}
	out := s.postLocked(rb, rb.set(v, now))
	if next != rp.target {
		return out, false
	}
	out = append(out, s.postLocked(done, done.set(pv.NewEnum(DoneIdle), now))...)
	return out, true
}
