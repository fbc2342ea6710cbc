package sim

import (
	"math"
	"time"

	"github.com/pvlink/pvlink-go/pkg/pv"
)

// record is the runtime state of one record. Guarded by Server.mu.
type record struct {
	cfg  RecordConfig
	typ  pv.ValueType
	meta *pv.Metadata

	value     pv.Value
	severity  pv.Severity
	status    pv.AlarmStatus
	timestamp time.Time
	udf       bool

	forced       bool
	forcedSev    pv.Severity
	forcedStatus pv.AlarmStatus

	// Last values posted to value and log monitors, for the deadbands.
	mlst, alst pv.Value
	lastSev    pv.Severity
	lastStatus pv.AlarmStatus
}

func newRecord(rc RecordConfig, now time.Time) (*record, error) {
	typ, err := rc.valueType()
	if err != nil {
		return nil, err
	}
	v, err := rc.initialValue()
	if err != nil {
		return nil, err
	}
	r := &record{
		cfg:       rc,
		typ:       typ,
		meta:      rc.metadata(),
		value:     v,
		timestamp: now,
		udf:       rc.Value == "",
	}
	r.severity, r.status = r.evalAlarm()
	r.mlst, r.alst = r.value, r.value
	r.lastSev, r.lastStatus = r.severity, r.status
	return r, nil
}

// set stores v and returns the monitor events it causes.
func (r *record) set(v pv.Value, now time.Time) pv.EventMask {
	r.value = v
	r.udf = false
	r.timestamp = now
	r.severity, r.status = r.evalAlarm()

	var mask pv.EventMask
	if exceeds(r.mlst, v, r.cfg.MDEL) {
		mask |= pv.MaskValue
		r.mlst = v
	}
	if exceeds(r.alst, v, r.cfg.ADEL) {
		mask |= pv.MaskLog
		r.alst = v
	}
	if r.severity != r.lastSev || r.status != r.lastStatus {
		mask |= pv.MaskAlarm
		r.lastSev, r.lastStatus = r.severity, r.status
	}
	return mask
}

// force overrides the computed alarm. SeverityNone clears the override.
func (r *record) force(sev pv.Severity, status pv.AlarmStatus) pv.EventMask {
	r.forced = sev != pv.SeverityNone
	r.forcedSev, r.forcedStatus = sev, status
	r.severity, r.status = r.evalAlarm()
	if r.severity == r.lastSev && r.status == r.lastStatus {
		return 0
	}
	r.lastSev, r.lastStatus = r.severity, r.status
	return pv.MaskAlarm
}

func (r *record) evalAlarm() (pv.Severity, pv.AlarmStatus) {
	if r.forced {
		return r.forcedSev, r.forcedStatus
	}
	if r.udf {
		return pv.SeverityInvalid, pv.StatusUDF
	}
	f, ok := r.value.Float()
	if !ok || r.typ == pv.TypeEnum {
		return pv.SeverityNone, pv.StatusNoAlarm
	}
	rc := r.cfg
	switch {
	case rc.HiHi != nil && f >= *rc.HiHi:
		return pv.SeverityMajor, pv.StatusHiHi
	case rc.LoLo != nil && f <= *rc.LoLo:
		return pv.SeverityMajor, pv.StatusLoLo
	case rc.High != nil && f >= *rc.High:
		return pv.SeverityMinor, pv.StatusHigh
	case rc.Low != nil && f <= *rc.Low:
		return pv.SeverityMinor, pv.StatusLow
	}
	return pv.SeverityNone, pv.StatusNoAlarm
}

// clamp limits a numeric write to the control range, if one is set.
func (r *record) clamp(v pv.Value) pv.Value {
	if !r.meta.HasControlLimits() {
		return v
	}
	switch v.Type {
	case pv.TypeDouble:
		v.D = math.Min(math.Max(v.D, r.meta.ControlLow), r.meta.ControlHigh)
	case pv.TypeLong:
		v.L = int32(math.Min(math.Max(float64(v.L), r.meta.ControlLow), r.meta.ControlHigh))
	}
	return v
}

// payload renders the record in rep.
func (r *record) payload(rep pv.Representation) (*pv.Payload, error) {
	v, err := r.value.Convert(rep.Type, r.meta)
	if err != nil {
		return nil, err
	}
	p := &pv.Payload{Rep: rep, Value: v}
	if rep.Class.HasStatus() {
		p.Severity = r.severity
		p.Status = r.status
	}
	if rep.Class == pv.ClassTime {
		p.Timestamp = r.timestamp
	}
	if rep.Class == pv.ClassControl {
		p.Meta = r.meta.Clone()
	}
	return p, nil
}

// exceeds reports whether next differs from last by more than deadband.
// Non-numeric values count any change.
func exceeds(last, next pv.Value, deadband float64) bool {
	if deadband < 0 {
		return true
	}
	if next.Type != pv.TypeDouble {
		return !last.Equal(next)
	}
	a, okA := last.Float()
	b, okB := next.Float()
	if !okA || !okB {
		return !last.Equal(next)
	}
	return math.Abs(b-a) > deadband
}
