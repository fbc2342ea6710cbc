package pv

// Severity tags how far a value can be trusted.
type Severity uint8

const (
	// SeverityNone means no alarm.
	SeverityNone Severity = 0

	// SeverityMinor is a warning.
	SeverityMinor Severity = 1

	// SeverityMajor is an alarm.
	SeverityMajor Severity = 2

	// SeverityInvalid means the value is not valid and must not be used.
	SeverityInvalid Severity = 3
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "NO_ALARM"
	case SeverityMinor:
		return "MINOR"
	case SeverityMajor:
		return "MAJOR"
	case SeverityInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// IsTrustworthy returns false only for SeverityInvalid (and unknown values).
func (s Severity) IsTrustworthy() bool {
	return s <= SeverityMajor
}

// AlarmStatus is the condition that caused the current severity.
type AlarmStatus uint16

const (
	StatusNoAlarm AlarmStatus = iota
	StatusRead
	StatusWrite
	StatusHiHi
	StatusHigh
	StatusLoLo
	StatusLow
	StatusState
	StatusCOS
	StatusComm
	StatusTimeout
	StatusHwLimit
	StatusCalc
	StatusScan
	StatusLink
	StatusSoft
	StatusBadSub
	StatusUDF
	StatusDisable
	StatusSimm
	StatusReadAccess
	StatusWriteAccess
)

var alarmStatusNames = [...]string{
	"NO_ALARM", "READ", "WRITE", "HIHI", "HIGH", "LOLO", "LOW", "STATE", "COS",
	"COMM", "TIMEOUT", "HWLIMIT", "CALC", "SCAN", "LINK", "SOFT", "BAD_SUB",
	"UDF", "DISABLE", "SIMM", "READ_ACCESS", "WRITE_ACCESS",
}

// String returns the condition name.
func (s AlarmStatus) String() string {
	if int(s) < len(alarmStatusNames) {
		return alarmStatusNames[s]
	}
	return "UNKNOWN"
}
