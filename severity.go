package scanmgr

// Severity sentinels. Scores at or below zero encode the type of a
// result rather than a magnitude, and are never replaced by dynamic
// severity or classified differently across schemes.
const (
	SeverityLog           = 0.0
	SeverityFalsePositive = -1.0
	SeverityDebug         = -2.0
	SeverityError         = -3.0

	// Highest score any scheme recognizes
	SeverityMax = 10.0

	// Marker severity cached for reports without qualifying results.
	// Never visible to callers.
	severityMissing = -99.0
)

// Levels and message types produced by classification
const (
	LevelHigh          = "High"
	LevelMedium        = "Medium"
	LevelLow           = "Low"
	LevelNone          = "None"
	LevelAlarm         = "Alarm"
	LevelLog           = "Log"
	LevelDebug         = "Debug"
	LevelError         = "Error"
	LevelFalsePositive = "False Positive"
)

// A severity class names a mapping from scores to levels
type SeverityClass string

const (
	CLASS_NIST    SeverityClass = "nist"
	CLASS_BSI     SeverityClass = "bsi"
	CLASS_CLASSIC SeverityClass = "classic"
	CLASS_PCI_DSS SeverityClass = "pci-dss"
)

// DefaultSeverityClass is used when neither the user nor the global
// settings name one.
const DefaultSeverityClass = CLASS_NIST

// Reports whether s is one of the type-encoding sentinel scores.
func SeveritySentinel(s float64) bool {
	switch s {
	case SeverityLog, SeverityFalsePositive, SeverityDebug, SeverityError:
		return true
	}
	return false
}

// Classify maps a severity score to a named level under the given
// class. Sentinels map to their type name regardless of class. With
// alarm set, any positive in-range score reports Alarm instead of its
// level. Scores outside every recognized band return
// ErrInvalidSeverity; the function is otherwise pure and total.
func Classify(severity float64, class SeverityClass, alarm bool) (string, error) {
	switch severity {
	case SeverityLog:
		return LevelLog, nil
	case SeverityFalsePositive:
		return LevelFalsePositive, nil
	case SeverityDebug:
		return LevelDebug, nil
	case SeverityError:
		return LevelError, nil
	}

	if severity <= 0 || severity > SeverityMax {
		return "", ErrInvalidSeverity
	}

	if alarm {
		return LevelAlarm, nil
	}

	switch class {
	case CLASS_PCI_DSS:
		if severity >= 4.0 {
			return LevelHigh, nil
		}
		return LevelNone, nil
	default:
		// nist, bsi and classic share one bucketing
		switch {
		case severity >= 7.0:
			return LevelHigh, nil
		case severity >= 4.0:
			return LevelMedium, nil
		default:
			return LevelLow, nil
		}
	}
}

// MessageType names the wire type of a result with the given raw
// severity: the sentinel types, or Alarm for genuine vulnerabilities.
func MessageType(severity float64) (string, error) {
	switch severity {
	case SeverityLog:
		return "Log Message", nil
	case SeverityFalsePositive:
		return LevelFalsePositive, nil
	case SeverityDebug:
		return "Debug Message", nil
	case SeverityError:
		return "Error Message", nil
	}
	if severity > 0 && severity <= SeverityMax {
		return LevelAlarm, nil
	}
	return "", ErrInvalidSeverity
}

// Reports whether the override matching severity accepts the effective
// severity of a result. A nil matching severity accepts anything.
// Sentinel (and Log) matching severities form singleton buckets and
// require an exact match; a positive matching severity m accepts the
// bucket [m, SeverityMax].
func severityMatchesOverride(severity float64, match *float64) bool {
	if match == nil {
		return true
	}
	if *match <= 0 {
		return severity == *match
	}
	return severity >= *match
}
