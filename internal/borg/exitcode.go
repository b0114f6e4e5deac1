package borg

// Severity classifies a borg exit code.
type Severity int

const (
	SeveritySuccess Severity = iota
	SeverityWarning
	SeverityFatal
)

// Borg's modern exit-code convention: 0 is success, 1 is the classic
// "completed with warnings" (e.g. a file vanished while reading), and
// 100..127 is the extended warning band. Everything else, including 2 and
// the specific-error range 3..99, invalidates the operation.
const (
	warningBandLow  = 100
	warningBandHigh = 127
)

// Classify maps an exit code onto a severity.
func Classify(code int) Severity {
	switch {
	case code == 0:
		return SeveritySuccess
	case code == 1:
		return SeverityWarning
	case code >= warningBandLow && code <= warningBandHigh:
		return SeverityWarning
	default:
		return SeverityFatal
	}
}
