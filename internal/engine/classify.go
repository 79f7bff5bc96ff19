package engine

import "strings"

// Severity is the classifier's verdict on an engine error message.
type Severity int

const (
	// SeverityRejected fails only the request that raised it.
	SeverityRejected Severity = iota
	// SeverityFatal means the instance's memory can no longer be trusted.
	SeverityFatal
)

func (s Severity) String() string {
	if s == SeverityFatal {
		return "fatal"
	}
	return "rejected"
}

// Classifier decides whether an engine error message is fatal.
type Classifier func(message string) Severity

// DefaultFatalSignatures are substrings of panics and traps that leave the
// engine unusable.
var DefaultFatalSignatures = []string{
	"unreachable executed",
	"wasm error: unreachable",
	"entered unreachable code",
	"memory out of bounds",
	"out of bounds memory access",
	"recursive use of an object",
	"already borrowed",
	"already mutably borrowed",
	"index out of bounds",
	"illegal type",
	"integer divide by zero",
	"stack overflow",
	"indirect call type mismatch",
	"invalid table access",
}

// SignatureClassifier matches case-insensitive substrings.
func SignatureClassifier(signatures ...string) Classifier {
	lowered := make([]string, 0, len(signatures))
	for _, s := range signatures {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			lowered = append(lowered, s)
		}
	}
	return func(message string) Severity {
		m := strings.ToLower(message)
		for _, s := range lowered {
			if strings.Contains(m, s) {
				return SeverityFatal
			}
		}
		return SeverityRejected
	}
}

// DefaultClassifier uses DefaultFatalSignatures.
func DefaultClassifier() Classifier {
	return SignatureClassifier(DefaultFatalSignatures...)
}
