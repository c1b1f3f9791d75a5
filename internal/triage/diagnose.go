package triage

import (
	"context"
	"errors"
	"strings"
)

// Diagnosis is a best-effort explanation of a processing fault.
type Diagnosis struct {
	Category string
	Severity string
	Hint     string
}

type faultPattern struct {
	Pattern string
	Diagnosis
}

var knownFaults = []faultPattern{
	{"classifier panic", Diagnosis{Category: "classifier", Severity: "high", Hint: "inspect the message text that crashed the classifier"}},
	{"connection refused", Diagnosis{Category: "store", Severity: "high", Hint: "check that the store is reachable"}},
	{"i/o timeout", Diagnosis{Category: "store", Severity: "medium", Hint: "check store latency and network"}},
	{"noscript", Diagnosis{Category: "store", Severity: "medium", Hint: "scripts were flushed; they reload on the next call"}},
	{"readonly", Diagnosis{Category: "store", Severity: "high", Hint: "store replica is read-only; check failover"}},
	{"too many connections", Diagnosis{Category: "store", Severity: "medium", Hint: "raise the connection limit or lower worker count"}},
	{"save analysis", Diagnosis{Category: "store", Severity: "medium", Hint: "the priority could not be persisted"}},
}

var unknownFault = Diagnosis{Category: "unknown", Severity: "medium", Hint: "requires manual investigation"}

// Diagnose matches err against known fault patterns.
func Diagnose(err error) Diagnosis {
	if err == nil {
		return Diagnosis{}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Diagnosis{Category: "timeout", Severity: "medium", Hint: "the job ran past its timeout"}
	}
	lower := strings.ToLower(err.Error())
	for _, p := range knownFaults {
		if strings.Contains(lower, p.Pattern) {
			return p.Diagnosis
		}
	}
	return unknownFault
}
