package domain

import (
	"context"
	"time"
)

// Severity orders alerts by urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is as urgent as min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Alert is an operator-facing notification.
type Alert struct {
	Severity Severity  `json:"severity"`
	Scope    string    `json:"scope"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Alerter delivers alerts. Implementations must not block trading and must
// swallow delivery failures.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}
