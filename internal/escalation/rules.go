// ABOUTME: Response ladder levels and the escalation rule table
// ABOUTME: Rules are matched exact, then by type, then by severity, then catch-all

package escalation

import (
	"fmt"
	"strings"
	"time"
)

// Level is one rung of the response ladder. Each level's action includes the
// previous level's notification.
type Level int

const (
	LevelLog Level = iota
	LevelNotify
	LevelAlert
	LevelEscalate
	LevelHalt
)

var levelNames = [...]string{"LOG", "NOTIFY", "ALERT", "ESCALATE", "HALT"}

func (l Level) String() string {
	if l < LevelLog || l > LevelHalt {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel parses a level name, ignoring case.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("unknown escalation level %q", s)
}

// Any matches every issue type or severity in a Rule.
const Any = "*"

// Rule selects the response range for an issue type and severity.
type Rule struct {
	IssueType       string
	Severity        string
	InitialLevel    Level
	MaxLevel        Level
	EscalationDelay time.Duration
}

// DefaultRules is the built-in rule table. Critical errors halt immediately.
func DefaultRules() []Rule {
	return []Rule{
		{IssueType: "error", Severity: "critical", InitialLevel: LevelHalt, MaxLevel: LevelHalt},
		{IssueType: "error", Severity: "high", InitialLevel: LevelEscalate, MaxLevel: LevelHalt, EscalationDelay: 15 * time.Minute},
		{IssueType: "error", Severity: "medium", InitialLevel: LevelAlert, MaxLevel: LevelEscalate, EscalationDelay: 30 * time.Minute},
		{IssueType: "error", Severity: "low", InitialLevel: LevelLog, MaxLevel: LevelNotify, EscalationDelay: time.Hour},
		{IssueType: "stuck", Severity: Any, InitialLevel: LevelNotify, MaxLevel: LevelEscalate, EscalationDelay: 30 * time.Minute},
		{IssueType: "loop", Severity: Any, InitialLevel: LevelAlert, MaxLevel: LevelHalt, EscalationDelay: 15 * time.Minute},
		{IssueType: "resource", Severity: Any, InitialLevel: LevelNotify, MaxLevel: LevelAlert, EscalationDelay: 30 * time.Minute},
		{IssueType: Any, Severity: "critical", InitialLevel: LevelEscalate, MaxLevel: LevelHalt, EscalationDelay: 10 * time.Minute},
		{IssueType: Any, Severity: "high", InitialLevel: LevelAlert, MaxLevel: LevelEscalate, EscalationDelay: 30 * time.Minute},
		{IssueType: Any, Severity: Any, InitialLevel: LevelLog, MaxLevel: LevelNotify, EscalationDelay: time.Hour},
	}
}

var catchAll = Rule{IssueType: Any, Severity: Any, InitialLevel: LevelLog, MaxLevel: LevelNotify, EscalationDelay: time.Hour}

// matchRule returns the first rule of the most specific matching tier.
func matchRule(rules []Rule, issueType, severity string) Rule {
	tiers := [][2]string{
		{issueType, severity},
		{issueType, Any},
		{Any, severity},
		{Any, Any},
	}
	for _, tier := range tiers {
		for _, r := range rules {
			if strings.EqualFold(r.IssueType, tier[0]) && strings.EqualFold(r.Severity, tier[1]) {
				return r
			}
		}
	}
	return catchAll
}

// nextLevel returns the level to execute for an issue currently at current.
// The result never exceeds the rule's ceiling, even when the issue was raised
// under a rule with a higher one.
func nextLevel(r Rule, current Level, existing bool) Level {
	if !existing {
		if r.InitialLevel > r.MaxLevel {
			return r.MaxLevel
		}
		return r.InitialLevel
	}
	if current >= r.MaxLevel {
		return r.MaxLevel
	}
	next := current + 1
	if next < r.InitialLevel {
		next = r.InitialLevel
	}
	if next > r.MaxLevel {
		next = r.MaxLevel
	}
	return next
}
