// Package event implements the Event Router (spec.md §4.1): it normalizes
// inbound events, filters self-authored ones, parses command mentions, and
// dispatches to the Pipeline Engine and Agent Lifecycle Manager.
package event

import (
	"regexp"
	"time"
)

// Event is a normalized inbound occurrence (spec.md §4.1).
type Event struct {
	Type       string // dotted form, e.g. "pull_request_review.submitted"
	DeliveryID string // unique; duplicate deliveries are dropped
	Sender     string
	Repo       string
	PRNumber   int64 // 0 when not PR-scoped
	IssueNumber int64 // 0 when not issue-scoped
	Payload    map[string]any
	ReceivedAt time.Time
}

// Command is a synthesized event produced when Payload carries a recognized
// "@{bot} <role>: <body>" mention (spec.md §4.1 step 2).
type Command struct {
	Role string
	Body string
}

// CommandParser extracts a Command from free-text comment bodies that
// mention the configured bot identity.
type CommandParser struct {
	re *regexp.Regexp
}

// NewCommandParser builds a parser for the given bot identity (e.g. the
// account Squadron posts comments as).
func NewCommandParser(botIdentity string) *CommandParser {
	pattern := regexp.MustCompile(`[.\\+*?()|\[\]{}^$]`).ReplaceAllString(botIdentity, `\$0`)
	return &CommandParser{re: regexp.MustCompile(`(?i)@` + pattern + `\s+([A-Za-z][A-Za-z0-9_-]*):\s*(.+)`)}
}

// Parse returns the Command embedded in text, if any.
func (p *CommandParser) Parse(text string) (Command, bool) {
	m := p.re.FindStringSubmatch(text)
	if m == nil {
		return Command{}, false
	}
	return Command{Role: m[1], Body: m[2]}, true
}
