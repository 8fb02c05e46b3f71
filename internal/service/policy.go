package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPlanSleep     = 2 * time.Second
	defaultPlanIncrement = 1.0
)

// RetryPlan is how long to wait before the next attempt and how much of
// the attempt budget the retry consumes. Zero fields take the defaults.
type RetryPlan struct {
	Sleep     time.Duration
	Increment float64
}

func (p RetryPlan) normalized() RetryPlan {
	if p.Sleep <= 0 {
		p.Sleep = defaultPlanSleep
	}
	if p.Increment <= 0 {
		p.Increment = defaultPlanIncrement
	}
	return p
}

// StatusMatcher selects HTTP statuses, either one exact code or every code
// sharing a leading-digit prefix ("5xx" matches 500-599).
type StatusMatcher struct {
	code   int
	prefix string
}

func Status(code int) StatusMatcher { return StatusMatcher{code: code} }

// StatusClass builds a prefix matcher from "5", "5xx" or "50x".
func StatusClass(pattern string) StatusMatcher {
	return StatusMatcher{prefix: strings.TrimRight(strings.ToLower(pattern), "x")}
}

// ParseMatcher accepts "503", "5xx", "50x" or "5".
func ParseMatcher(s string) (StatusMatcher, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	digits := strings.TrimRight(s, "x")
	if digits == "" || len(s) > 3 {
		return StatusMatcher{}, fmt.Errorf("invalid status matcher %q", s)
	}
	if _, err := strconv.Atoi(digits); err != nil {
		return StatusMatcher{}, fmt.Errorf("invalid status matcher %q", s)
	}
	if len(digits) == 3 {
		code, _ := strconv.Atoi(digits)
		return Status(code), nil
	}
	return StatusClass(digits), nil
}

func (m StatusMatcher) Match(code int) bool {
	if m.prefix != "" {
		return strings.HasPrefix(strconv.Itoa(code), m.prefix)
	}
	return m.code == code
}

func (m StatusMatcher) String() string {
	if m.prefix != "" {
		return m.prefix + strings.Repeat("x", max(0, 3-len(m.prefix)))
	}
	return strconv.Itoa(m.code)
}

type policyEntry struct {
	matcher StatusMatcher
	plan    RetryPlan
}

// RetryPolicy is an ordered list of status rules. The first rule whose
// matcher accepts a status decides; insertion order is precedence.
type RetryPolicy struct {
	entries   []policyEntry
	transport *RetryPlan
}

func NewRetryPolicy() *RetryPolicy { return &RetryPolicy{} }

// On appends a rule.
func (p *RetryPolicy) On(m StatusMatcher, plan RetryPlan) *RetryPolicy {
	p.entries = append(p.entries, policyEntry{matcher: m, plan: plan.normalized()})
	return p
}

// OnTransport sets the plan for connection-level failures and per-call timeouts.
func (p *RetryPolicy) OnTransport(plan RetryPlan) *RetryPolicy {
	plan = plan.normalized()
	p.transport = &plan
	return p
}

func (p *RetryPolicy) Lookup(code int) (RetryPlan, bool) {
	if p == nil {
		return RetryPlan{}, false
	}
	for _, e := range p.entries {
		if e.matcher.Match(code) {
			return e.plan, true
		}
	}
	return RetryPlan{}, false
}

func (p *RetryPolicy) TransportPlan() (RetryPlan, bool) {
	if p == nil || p.transport == nil {
		return RetryPlan{}, false
	}
	return *p.transport, true
}

func (p *RetryPolicy) String() string {
	parts := make([]string, 0, len(p.entries)+1)
	for _, e := range p.entries {
		parts = append(parts, fmt.Sprintf("%s:{%s,%g}", e.matcher, e.plan.Sleep, e.plan.Increment))
	}
	if p.transport != nil {
		parts = append(parts, fmt.Sprintf("transport:{%s,%g}", p.transport.Sleep, p.transport.Increment))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// DefaultRetryPolicy returns a fresh copy of the read policy.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy().
		On(Status(408), RetryPlan{Sleep: 2 * time.Second, Increment: 1}).
		On(Status(429), RetryPlan{Sleep: 10 * time.Second, Increment: 0.5}).
		On(Status(502), RetryPlan{Sleep: 5 * time.Second, Increment: 0.8}).
		On(Status(503), RetryPlan{Sleep: 8 * time.Second, Increment: 0.8}).
		On(Status(504), RetryPlan{Sleep: 6 * time.Second, Increment: 1}).
		On(StatusClass("5xx"), RetryPlan{Sleep: 3 * time.Second, Increment: 1}).
		OnTransport(RetryPlan{Sleep: 5 * time.Second, Increment: 1})
}

// NoRetryPolicy fails on the first error status or transport failure.
func NoRetryPolicy() *RetryPolicy { return NewRetryPolicy() }
