// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fr4nsys/runwatch/internal/models"
)

// Match is one rendered case hit.
type Match struct {
	Case    models.Case
	Message string
	State   models.CaseState
}

// CaseIssue reports a case that could not be evaluated. The case is
// skipped for the remainder of the run; the runner keeps going.
type CaseIssue struct {
	CaseID  string
	Pattern string
	Err     string
}

type caseRule struct {
	def      models.Case
	re       *regexp.Regexp
	disabled bool
}

// Matcher evaluates one run's output lines against a runner's cases.
// It is single-run state: create a fresh matcher per execution.
type Matcher struct {
	rules    []*caseRule
	sentinel *models.Case
	lastLine string
}

// NewMatcher compiles the runner's cases. Cases whose pattern does not
// compile are reported as issues and skipped for the whole run.
func NewMatcher(cases []models.Case) (*Matcher, []CaseIssue) {
	m := &Matcher{}
	var issues []CaseIssue
	for _, c := range cases {
		if c.IsSentinel() {
			if m.sentinel == nil {
				sentinel := c
				m.sentinel = &sentinel
			}
			continue
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			issues = append(issues, CaseIssue{
				CaseID:  c.ID,
				Pattern: c.Pattern,
				Err:     fmt.Sprintf("invalid pattern: %v", err),
			})
			continue
		}
		m.rules = append(m.rules, &caseRule{def: c, re: re})
	}
	return m, issues
}

// Evaluate tests line against every live case in definition order. A
// template that references a missing group disables that case for the
// rest of the run and reports an issue.
func (m *Matcher) Evaluate(line string) ([]Match, []CaseIssue) {
	if trimmed := strings.TrimSpace(line); trimmed != "" {
		m.lastLine = trimmed
	}

	var matches []Match
	var issues []CaseIssue
	for _, rule := range m.rules {
		if rule.disabled {
			continue
		}
		sub := rule.re.FindStringSubmatch(line)
		if sub == nil {
			continue
		}
		msg, err := renderTemplate(rule.def.MessageTemplate, rule.re, sub)
		if err != nil {
			rule.disabled = true
			issues = append(issues, CaseIssue{
				CaseID:  rule.def.ID,
				Pattern: rule.def.Pattern,
				Err:     err.Error(),
			})
			continue
		}
		matches = append(matches, Match{
			Case:    rule.def,
			Message: msg,
			State:   rule.def.State,
		})
	}
	return matches, issues
}

// Final returns the completion-time sentinel match carrying the last
// non-empty output line, or "(no output)" when the run produced none.
// ok is false when the runner has no sentinel case.
func (m *Matcher) Final() (Match, bool) {
	if m.sentinel == nil {
		return Match{}, false
	}
	msg := m.lastLine
	if msg == "" {
		msg = "(no output)"
	}
	return Match{
		Case:    *m.sentinel,
		Message: msg,
		State:   m.sentinel.State,
	}, true
}

// placeholderRe finds {match}, {gN} and {name} references in a template.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// renderTemplate substitutes the whole match, positional groups and named
// groups into tpl. An empty template renders as the whole match.
func renderTemplate(tpl string, re *regexp.Regexp, sub []string) (string, error) {
	if strings.TrimSpace(tpl) == "" {
		return sub[0], nil
	}

	names := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(sub) {
			names[name] = sub[i]
		}
	}

	var renderErr error
	out := placeholderRe.ReplaceAllStringFunc(tpl, func(ph string) string {
		key := ph[1 : len(ph)-1]
		if key == "match" {
			return sub[0]
		}
		if strings.HasPrefix(key, "g") {
			if n, err := strconv.Atoi(key[1:]); err == nil {
				if n >= 1 && n < len(sub) {
					return sub[n]
				}
				if renderErr == nil {
					renderErr = fmt.Errorf("template references missing group {g%d}", n)
				}
				return ph
			}
		}
		if v, ok := names[key]; ok {
			return v
		}
		if renderErr == nil {
			renderErr = fmt.Errorf("template references unknown group {%s}", key)
		}
		return ph
	})
	if renderErr != nil {
		return "", renderErr
	}
	return out, nil
}
