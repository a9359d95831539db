// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrParse is returned (wrapped in a *ParseError) when a metric prefix is
// found but the value that follows it is not an unsigned integer
var ErrParse = errors.New("residency: malformed metric value")

// ParseError describes a metric whose prefix matched but whose value did not parse
type ParseError struct {
	Prefix string
	Line   string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse value for %q in line %q: %v", e.Prefix, e.Line, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrParse, e.Err}
}

// UnitTransform converts a raw counter value to milliseconds
type UnitTransform func(uint64) uint64

// DivideBy returns a transform dividing raw values by n
func DivideBy(n uint64) UnitTransform {
	if n <= 1 {
		return nil
	}
	return func(v uint64) uint64 { return v / n }
}

var (
	NsToMs = DivideBy(1_000_000)
	UsToMs = DivideBy(1_000)
)

// MatchMode selects where on a line a metric prefix may appear
type MatchMode int

const (
	// MatchLineStart matches when the trimmed line starts with the prefix
	MatchLineStart MatchMode = iota

	// MatchAfterLabel matches the prefix anywhere on the line, allowing an
	// arbitrary key or label in front of it (e.g. "CH3 count: 10")
	MatchAfterLabel
)

// MetricRule describes how one scalar is extracted from a text blob
type MetricRule struct {
	Supported bool
	Prefix    string
	Transform UnitTransform
	Match     MatchMode
}

// Rule is a shorthand for a supported rule with the given prefix and transform
func Rule(prefix string, transform UnitTransform) MetricRule {
	return MetricRule{Supported: true, Prefix: prefix, Transform: transform}
}

// ParseMetric extracts the value of rule from text. found is false when the
// rule is unsupported or no line carries the prefix; neither case is an error.
func ParseMetric(text string, rule MetricRule) (value uint64, found bool, err error) {
	if !rule.Supported {
		return 0, false, nil
	}

	for line := range strings.Lines(text) {
		rest, ok := matchPrefix(line, rule)
		if !ok {
			continue
		}

		token := firstField(rest)
		v, err := strconv.ParseUint(token, 10, 64)
		if err != nil {
			return 0, true, &ParseError{
				Prefix: rule.Prefix,
				Line:   strings.TrimSpace(line),
				Err:    err,
			}
		}
		if rule.Transform != nil {
			v = rule.Transform(v)
		}
		return v, true, nil
	}

	return 0, false, nil
}

// matchPrefix returns the remainder of line after the rule prefix
func matchPrefix(line string, rule MetricRule) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}

	switch rule.Match {
	case MatchAfterLabel:
		idx := strings.Index(trimmed, rule.Prefix)
		if idx < 0 {
			return "", false
		}
		return trimmed[idx+len(rule.Prefix):], true
	default:
		if !strings.HasPrefix(trimmed, rule.Prefix) {
			return "", false
		}
		return trimmed[len(rule.Prefix):], true
	}
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
