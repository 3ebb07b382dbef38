package params

import (
	"cmp"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Placeholder is the positional parameter syntax of a SQL driver.
type Placeholder int

const (
	// Dollar emits $1, $2, ... (PostgreSQL).
	Dollar Placeholder = iota
	// AtP emits @p1, @p2, ... (SQL Server).
	AtP
	// Question emits ? (MySQL, SQLite).
	Question
)

func (p Placeholder) format(n int) string {
	switch p {
	case AtP:
		return "@p" + strconv.Itoa(n)
	case Question:
		return "?"
	default:
		return "$" + strconv.Itoa(n)
	}
}

// Statement is a template with every placeholder replaced by a positional
// parameter.
type Statement struct {
	SQL  string
	Args []any
	// Names lists the placeholder names in argument order.
	Names []string
}

type match struct {
	pattern    *regexp.Regexp
	name       string
	start, end int
}

// Bind replaces every placeholder in template, in one left-to-right pass,
// with a positional parameter. A name is resolved against the sets sharing
// the placeholder's pattern, highest priority first; among equal priorities
// the later set wins. Unresolved names bind as NULL, never as an error.
// The template text itself is never parsed as SQL.
func Bind(template string, sets []*Set, ph Placeholder) Statement {
	ordered := prioritize(sets)
	matches := placeholders(template, patternsOf(ordered))

	var (
		sb    strings.Builder
		stmt  Statement
		pos   int
		reuse = map[string]int{}
	)
	for _, m := range matches {
		if m.start < pos {
			continue // overlaps a placeholder already replaced
		}
		sb.WriteString(template[pos:m.start])
		pos = m.end

		key := m.pattern.String() + "\x00" + m.name
		if n, ok := reuse[key]; ok && ph != Question {
			sb.WriteString(ph.format(n))
			continue
		}

		stmt.Args = append(stmt.Args, resolve(ordered, m.pattern, m.name))
		stmt.Names = append(stmt.Names, m.name)
		n := len(stmt.Args)
		reuse[key] = n
		sb.WriteString(ph.format(n))
	}
	sb.WriteString(template[pos:])
	stmt.SQL = sb.String()
	return stmt
}

// patternsOf returns the distinct patterns of sets in order.
func patternsOf(sets []*Set) []*regexp.Regexp {
	var patterns []*regexp.Regexp
	for _, s := range sets {
		if s.Pattern != nil && !slices.Contains(patterns, s.Pattern) {
			patterns = append(patterns, s.Pattern)
		}
	}
	return patterns
}

// placeholders finds every match of patterns in template, by position.
func placeholders(template string, patterns []*regexp.Regexp) []match {
	var matches []match
	for _, re := range patterns {
		idx := re.SubexpIndex(GroupName)
		for _, loc := range re.FindAllStringSubmatchIndex(template, -1) {
			m := match{pattern: re, start: loc[0], end: loc[1]}
			if idx >= 0 && loc[2*idx] >= 0 {
				m.name = strings.TrimSpace(template[loc[2*idx]:loc[2*idx+1]])
			}
			matches = append(matches, m)
		}
	}
	slices.SortStableFunc(matches, func(a, b match) int {
		return cmp.Compare(a.start, b.start)
	})
	return matches
}

func resolve(sets []*Set, pattern *regexp.Regexp, name string) any {
	for _, s := range sets {
		if s.Pattern != pattern {
			continue
		}
		if v, ok := s.Lookup(name); ok {
			return v
		}
	}
	return nil
}

// prioritize orders sets highest priority first; among equal priorities the
// most recently appended set comes first.
func prioritize(sets []*Set) []*Set {
	ordered := slices.Clone(sets)
	slices.Reverse(ordered)
	slices.SortStableFunc(ordered, func(a, b *Set) int {
		return cmp.Compare(b.Source.Priority(), a.Source.Priority())
	})
	return ordered
}
