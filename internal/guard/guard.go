// Package guard decides whether a caller-supplied SQL string is a single
// read-only SELECT and caps how many rows it may return.
package guard

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultMaxRows is the row cap applied by the search tools.
const DefaultMaxRows = 10

var (
	ErrNotASelectStatement = errors.New("only SELECT statements are allowed")
	ErrForbiddenKeyword    = errors.New("forbidden keyword")
	ErrMultipleStatements  = errors.New("multiple statements are not allowed")
)

// ForbiddenKeywords are rejected anywhere in a statement as whole words.
var ForbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "TRUNCATE",
	"CREATE", "ALTER", "DROP",
	"EXEC", "EXECUTE", "PRAGMA", "ATTACH", "DETACH",
}

var (
	selectPrefix    = regexp.MustCompile(`(?i)^SELECT\b`)
	forbiddenRegexp = compileKeywords(ForbiddenKeywords)
	limitRegexp     = regexp.MustCompile(`(?i)\bLIMIT\b(\s+(\d+)\b)?`)
)

func compileKeywords(keywords []string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(` + strings.Join(keywords, "|") + `)\b`)
}

// RejectionError lists every rule a statement broke. Each violation wraps
// one of the package sentinels, so errors.Is works against any of them.
type RejectionError struct {
	Violations []error
}

func (e *RejectionError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Error()
	}
	return "query rejected: " + strings.Join(msgs, "; ")
}

func (e *RejectionError) Unwrap() []error {
	return e.Violations
}

// Validate returns nil when sql is a single SELECT statement free of
// denylisted keywords, and a *RejectionError otherwise.
func Validate(sql string) error {
	trimmed := strings.TrimSpace(sql)

	var violations []error
	if !selectPrefix.MatchString(trimmed) {
		violations = append(violations, ErrNotASelectStatement)
	}
	if hasChainedStatement(trimmed) {
		violations = append(violations, ErrMultipleStatements)
	}
	if kw := forbiddenKeyword(trimmed); kw != "" {
		violations = append(violations, fmt.Errorf("%w: %s", ErrForbiddenKeyword, kw))
	}

	if len(violations) == 0 {
		return nil
	}
	return &RejectionError{Violations: violations}
}

// hasChainedStatement reports whether any semicolon is followed by more
// non-whitespace content.
func hasChainedStatement(sql string) bool {
	idx := strings.IndexByte(sql, ';')
	return idx >= 0 && strings.TrimSpace(sql[idx+1:]) != ""
}

func forbiddenKeyword(sql string) string {
	m := forbiddenRegexp.FindString(sql)
	return strings.ToUpper(m)
}

// EnforceRowCap makes sure sql returns at most maxRows rows. A top-level
// LIMIT above the cap is lowered, one at or below it is kept, and a
// statement without a top-level LIMIT gets one appended in front of an
// optional trailing semicolon. LIMIT keywords inside string literals,
// comments or parenthesized subqueries are ignored.
func EnforceRowCap(sql string, maxRows int) string {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	body := strings.TrimSpace(sql)
	terminator := ""
	if strings.HasSuffix(body, ";") {
		body = strings.TrimSpace(strings.TrimSuffix(body, ";"))
		terminator = ";"
	}

	masked := maskNested(body)
	matches := limitRegexp.FindAllStringSubmatchIndex(masked, -1)
	if len(matches) == 0 {
		sep := " "
		if strings.Contains(body[strings.LastIndexByte(body, '\n')+1:], "--") {
			sep = "\n"
		}
		return body + sep + "LIMIT " + strconv.Itoa(maxRows) + terminator
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		// m[4], m[5] delimit the numeric argument; -1 when LIMIT is followed
		// by something else (ALL, an expression), which the executor-side
		// cap still bounds.
		if m[4] < 0 {
			continue
		}
		n, err := strconv.Atoi(body[m[4]:m[5]])
		if err == nil && n <= maxRows {
			continue
		}
		b.WriteString(body[last:m[4]])
		b.WriteString(strconv.Itoa(maxRows))
		last = m[5]
	}
	b.WriteString(body[last:])
	return b.String() + terminator
}

// maskNested returns sql with every byte inside quotes, comments or
// parentheses replaced by a space, so regexp offsets into the result
// line up with the original.
func maskNested(sql string) string {
	out := []byte(sql)
	depth := 0
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch {
		case c == '\'' || c == '"':
			end := closingQuote(sql, i)
			blank(out, i, end)
			i = end
		case c == '-' && i+1 < len(out) && out[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				end = len(out) - 1
			} else {
				end += i
			}
			blank(out, i, end)
			i = end
		case c == '/' && i+1 < len(out) && out[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				end = len(out) - 1
			} else {
				end += i + 3
			}
			blank(out, i, end)
			i = end
		case c == '(':
			depth++
			out[i] = ' '
		case c == ')':
			if depth > 0 {
				depth--
			}
			out[i] = ' '
		case depth > 0:
			out[i] = ' '
		}
	}
	return string(out)
}

// closingQuote returns the index of the quote that closes the literal
// opened at start, treating doubled quotes as escapes.
func closingQuote(sql string, start int) int {
	q := sql[start]
	for i := start + 1; i < len(sql); i++ {
		if sql[i] != q {
			continue
		}
		if i+1 < len(sql) && sql[i+1] == q {
			i++
			continue
		}
		return i
	}
	return len(sql) - 1
}

func blank(b []byte, from, to int) {
	for i := from; i <= to && i < len(b); i++ {
		b[i] = ' '
	}
}

// Rules names every rule err reports, for labelling. It returns nil for
// errors that did not come from Validate.
func Rules(err error) []string {
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		return nil
	}
	var rules []string
	for _, v := range rejection.Violations {
		switch {
		case errors.Is(v, ErrNotASelectStatement):
			rules = append(rules, "not_a_select")
		case errors.Is(v, ErrForbiddenKeyword):
			rules = append(rules, "forbidden_keyword")
		case errors.Is(v, ErrMultipleStatements):
			rules = append(rules, "multiple_statements")
		}
	}
	return rules
}
