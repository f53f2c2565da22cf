package interp

import (
	"fmt"
	"strings"
)

// statement is one binding or bare expression of a script.
type statement struct {
	name string // empty for a bare expression
	expr string
	line int // 1-based line the statement starts on
	src  string
}

// splitScript cuts a script into statements at newlines or semicolons that
// are outside brackets and string literals. Lines starting with # or // are
// comments.
func splitScript(code string) ([]statement, error) {
	var (
		out       []statement
		cur       strings.Builder
		depth     int
		quote     rune
		escaped   bool
		line      = 1
		startLine = 1
	)
	flush := func() error {
		src := strings.TrimSpace(cur.String())
		cur.Reset()
		if src == "" || isComment(src) {
			return nil
		}
		st, err := parseStatement(src, startLine)
		if err != nil {
			return err
		}
		out = append(out, st)
		return nil
	}

	for _, r := range code {
		if r != '\n' && isComment(cur.String()) {
			cur.WriteRune(r)
			continue
		}
		if quote != 0 {
			cur.WriteRune(r)
			switch {
			case escaped:
				escaped = false
			case r == '\\' && quote != '`':
				escaped = true
			case r == quote:
				quote = 0
			case r == '\n':
				line++
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			quote = r
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("line %d: unbalanced %q", line, r)
			}
		case '\n', ';':
			if r == '\n' {
				line++
			}
			if depth == 0 && !continues(cur.String()) {
				if err := flush(); err != nil {
					return nil, err
				}
				startLine = line
				continue
			}
		}
		if cur.Len() == 0 && (r == ' ' || r == '\t' || r == '\r') {
			continue
		}
		if cur.Len() == 0 {
			startLine = line
		}
		cur.WriteRune(r)
	}
	if quote != 0 {
		return nil, fmt.Errorf("line %d: unterminated string", startLine)
	}
	if depth != 0 {
		return nil, fmt.Errorf("line %d: unclosed bracket", startLine)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// continues reports whether a line ends with a binary operator, which
// carries the statement onto the next line.
func continues(s string) bool {
	s = strings.TrimRight(s, " \t\r")
	if s == "" || isComment(s) {
		return false
	}
	for _, op := range []string{"+", "-", "*", "/", "%", "&&", "||", "??", "?", ":", ",", "==", "!=", ">=", "<=", "<", ">", "|"} {
		if strings.HasSuffix(s, op) {
			return true
		}
	}
	for _, word := range []string{" and", " or", " not", " in"} {
		if strings.HasSuffix(s, word) {
			return true
		}
	}
	return false
}

func isComment(s string) bool {
	s = strings.TrimLeft(s, " \t")
	return strings.HasPrefix(s, "#") || strings.HasPrefix(s, "//")
}

func parseStatement(src string, line int) (statement, error) {
	st := statement{expr: src, line: line, src: src}
	i := 0
	for i < len(src) && isIdent(src[i], i == 0) {
		i++
	}
	if i == 0 {
		return st, nil
	}
	j := i
	for j < len(src) && (src[j] == ' ' || src[j] == '\t') {
		j++
	}
	if j < len(src) && src[j] == '=' && (j+1 == len(src) || src[j+1] != '=') {
		st.name = src[:i]
		st.expr = strings.TrimSpace(src[j+1:])
		if st.expr == "" {
			return st, fmt.Errorf("line %d: missing expression after %s =", line, st.name)
		}
	}
	return st, nil
}

func isIdent(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !first
	}
	return false
}
