package script

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/hupe1980/flowmesh/core"
)

type tokenKind int

const (
	tokWord tokenKind = iota + 1
	tokString
	tokNumber
	tokPunct
)

type token struct {
	kind tokenKind
	text string // unquoted for strings
	off  int    // byte offset of the token in the line
	end  int    // byte offset just past the token
}

// is reports whether t is the keyword kw (case-insensitive).
func (t token) is(kw string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, kw)
}

// line is one logical source line with its tokens.
type line struct {
	no   int
	text string
	toks []token
}

// lex splits src into non-empty, comment-free lines.
func lex(name, src string) ([]line, error) {
	var out []line
	for i, raw := range strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n") {
		text := strings.TrimSpace(stripComment(raw))
		if text == "" {
			continue
		}
		toks, err := tokenize(text)
		if err != nil {
			err.Script = name
			err.Line = i + 1
			return nil, err
		}
		out = append(out, line{no: i + 1, text: text, toks: toks})
	}
	return out, nil
}

// stripComment drops a trailing ' comment and REM lines. Quotes inside
// string literals are left alone.
func stripComment(s string) string {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) >= 3 && strings.EqualFold(trimmed[:3], "REM") && (len(trimmed) == 3 || unicode.IsSpace(rune(trimmed[3]))) {
		return ""
	}
	inString := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inString {
				i++
			}
		case '"':
			inString = !inString
		case '\'':
			if !inString {
				return s[:i]
			}
		}
	}
	return s
}

func tokenize(s string) ([]token, *core.CompileError) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '"':
			start := i
			var b strings.Builder
			i++
			closed := false
			for i < len(s) {
				if s[i] == '\\' && i+1 < len(s) {
					b.WriteByte(s[i+1])
					i += 2
					continue
				}
				if s[i] == '"' {
					closed = true
					i++
					break
				}
				b.WriteByte(s[i])
				i++
			}
			if !closed {
				return nil, &core.CompileError{Token: s[start:], Msg: "unterminated string"}
			}
			toks = append(toks, token{kind: tokString, text: b.String(), off: start, end: i})
		case isDigit(c):
			start := i
			for i < len(s) && (isDigit(s[i]) || s[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: s[start:i], off: start, end: i})
		case isWordByte(c):
			start := i
			for i < len(s) && (isWordByte(s[i]) || isDigit(s[i])) {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: s[start:i], off: start, end: i})
		default:
			start := i
			// Two-character operators stay together so raw expressions
			// can still be sliced from the line.
			if i+1 < len(s) {
				switch s[i : i+2] {
				case "<>", "!=", "<=", ">=", "==":
					i += 2
					toks = append(toks, token{kind: tokPunct, text: s[start:i], off: start, end: i})
					continue
				}
			}
			i++
			toks = append(toks, token{kind: tokPunct, text: s[start:i], off: start, end: i})
		}
	}
	return toks, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

// hasPrefix reports whether toks starts with the keyword sequence kws.
func hasPrefix(toks []token, kws ...string) bool {
	if len(toks) < len(kws) {
		return false
	}
	for i, kw := range kws {
		if !toks[i].is(kw) {
			return false
		}
	}
	return true
}

// indexOf returns the index of the first keyword kw at or after from, or -1.
func indexOf(toks []token, from int, kw string) int {
	for i := from; i < len(toks); i++ {
		if toks[i].is(kw) {
			return i
		}
	}
	return -1
}

// intToken parses a non-negative integer token.
func intToken(t token) (int, bool) {
	if t.kind != tokNumber {
		return 0, false
	}
	n, err := strconv.Atoi(t.text)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func isIdent(t token) bool {
	return t.kind == tokWord
}
