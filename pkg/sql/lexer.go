package sql

import (
	"strings"
	"unicode"
)

// TokenKind identifies the lexical class of a token.
type TokenKind int

const (
	TokenWord   TokenKind = iota // unquoted identifier or keyword
	TokenQuoted                  // "ident", [ident] or `ident`
	TokenString                  // 'literal'
	TokenNumber
	TokenPunct // single-character punctuation or operator
)

// Token is a lexical unit of a query. Start and End are byte offsets into the
// source so callers can rewrite the query in place.
type Token struct {
	Kind  TokenKind
	Text  string // raw source text
	Value string // upper-cased for words, unquoted for quoted identifiers
	Start int
	End   int
	Depth int // parenthesis depth at which the token appears
}

// IsWord reports whether t is an unquoted word equal (case-insensitive) to any of words.
func (t Token) IsWord(words ...string) bool {
	if t.Kind != TokenWord {
		return false
	}
	for _, w := range words {
		if t.Value == w {
			return true
		}
	}
	return false
}

// IsPunct reports whether t is the punctuation character p.
func (t Token) IsPunct(p string) bool {
	return t.Kind == TokenPunct && t.Text == p
}

// IsIdentifier reports whether t can name a table or column.
func (t Token) IsIdentifier() bool {
	return t.Kind == TokenWord || t.Kind == TokenQuoted
}

// Name returns the identifier value with its original case for unquoted words.
func (t Token) Name() string {
	if t.Kind == TokenQuoted {
		return t.Value
	}
	return t.Text
}

// Tokenize splits a query into tokens. Comments and whitespace are dropped.
// Unterminated literals run to the end of input rather than failing; the engine
// reports the syntax error with its own fragment.
func Tokenize(query string) []Token {
	var tokens []Token
	depth := 0
	i := 0
	n := len(query)

	for i < n {
		c := query[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++

		case c == '-' && i+1 < n && query[i+1] == '-':
			for i < n && query[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				i = n
			} else {
				i += end + 4
			}

		case c == '\'':
			start := i
			i = scanQuoted(query, i, '\'')
			tokens = append(tokens, Token{Kind: TokenString, Text: query[start:i], Start: start, End: i, Depth: depth})

		case c == '"' || c == '`':
			start := i
			i = scanQuoted(query, i, c)
			raw := query[start:i]
			tokens = append(tokens, Token{Kind: TokenQuoted, Text: raw, Value: unquote(raw, c, c), Start: start, End: i, Depth: depth})

		case c == '[':
			start := i
			end := strings.IndexByte(query[i+1:], ']')
			if end < 0 {
				i = n
			} else {
				i += end + 2
			}
			raw := query[start:i]
			tokens = append(tokens, Token{Kind: TokenQuoted, Text: raw, Value: unquote(raw, '[', ']'), Start: start, End: i, Depth: depth})

		case isWordStart(c):
			start := i
			for i < n && isWordPart(query[i]) {
				i++
			}
			raw := query[start:i]
			tokens = append(tokens, Token{Kind: TokenWord, Text: raw, Value: strings.ToUpper(raw), Start: start, End: i, Depth: depth})

		case c >= '0' && c <= '9':
			start := i
			for i < n && (isWordPart(query[i]) || query[i] == '.') {
				i++
			}
			tokens = append(tokens, Token{Kind: TokenNumber, Text: query[start:i], Start: start, End: i, Depth: depth})

		case c == '(':
			tokens = append(tokens, Token{Kind: TokenPunct, Text: "(", Start: i, End: i + 1, Depth: depth})
			depth++
			i++

		case c == ')':
			if depth > 0 {
				depth--
			}
			tokens = append(tokens, Token{Kind: TokenPunct, Text: ")", Start: i, End: i + 1, Depth: depth})
			i++

		default:
			tokens = append(tokens, Token{Kind: TokenPunct, Text: string(c), Start: i, End: i + 1, Depth: depth})
			i++
		}
	}

	return tokens
}

// scanQuoted returns the offset just past the literal opened at query[start].
// A doubled quote character is an escaped quote.
func scanQuoted(query string, start int, quote byte) int {
	i := start + 1
	for i < len(query) {
		if query[i] == quote {
			if i+1 < len(query) && query[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		if quote == '\'' && query[i] == '\\' && i+1 < len(query) {
			i += 2
			continue
		}
		i++
	}
	return len(query)
}

func unquote(raw string, open, closing byte) string {
	if len(raw) >= 2 && raw[0] == open && raw[len(raw)-1] == closing {
		raw = raw[1 : len(raw)-1]
	} else if len(raw) >= 1 && raw[0] == open {
		raw = raw[1:]
	}
	if open == closing {
		q := string(open)
		raw = strings.ReplaceAll(raw, q+q, q)
	}
	return raw
}

func isWordStart(c byte) bool {
	return c == '_' || c == '$' || c == '@' || c == '#' || c >= 0x80 || unicode.IsLetter(rune(c))
}

func isWordPart(c byte) bool {
	return isWordStart(c) || (c >= '0' && c <= '9')
}
