package expression

import (
	"fmt"
	"strings"
)

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdentifier
	tokenVariable
	tokenNumber
	tokenString
	tokenBool
	tokenNull
	tokenComma
	tokenLParen
	tokenRParen
	tokenEQ
	tokenNE
	tokenLT
	tokenLE
	tokenGT
	tokenGE
	tokenAnd
	tokenOr
	tokenNot
)

var tokenNames = map[tokenType]string{
	tokenEOF:        "end of expression",
	tokenIdentifier: "identifier",
	tokenVariable:   "variable",
	tokenNumber:     "number",
	tokenString:     "string",
	tokenBool:       "boolean",
	tokenNull:       "null",
	tokenComma:      "','",
	tokenLParen:     "'('",
	tokenRParen:     "')'",
	tokenEQ:         "'=='",
	tokenNE:         "'!='",
	tokenLT:         "'<'",
	tokenLE:         "'<='",
	tokenGT:         "'>'",
	tokenGE:         "'>='",
	tokenAnd:        "'&&'",
	tokenOr:         "'||'",
	tokenNot:        "'!'",
}

func (t tokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", int(t))
}

type token struct {
	typ   tokenType
	value string
	pos   int
}

var keywords = map[string]tokenType{
	"true":  tokenBool,
	"false": tokenBool,
	"null":  tokenNull,
	"nil":   tokenNull,
	"and":   tokenAnd,
	"or":    tokenOr,
	"not":   tokenNot,
}

func isIdentStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '.'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0

	for i < len(expr) {
		c := expr[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			i++
			continue
		}

		switch c {
		case ',':
			tokens = append(tokens, token{typ: tokenComma, value: ",", pos: i})
			i++
			continue
		case '(':
			tokens = append(tokens, token{typ: tokenLParen, value: "(", pos: i})
			i++
			continue
		case ')':
			tokens = append(tokens, token{typ: tokenRParen, value: ")", pos: i})
			i++
			continue
		}

		if i+1 < len(expr) {
			var typ tokenType
			switch expr[i : i+2] {
			case "==":
				typ = tokenEQ
			case "!=":
				typ = tokenNE
			case "<=":
				typ = tokenLE
			case ">=":
				typ = tokenGE
			case "&&":
				typ = tokenAnd
			case "||":
				typ = tokenOr
			}
			if typ != tokenEOF {
				tokens = append(tokens, token{typ: typ, value: expr[i : i+2], pos: i})
				i += 2
				continue
			}
		}

		switch c {
		case '<':
			tokens = append(tokens, token{typ: tokenLT, value: "<", pos: i})
			i++
			continue
		case '>':
			tokens = append(tokens, token{typ: tokenGT, value: ">", pos: i})
			i++
			continue
		case '!':
			tokens = append(tokens, token{typ: tokenNot, value: "!", pos: i})
			i++
			continue
		}

		if c == '"' || c == '\'' {
			start := i
			quote := c
			i++
			var sb strings.Builder
			for i < len(expr) && expr[i] != quote {
				if expr[i] == '\\' && i+1 < len(expr) {
					i++
				}
				sb.WriteByte(expr[i])
				i++
			}
			if i >= len(expr) {
				return nil, fmt.Errorf("unterminated string literal at position %d", start)
			}
			tokens = append(tokens, token{typ: tokenString, value: sb.String(), pos: start})
			i++
			continue
		}

		if isDigit(c) || (c == '-' && i+1 < len(expr) && isDigit(expr[i+1]) && negativeAllowed(tokens)) {
			start := i
			i++
			for i < len(expr) && (isDigit(expr[i]) || expr[i] == '.') {
				i++
			}
			tokens = append(tokens, token{typ: tokenNumber, value: expr[start:i], pos: start})
			continue
		}

		if c == '#' {
			start := i
			i++
			if i >= len(expr) || !isIdentStart(expr[i]) {
				return nil, fmt.Errorf("expected variable name after '#' at position %d", start)
			}
			nameStart := i
			for i < len(expr) && isIdentPart(expr[i]) {
				i++
			}
			tokens = append(tokens, token{typ: tokenVariable, value: expr[nameStart:i], pos: start})
			continue
		}

		if isIdentStart(c) {
			start := i
			for i < len(expr) && isIdentPart(expr[i]) {
				i++
			}
			value := expr[start:i]
			if typ, ok := keywords[value]; ok {
				tokens = append(tokens, token{typ: typ, value: value, pos: start})
			} else {
				tokens = append(tokens, token{typ: tokenIdentifier, value: value, pos: start})
			}
			continue
		}

		return nil, fmt.Errorf("unexpected character at position %d: %c", i, c)
	}

	tokens = append(tokens, token{typ: tokenEOF, pos: len(expr)})
	return tokens, nil
}

// negativeAllowed reports whether a '-' may start a number literal, which is
// only the case where an operand is expected.
func negativeAllowed(prev []token) bool {
	if len(prev) == 0 {
		return true
	}
	switch prev[len(prev)-1].typ {
	case tokenNumber, tokenString, tokenIdentifier, tokenVariable, tokenBool, tokenNull, tokenRParen:
		return false
	}
	return true
}
