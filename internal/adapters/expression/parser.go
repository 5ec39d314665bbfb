package expression

import (
	"fmt"
	"strconv"
)

type node interface {
	eval(env *environment) (any, error)
}

type literalNode struct {
	value any
}

type variableNode struct {
	name string
}

type notNode struct {
	operand node
}

type logicalNode struct {
	op          tokenType
	left, right node
}

type compareNode struct {
	op          tokenType
	left, right node
}

type callNode struct {
	name string
	args []node
}

type parser struct {
	tokens []token
	pos    int
}

func parse(expr string) (node, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 1 {
		return nil, fmt.Errorf("empty expression")
	}

	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.current(); tok.typ != tokenEOF {
		return nil, fmt.Errorf("unexpected %s at position %d", tok.typ, tok.pos)
	}
	return root, nil
}

func (p *parser) current() token {
	if p.pos >= len(p.tokens) {
		return token{typ: tokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *parser) advance() {
	if p.pos < len(p.tokens) {
		p.pos++
	}
}

func (p *parser) expect(typ tokenType) error {
	tok := p.current()
	if tok.typ != typ {
		return fmt.Errorf("expected %s, got %s at position %d", typ, tok.typ, tok.pos)
	}
	p.advance()
	return nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.current().typ == tokenOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: tokenOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.current().typ == tokenAnd {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: tokenAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.current().typ == tokenNot {
		p.advance()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	tok := p.current()
	switch tok.typ {
	case tokenEQ, tokenNE, tokenLT, tokenLE, tokenGT, tokenGE:
		p.advance()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &compareNode{op: tok.typ, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.current()

	switch tok.typ {
	case tokenBool:
		p.advance()
		return &literalNode{value: tok.value == "true"}, nil

	case tokenNull:
		p.advance()
		return &literalNode{value: nil}, nil

	case tokenNumber:
		p.advance()
		n, err := strconv.ParseFloat(tok.value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", tok.value, tok.pos)
		}
		return &literalNode{value: n}, nil

	case tokenString:
		p.advance()
		return &literalNode{value: tok.value}, nil

	case tokenVariable:
		p.advance()
		return &variableNode{name: tok.value}, nil

	case tokenLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tokenIdentifier:
		p.advance()
		if p.current().typ == tokenLParen {
			return p.parseCall(tok.value)
		}
		return &variableNode{name: tok.value}, nil

	default:
		return nil, fmt.Errorf("unexpected %s at position %d", tok.typ, tok.pos)
	}
}

func (p *parser) parseCall(name string) (node, error) {
	p.advance()

	call := &callNode{name: name}
	if p.current().typ != tokenRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			call.args = append(call.args, arg)
			if p.current().typ != tokenComma {
				break
			}
			p.advance()
		}
	}

	if err := p.expect(tokenRParen); err != nil {
		return nil, err
	}
	return call, nil
}
