package expr

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxExpressionLength bounds the accepted source text in bytes.
	MaxExpressionLength = 1024
	// MaxDepth bounds expression nesting.
	MaxDepth = 32
)

// Parser turns an expression string into an AST. Only the grammar below is
// admitted; statements, assignment, loops, and calls outside the whitelist
// are rejected with a positioned error.
//
//	or          := and ( "or" and )*
//	and         := unary ( "and" unary )*
//	unary       := "not" unary | comparison
//	comparison  := additive ( compOp additive | ["not"] "in" additive )?
//	additive    := multiplicative ( ("+" | "-") multiplicative )*
//	multiplicative := negation ( ("*" | "/" | "%") negation )*
//	negation    := "-" negation | postfix
//	postfix     := primary ( "." IDENT | "[" or "]" | "(" args ")" )*
//	primary     := NUMBER | STRING | "true" | "false" | "null" | IDENT
//	             | "(" or ")" | "[" args "]"
type Parser struct {
	input   string
	tokens  []Token
	current int
	depth   int
}

// NewParser creates a parser for the given expression.
func NewParser(expression string) *Parser {
	return &Parser{input: strings.TrimSpace(expression)}
}

// Parse parses the expression and returns its AST. An empty expression is a
// valid program that evaluates to true.
func (p *Parser) Parse() (*Node, error) {
	if len(p.input) > MaxExpressionLength {
		return nil, fmt.Errorf("expression length %d exceeds maximum %d", len(p.input), MaxExpressionLength)
	}
	if p.input == "" {
		return &Node{Type: NodeLiteral, Value: true}, nil
	}

	tokens, err := tokenize(p.input)
	if err != nil {
		return nil, err
	}
	p.tokens = tokens
	p.current = 0

	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.isAtEnd() {
		tok := p.peek()
		return nil, fmt.Errorf("unexpected token %q at position %d", tok.Value, tok.Pos)
	}
	return node, nil
}

func (p *Parser) parseOr() (*Node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.matchKeyword("or") {
		pos := p.previous().Pos
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Node{Type: NodeBinary, Op: "or", Left: left, Right: right, Pos: pos}
	}
	return left, nil
}

func (p *Parser) parseAnd() (*Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for p.matchKeyword("and") {
		pos := p.previous().Pos
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Node{Type: NodeBinary, Op: "and", Left: left, Right: right, Pos: pos}
	}
	return left, nil
}

func (p *Parser) parseUnary() (*Node, error) {
	if p.matchKeyword("not") {
		pos := p.previous().Pos
		if err := p.enter(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		p.leave()
		if err != nil {
			return nil, err
		}
		return &Node{Type: NodeUnary, Op: "not", Left: operand, Pos: pos}, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (*Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	if p.matchOperator("==", "!=", "<", "<=", ">", ">=") {
		op := p.previous()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &Node{Type: NodeBinary, Op: op.Value, Left: left, Right: right, Pos: op.Pos}, nil
	}

	if p.matchKeyword("in") {
		pos := p.previous().Pos
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &Node{Type: NodeBinary, Op: "in", Left: left, Right: right, Pos: pos}, nil
	}

	// "not in" at comparison position: "x not in y".
	if p.checkKeyword("not") && p.checkKeywordAt(p.current+1, "in") {
		pos := p.peek().Pos
		p.advance()
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &Node{Type: NodeBinary, Op: "not in", Left: left, Right: right, Pos: pos}, nil
	}

	return left, nil
}

func (p *Parser) parseAdditive() (*Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}

	for p.matchOperator("+", "-") {
		op := p.previous()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &Node{Type: NodeBinary, Op: op.Value, Left: left, Right: right, Pos: op.Pos}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (*Node, error) {
	left, err := p.parseNegation()
	if err != nil {
		return nil, err
	}

	for p.matchOperator("*", "/", "%") {
		op := p.previous()
		right, err := p.parseNegation()
		if err != nil {
			return nil, err
		}
		left = &Node{Type: NodeBinary, Op: op.Value, Left: left, Right: right, Pos: op.Pos}
	}
	return left, nil
}

func (p *Parser) parseNegation() (*Node, error) {
	if p.matchOperator("-") {
		pos := p.previous().Pos
		if err := p.enter(); err != nil {
			return nil, err
		}
		operand, err := p.parseNegation()
		p.leave()
		if err != nil {
			return nil, err
		}
		return &Node{Type: NodeUnary, Op: "-", Left: operand, Pos: pos}, nil
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() (*Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch {
		case p.match(TokenDot):
			if !p.match(TokenIdent) {
				tok := p.peek()
				return nil, fmt.Errorf("expected attribute name at position %d", tok.Pos)
			}
			attr := p.previous()
			node = &Node{Type: NodeAttr, Left: node, Name: attr.Value, Pos: attr.Pos}

		case p.match(TokenLBracket):
			pos := p.previous().Pos
			index, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if !p.match(TokenRBracket) {
				tok := p.peek()
				return nil, fmt.Errorf("expected ']' at position %d", tok.Pos)
			}
			node = &Node{Type: NodeIndex, Left: node, Right: index, Pos: pos}

		case p.check(TokenLParen):
			if node.Type != NodeName {
				tok := p.peek()
				return nil, fmt.Errorf("only whitelisted functions can be called at position %d", tok.Pos)
			}
			p.advance()
			call, err := p.parseCall(node.Name, node.Pos)
			if err != nil {
				return nil, err
			}
			node = call

		default:
			return node, nil
		}
	}
}

func (p *Parser) parseCall(name string, pos int) (*Node, error) {
	fn, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("function %q is not allowed at position %d", name, pos)
	}

	var args []*Node
	if !p.check(TokenRParen) {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if !p.match(TokenComma) {
				break
			}
		}
	}
	if !p.match(TokenRParen) {
		tok := p.peek()
		return nil, fmt.Errorf("expected ')' at position %d", tok.Pos)
	}

	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return nil, fmt.Errorf("function %q does not accept %d arguments (position %d)", name, len(args), pos)
	}
	return &Node{Type: NodeCall, Name: name, Args: args, Pos: pos}, nil
}

func (p *Parser) parsePrimary() (*Node, error) {
	tok := p.peek()

	switch {
	case p.match(TokenNumber):
		return p.parseNumber(p.previous())

	case p.match(TokenString):
		return &Node{Type: NodeLiteral, Value: p.previous().Value, Pos: tok.Pos}, nil

	case p.matchKeyword("true"):
		return &Node{Type: NodeLiteral, Value: true, Pos: tok.Pos}, nil

	case p.matchKeyword("false"):
		return &Node{Type: NodeLiteral, Value: false, Pos: tok.Pos}, nil

	case p.matchKeyword("null"):
		return &Node{Type: NodeLiteral, Value: nil, Pos: tok.Pos}, nil

	case p.match(TokenIdent):
		return &Node{Type: NodeName, Name: p.previous().Value, Pos: tok.Pos}, nil

	case p.match(TokenLParen):
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.match(TokenRParen) {
			next := p.peek()
			return nil, fmt.Errorf("expected ')' at position %d", next.Pos)
		}
		return node, nil

	case p.match(TokenLBracket):
		var elems []*Node
		if !p.check(TokenRBracket) {
			for {
				elem, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				elems = append(elems, elem)
				if !p.match(TokenComma) {
					break
				}
			}
		}
		if !p.match(TokenRBracket) {
			next := p.peek()
			return nil, fmt.Errorf("expected ']' at position %d", next.Pos)
		}
		return &Node{Type: NodeList, Args: elems, Pos: tok.Pos}, nil
	}

	if tok.Type == TokenEOF {
		return nil, fmt.Errorf("unexpected end of expression at position %d", tok.Pos)
	}
	return nil, fmt.Errorf("unexpected token %q at position %d", tok.Value, tok.Pos)
}

func (p *Parser) parseNumber(tok Token) (*Node, error) {
	if !strings.ContainsAny(tok.Value, ".eE") {
		if n, err := strconv.ParseInt(tok.Value, 10, 64); err == nil {
			return &Node{Type: NodeLiteral, Value: n, Pos: tok.Pos}, nil
		}
	}
	f, err := strconv.ParseFloat(tok.Value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q at position %d", tok.Value, tok.Pos)
	}
	return &Node{Type: NodeLiteral, Value: f, Pos: tok.Pos}, nil
}

// Helper methods.

func (p *Parser) enter() error {
	p.depth++
	if p.depth > MaxDepth {
		return fmt.Errorf("expression exceeds maximum nesting depth %d", MaxDepth)
	}
	return nil
}

func (p *Parser) leave() {
	p.depth--
}

func (p *Parser) match(types ...TokenType) bool {
	for _, t := range types {
		if p.check(t) {
			p.advance()
			return true
		}
	}
	return false
}

func (p *Parser) matchKeyword(values ...string) bool {
	if p.check(TokenKeyword) {
		for _, v := range values {
			if p.peek().Value == v {
				p.advance()
				return true
			}
		}
	}
	return false
}

func (p *Parser) matchOperator(values ...string) bool {
	if p.check(TokenOperator) {
		for _, v := range values {
			if p.peek().Value == v {
				p.advance()
				return true
			}
		}
	}
	return false
}

func (p *Parser) checkKeyword(value string) bool {
	return p.check(TokenKeyword) && p.peek().Value == value
}

func (p *Parser) checkKeywordAt(idx int, value string) bool {
	if idx >= len(p.tokens) {
		return false
	}
	tok := p.tokens[idx]
	return tok.Type == TokenKeyword && tok.Value == value
}

func (p *Parser) check(t TokenType) bool {
	if p.isAtEnd() {
		return false
	}
	return p.peek().Type == t
}

func (p *Parser) advance() Token {
	if !p.isAtEnd() {
		p.current++
	}
	return p.previous()
}

func (p *Parser) isAtEnd() bool {
	return p.current >= len(p.tokens) || p.peek().Type == TokenEOF
}

func (p *Parser) peek() Token {
	if p.current >= len(p.tokens) {
		return Token{Type: TokenEOF, Value: "", Pos: len(p.input)}
	}
	return p.tokens[p.current]
}

func (p *Parser) previous() Token {
	return p.tokens[p.current-1]
}
