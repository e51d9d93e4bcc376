package expr

import (
	"fmt"
	"strings"
)

// TokenType classifies a lexical token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenNumber
	TokenString
	TokenIdent
	TokenKeyword
	TokenOperator
	TokenLParen
	TokenRParen
	TokenLBracket
	TokenRBracket
	TokenComma
	TokenDot
)

// Token is a lexical token with its position in the source expression.
type Token struct {
	Type  TokenType
	Value string
	Pos   int
}

// keywords are matched case-insensitively and normalized to lowercase.
var keywords = map[string]bool{
	"and":   true,
	"or":    true,
	"not":   true,
	"in":    true,
	"true":  true,
	"false": true,
	"null":  true,
}

// tokenize breaks an expression into tokens. It rejects characters and
// constructs the grammar does not admit, most notably single '=' so that
// assignment-looking input fails loudly instead of comparing.
func tokenize(input string) ([]Token, error) {
	var tokens []Token
	pos := 0

	for pos < len(input) {
		c := input[pos]

		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			pos++
			continue
		}

		switch c {
		case '(':
			tokens = append(tokens, Token{Type: TokenLParen, Value: "(", Pos: pos})
			pos++
			continue
		case ')':
			tokens = append(tokens, Token{Type: TokenRParen, Value: ")", Pos: pos})
			pos++
			continue
		case '[':
			tokens = append(tokens, Token{Type: TokenLBracket, Value: "[", Pos: pos})
			pos++
			continue
		case ']':
			tokens = append(tokens, Token{Type: TokenRBracket, Value: "]", Pos: pos})
			pos++
			continue
		case ',':
			tokens = append(tokens, Token{Type: TokenComma, Value: ",", Pos: pos})
			pos++
			continue
		case '.':
			// A leading digit is handled by the number scanner below, so a
			// bare '.' here is attribute access.
			tokens = append(tokens, Token{Type: TokenDot, Value: ".", Pos: pos})
			pos++
			continue
		}

		// Two-character operators before their one-character prefixes.
		if pos+1 < len(input) {
			two := input[pos : pos+2]
			switch two {
			case "==", "!=", "<=", ">=":
				tokens = append(tokens, Token{Type: TokenOperator, Value: two, Pos: pos})
				pos += 2
				continue
			case "&&":
				tokens = append(tokens, Token{Type: TokenKeyword, Value: "and", Pos: pos})
				pos += 2
				continue
			case "||":
				tokens = append(tokens, Token{Type: TokenKeyword, Value: "or", Pos: pos})
				pos += 2
				continue
			}
		}

		switch c {
		case '<', '>', '+', '-', '*', '/', '%':
			tokens = append(tokens, Token{Type: TokenOperator, Value: string(c), Pos: pos})
			pos++
			continue
		case '!':
			tokens = append(tokens, Token{Type: TokenKeyword, Value: "not", Pos: pos})
			pos++
			continue
		case '=':
			return nil, fmt.Errorf("assignment is not allowed at position %d (use '==' to compare)", pos)
		}

		// Quoted strings, single or double.
		if c == '"' || c == '\'' {
			value, next, err := scanString(input, pos)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, Token{Type: TokenString, Value: value, Pos: pos})
			pos = next
			continue
		}

		// Numbers.
		if isDigit(c) {
			start := pos
			for pos < len(input) && isDigit(input[pos]) {
				pos++
			}
			if pos < len(input) && input[pos] == '.' && pos+1 < len(input) && isDigit(input[pos+1]) {
				pos++
				for pos < len(input) && isDigit(input[pos]) {
					pos++
				}
			}
			if pos < len(input) && (input[pos] == 'e' || input[pos] == 'E') {
				exp := pos + 1
				if exp < len(input) && (input[exp] == '+' || input[exp] == '-') {
					exp++
				}
				if exp < len(input) && isDigit(input[exp]) {
					pos = exp
					for pos < len(input) && isDigit(input[pos]) {
						pos++
					}
				}
			}
			tokens = append(tokens, Token{Type: TokenNumber, Value: input[start:pos], Pos: start})
			continue
		}

		// Identifiers and keywords.
		if isIdentStart(c) {
			start := pos
			for pos < len(input) && isIdentPart(input[pos]) {
				pos++
			}
			word := input[start:pos]
			lower := strings.ToLower(word)
			if keywords[lower] {
				tokens = append(tokens, Token{Type: TokenKeyword, Value: lower, Pos: start})
			} else {
				tokens = append(tokens, Token{Type: TokenIdent, Value: word, Pos: start})
			}
			continue
		}

		return nil, fmt.Errorf("unexpected character %q at position %d", string(c), pos)
	}

	tokens = append(tokens, Token{Type: TokenEOF, Value: "", Pos: len(input)})
	return tokens, nil
}

// scanString consumes a quoted string starting at pos and returns the
// unescaped value and the position after the closing quote.
func scanString(input string, pos int) (string, int, error) {
	quote := input[pos]
	start := pos
	pos++

	var sb strings.Builder
	for pos < len(input) {
		c := input[pos]
		if c == quote {
			return sb.String(), pos + 1, nil
		}
		if c == '\\' {
			if pos+1 >= len(input) {
				break
			}
			pos++
			switch input[pos] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\':
				sb.WriteByte('\\')
			case '\'':
				sb.WriteByte('\'')
			case '"':
				sb.WriteByte('"')
			default:
				// Unknown escapes pass through untouched so regex classes
				// like \d survive inside quoted patterns.
				sb.WriteByte('\\')
				sb.WriteByte(input[pos])
			}
			pos++
			continue
		}
		sb.WriteByte(c)
		pos++
	}
	return "", 0, fmt.Errorf("unterminated string at position %d", start)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}
