package compiler

import (
	"fmt"
	"strings"

	"metaquery/internal/sqlutil"
)

var exprFunctions = map[string]struct{}{
	"LOWER":    {},
	"UPPER":    {},
	"TRIM":     {},
	"LENGTH":   {},
	"COALESCE": {},
	"CONCAT":   {},
}

type exprTokenKind int

const (
	tokIdent exprTokenKind = iota
	tokString
	tokNumber
	tokOpen
	tokClose
	tokComma
)

type exprToken struct {
	kind exprTokenKind
	text string
}

// renderExpr rewrites an expression template into SQL over alias. Templates may call
// the allow-listed functions on column names, single-quoted strings and integers.
//
//	expr := column | 'string' | integer | FUNC '(' [expr {',' expr}] ')'
func renderExpr(template, alias string) (string, error) {
	tokens, err := lexExpr(template)
	if err != nil {
		return "", err
	}
	p := &exprParser{tokens: tokens, alias: alias}
	var b strings.Builder
	if err := p.expr(&b); err != nil {
		return "", err
	}
	if p.pos != len(p.tokens) {
		return "", fmt.Errorf("unexpected %q after expression", p.tokens[p.pos].text)
	}
	return b.String(), nil
}

func lexExpr(src string) ([]exprToken, error) {
	var tokens []exprToken
	for i := 0; i < len(src); {
		ch := src[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '(':
			tokens = append(tokens, exprToken{kind: tokOpen, text: "("})
			i++
		case ch == ')':
			tokens = append(tokens, exprToken{kind: tokClose, text: ")"})
			i++
		case ch == ',':
			tokens = append(tokens, exprToken{kind: tokComma, text: ","})
			i++
		case ch == '\'':
			var lit strings.Builder
			j := i + 1
			for {
				if j >= len(src) {
					return nil, fmt.Errorf("unterminated string literal")
				}
				if src[j] == '\'' {
					if j+1 < len(src) && src[j+1] == '\'' {
						lit.WriteByte('\'')
						j += 2
						continue
					}
					break
				}
				lit.WriteByte(src[j])
				j++
			}
			tokens = append(tokens, exprToken{kind: tokString, text: lit.String()})
			i = j + 1
		case ch >= '0' && ch <= '9':
			j := i
			for j < len(src) && src[j] >= '0' && src[j] <= '9' {
				j++
			}
			tokens = append(tokens, exprToken{kind: tokNumber, text: src[i:j]})
			i = j
		case isIdentStart(ch):
			j := i
			for j < len(src) && (isIdentStart(src[j]) || (src[j] >= '0' && src[j] <= '9')) {
				j++
			}
			tokens = append(tokens, exprToken{kind: tokIdent, text: src[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unsupported character %q", ch)
		}
	}
	return tokens, nil
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

type exprParser struct {
	tokens []exprToken
	pos    int
	alias  string
}

func (p *exprParser) peek() (exprToken, bool) {
	if p.pos >= len(p.tokens) {
		return exprToken{}, false
	}
	return p.tokens[p.pos], true
}

func (p *exprParser) expr(b *strings.Builder) error {
	tok, ok := p.peek()
	if !ok {
		return fmt.Errorf("expression ends early")
	}
	p.pos++
	switch tok.kind {
	case tokString:
		b.WriteString(sqlutil.QuoteString(tok.text))
		return nil
	case tokNumber:
		b.WriteString(tok.text)
		return nil
	case tokIdent:
		if next, ok := p.peek(); ok && next.kind == tokOpen {
			return p.call(b, tok.text)
		}
		col, err := sqlutil.QualifiedColumn(p.alias, tok.text)
		if err != nil {
			return err
		}
		b.WriteString(col)
		return nil
	default:
		return fmt.Errorf("unexpected %q", tok.text)
	}
}

func (p *exprParser) call(b *strings.Builder, name string) error {
	fn := strings.ToUpper(name)
	if _, ok := exprFunctions[fn]; !ok {
		return fmt.Errorf("function %s is not allowed", name)
	}
	p.pos++ // (
	b.WriteString(fn)
	b.WriteByte('(')
	if next, ok := p.peek(); ok && next.kind == tokClose {
		p.pos++
		b.WriteByte(')')
		return nil
	}
	for {
		if err := p.expr(b); err != nil {
			return err
		}
		next, ok := p.peek()
		if !ok {
			return fmt.Errorf("unclosed call to %s", fn)
		}
		p.pos++
		switch next.kind {
		case tokComma:
			b.WriteString(", ")
		case tokClose:
			b.WriteByte(')')
			return nil
		default:
			return fmt.Errorf("unexpected %q in call to %s", next.text, fn)
		}
	}
}
