package poly

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var ErrParse = errors.New("poly: parse error")

// Parse reads a polynomial expression built from numbers, variables, + - * /
// ^ and parentheses. Division is only allowed by constants. Juxtaposition
// such as 2x or 3(x+y) multiplies.
func Parse(input string) (Polynomial, error) {
	toks, err := tokenize(input)
	if err != nil {
		return Polynomial{}, err
	}
	p := &parser{toks: toks}
	out, err := p.expr()
	if err != nil {
		return Polynomial{}, err
	}
	if p.pos != len(p.toks) {
		return Polynomial{}, fmt.Errorf("%w: unexpected %q", ErrParse, p.toks[p.pos].text)
	}
	return out, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(input string) Polynomial {
	p, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return p
}

type tokKind int

const (
	tokNum tokKind = iota
	tokIdent
	tokOp
)

type token struct {
	kind tokKind
	text string
	num  float64
}

func tokenize(input string) ([]token, error) {
	var toks []token
	rs := []rune(input)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsDigit(r) || r == '.':
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			if j < len(rs) && (rs[j] == 'e' || rs[j] == 'E') && j+1 < len(rs) && (unicode.IsDigit(rs[j+1]) || rs[j+1] == '-' || rs[j+1] == '+') {
				j += 2
				for j < len(rs) && unicode.IsDigit(rs[j]) {
					j++
				}
			}
			text := string(rs[i:j])
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad number %q", ErrParse, text)
			}
			toks = append(toks, token{kind: tokNum, text: text, num: v})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_') {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: string(rs[i:j])})
			i = j
		case strings.ContainsRune("+-*/^()", r):
			toks = append(toks, token{kind: tokOp, text: string(r)})
			i++
		default:
			return nil, fmt.Errorf("%w: unexpected character %q", ErrParse, r)
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peekOp(op string) bool {
	return p.pos < len(p.toks) && p.toks[p.pos].kind == tokOp && p.toks[p.pos].text == op
}

func (p *parser) expr() (Polynomial, error) {
	left, err := p.term()
	if err != nil {
		return Polynomial{}, err
	}
	for p.peekOp("+") || p.peekOp("-") {
		op := p.toks[p.pos].text
		p.pos++
		right, err := p.term()
		if err != nil {
			return Polynomial{}, err
		}
		if op == "+" {
			left = left.Add(right)
		} else {
			left = left.Sub(right)
		}
	}
	return left, nil
}

func (p *parser) term() (Polynomial, error) {
	left, err := p.unary()
	if err != nil {
		return Polynomial{}, err
	}
	for {
		switch {
		case p.peekOp("*"):
			p.pos++
			right, err := p.unary()
			if err != nil {
				return Polynomial{}, err
			}
			left = left.Mul(right)
		case p.peekOp("/"):
			p.pos++
			right, err := p.unary()
			if err != nil {
				return Polynomial{}, err
			}
			if right.Degree() > 0 || right.IsZero() {
				return Polynomial{}, fmt.Errorf("%w: division by non-constant or zero", ErrParse)
			}
			left = left.Scale(1 / right.Coef(One()))
		case p.pos < len(p.toks) && (p.toks[p.pos].kind != tokOp || p.peekOp("(")):
			right, err := p.power()
			if err != nil {
				return Polynomial{}, err
			}
			left = left.Mul(right)
		default:
			return left, nil
		}
	}
}

func (p *parser) unary() (Polynomial, error) {
	if p.peekOp("-") {
		p.pos++
		inner, err := p.unary()
		if err != nil {
			return Polynomial{}, err
		}
		return inner.Scale(-1), nil
	}
	if p.peekOp("+") {
		p.pos++
		return p.unary()
	}
	return p.power()
}

func (p *parser) power() (Polynomial, error) {
	base, err := p.atom()
	if err != nil {
		return Polynomial{}, err
	}
	if !p.peekOp("^") {
		return base, nil
	}
	p.pos++
	if p.pos >= len(p.toks) || p.toks[p.pos].kind != tokNum {
		return Polynomial{}, fmt.Errorf("%w: exponent must be a nonnegative integer", ErrParse)
	}
	e := p.toks[p.pos].num
	if e < 0 || e != float64(int(e)) {
		return Polynomial{}, fmt.Errorf("%w: exponent must be a nonnegative integer", ErrParse)
	}
	p.pos++
	return base.Pow(int(e)), nil
}

func (p *parser) atom() (Polynomial, error) {
	if p.pos >= len(p.toks) {
		return Polynomial{}, fmt.Errorf("%w: unexpected end of input", ErrParse)
	}
	tok := p.toks[p.pos]
	switch {
	case tok.kind == tokNum:
		p.pos++
		return Const(tok.num), nil
	case tok.kind == tokIdent:
		p.pos++
		return Var(tok.text), nil
	case tok.text == "(":
		p.pos++
		inner, err := p.expr()
		if err != nil {
			return Polynomial{}, err
		}
		if !p.peekOp(")") {
			return Polynomial{}, fmt.Errorf("%w: missing )", ErrParse)
		}
		p.pos++
		return inner, nil
	default:
		return Polynomial{}, fmt.Errorf("%w: unexpected %q", ErrParse, tok.text)
	}
}
