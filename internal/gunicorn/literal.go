// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package gunicorn

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/juju/errors"
)

// The legacy env_extra and wsgi_extra formats were written as the inside
// of a Python dict or tuple display. The types below model the literal
// values such a display can hold, and know how to print themselves the way
// the charm's earlier releases did.

type literal interface {
	// str returns the value's plain text form.
	str() string
	// repr returns the value as it is written inside a container.
	repr() string
}

type (
	strLiteral   string
	intLiteral   struct{ *big.Int }
	floatLiteral float64
	boolLiteral  bool
	noneLiteral  struct{}
	tupleLiteral []literal
	listLiteral  []literal
	setLiteral   []literal
	dictLiteral  struct {
		keys   []literal
		values []literal
	}
)

func (s strLiteral) str() string  { return string(s) }
func (s strLiteral) repr() string { return quoteString(string(s)) }

func (i intLiteral) str() string  { return i.Int.String() }
func (i intLiteral) repr() string { return i.str() }

func (f floatLiteral) str() string  { return formatFloat(float64(f)) }
func (f floatLiteral) repr() string { return f.str() }

func (b boolLiteral) str() string {
	if b {
		return "True"
	}
	return "False"
}
func (b boolLiteral) repr() string { return b.str() }

func (noneLiteral) str() string  { return "None" }
func (noneLiteral) repr() string { return "None" }

func (t tupleLiteral) str() string { return t.repr() }
func (t tupleLiteral) repr() string {
	if len(t) == 1 {
		return "(" + t[0].repr() + ",)"
	}
	return "(" + joinRepr(t) + ")"
}

func (l listLiteral) str() string  { return l.repr() }
func (l listLiteral) repr() string { return "[" + joinRepr(l) + "]" }

func (s setLiteral) str() string  { return s.repr() }
func (s setLiteral) repr() string { return "{" + joinRepr(s) + "}" }

func (d dictLiteral) str() string { return d.repr() }
func (d dictLiteral) repr() string {
	parts := make([]string, len(d.keys))
	for i := range d.keys {
		parts[i] = d.keys[i].repr() + ": " + d.values[i].repr()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func joinRepr(items []literal) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = item.repr()
	}
	return strings.Join(parts, ", ")
}

// formatFloat prints f with the fewest digits that read back as f, in
// fixed notation for moderate exponents and scientific notation otherwise.
func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, exponent, _ := strings.Cut(sci, "e")
	exp, _ := strconv.Atoi(exponent)
	sign := ""
	if strings.HasPrefix(mantissa, "-") {
		sign = "-"
		mantissa = mantissa[1:]
	}
	if exp >= -4 && exp < 16 {
		s := strconv.FormatFloat(math.Abs(f), 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return sign + s
	}
	expSign := "+"
	if exp < 0 {
		expSign = "-"
		exp = -exp
	}
	return fmt.Sprintf("%s%se%s%02d", sign, mantissa, expSign, exp)
}

// quoteString quotes s with single quotes, switching to double quotes
// when that avoids escaping.
func quoteString(s string) string {
	quote := '\''
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		quote = '"'
	}
	var b strings.Builder
	b.WriteRune(quote)
	for _, r := range s {
		switch {
		case r == quote || r == '\\':
			b.WriteRune('\\')
			b.WriteRune(r)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		case r < 0x80 || unicode.IsPrint(r):
			b.WriteRune(r)
		case r <= 0xff:
			fmt.Fprintf(&b, `\x%02x`, r)
		case r <= 0xffff:
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			fmt.Fprintf(&b, `\U%08x`, r)
		}
	}
	b.WriteRune(quote)
	return b.String()
}

// hashKey identifies a dict key or set member. Values that compare equal
// share a key, so 1, 1.0 and True collide.
func hashKey(v literal) (string, error) {
	switch v := v.(type) {
	case strLiteral:
		return "s" + string(v), nil
	case intLiteral:
		return "n" + v.Int.String(), nil
	case boolLiteral:
		if v {
			return "n1", nil
		}
		return "n0", nil
	case floatLiteral:
		f := float64(v)
		if f == math.Trunc(f) && !math.IsInf(f, 0) {
			i, _ := big.NewFloat(f).Int(nil)
			return "n" + i.String(), nil
		}
		return "f" + formatFloat(f), nil
	case noneLiteral:
		return "None", nil
	case tupleLiteral:
		parts := make([]string, len(v))
		for i, item := range v {
			key, err := hashKey(item)
			if err != nil {
				return "", err
			}
			parts[i] = key
		}
		return "t(" + strings.Join(parts, ",") + ")", nil
	}
	return "", errors.NotValidf("unhashable value %s", v.repr())
}

// parseLiteral evaluates src as a single literal expression. A top level
// comma-separated sequence is a tuple.
func parseLiteral(src string) (literal, error) {
	p := &literalParser{src: src}
	p.skipSpace()
	v, err := p.parseExpr()
	if err != nil {
		return nil, errors.Trace(err)
	}
	p.skipSpace()
	if p.peek() == ',' {
		items := tupleLiteral{v}
		for p.peek() == ',' {
			p.pos++
			p.skipSpace()
			if p.eof() {
				break
			}
			v, err := p.parseExpr()
			if err != nil {
				return nil, errors.Trace(err)
			}
			items = append(items, v)
			p.skipSpace()
		}
		v = items
	}
	if !p.eof() {
		return nil, p.errorf("unexpected %q", p.peek())
	}
	return v, nil
}

type literalParser struct {
	src string
	pos int

	// depth counts the open brackets; line breaks are only allowed
	// inside them.
	depth int
}

func (p *literalParser) eof() bool {
	return p.pos >= len(p.src)
}

func (p *literalParser) peek() rune {
	if p.eof() {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(p.src[p.pos:])
	return r
}

func (p *literalParser) errorf(format string, args ...interface{}) error {
	return errors.Errorf("invalid literal at offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *literalParser) skipSpace() {
	for !p.eof() {
		c := p.src[p.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\f':
			p.pos++
		case c == '#':
			for !p.eof() && p.src[p.pos] != '\n' {
				p.pos++
			}
		case c == '\\' && strings.HasPrefix(p.src[p.pos:], "\\\n"):
			p.pos += 2
		case (c == '\n' || c == '\r') && (p.depth > 0 || strings.TrimSpace(p.src[p.pos:]) == ""):
			p.pos++
		default:
			return
		}
	}
}

func (p *literalParser) parseExpr() (literal, error) {
	if p.eof() {
		return nil, p.errorf("unexpected end of input")
	}
	c := p.src[p.pos]
	switch {
	case c == '(':
		return p.parseParen()
	case c == '[':
		items, err := p.parseSequence('[', ']')
		return listLiteral(items), err
	case c == '{':
		return p.parseBrace()
	case c == '-' || c == '+':
		p.pos++
		p.skipSpace()
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return negate(v, c == '-', p)
	case c >= '0' && c <= '9' || c == '.':
		return p.parseNumber()
	case c == '\'' || c == '"':
		return p.parseStrings()
	case isNameStart(c):
		return p.parseName()
	}
	return nil, p.errorf("unexpected %q", p.peek())
}

func negate(v literal, minus bool, p *literalParser) (literal, error) {
	switch v := v.(type) {
	case intLiteral:
		if minus {
			return intLiteral{new(big.Int).Neg(v.Int)}, nil
		}
		return v, nil
	case floatLiteral:
		if minus {
			return -v, nil
		}
		return v, nil
	}
	return nil, p.errorf("unary operator on %s", v.repr())
}

func isNameStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isNameChar(c byte) bool {
	return isNameStart(c) || c >= '0' && c <= '9'
}

func (p *literalParser) parseName() (literal, error) {
	start := p.pos
	for !p.eof() && isNameChar(p.src[p.pos]) {
		p.pos++
	}
	name := p.src[start:p.pos]
	// A string prefix.
	if !p.eof() && (p.src[p.pos] == '\'' || p.src[p.pos] == '"') {
		p.pos = start
		return p.parseStrings()
	}
	switch name {
	case "True":
		return boolLiteral(true), nil
	case "False":
		return boolLiteral(false), nil
	case "None":
		return noneLiteral{}, nil
	}
	p.pos = start
	return nil, p.errorf("name %q is not a literal", name)
}

func (p *literalParser) parseParen() (literal, error) {
	start := p.pos
	p.pos++
	p.depth++
	p.skipSpace()
	if p.peek() == ')' {
		p.pos++
		p.depth--
		return tupleLiteral{}, nil
	}
	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.peek() == ')' {
		// Parentheses alone do not make a tuple.
		p.pos++
		p.depth--
		return first, nil
	}
	p.pos = start
	p.depth--
	items, err := p.parseSequence('(', ')')
	return tupleLiteral(items), err
}

// parseSequence parses comma separated expressions between open and close,
// allowing a trailing comma.
func (p *literalParser) parseSequence(open, close byte) ([]literal, error) {
	if p.eof() || p.src[p.pos] != open {
		return nil, p.errorf("expected %q", open)
	}
	p.pos++
	p.depth++
	items := []literal{}
	for {
		p.skipSpace()
		if !p.eof() && p.src[p.pos] == close {
			p.pos++
			p.depth--
			return items, nil
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		p.skipSpace()
		switch {
		case p.eof():
			return nil, p.errorf("unexpected end of input, expected %q", close)
		case p.src[p.pos] == ',':
			p.pos++
		case p.src[p.pos] != close:
			return nil, p.errorf("unexpected %q, expected %q", p.peek(), close)
		}
	}
}

func (p *literalParser) parseBrace() (literal, error) {
	p.pos++
	p.depth++
	p.skipSpace()
	if p.peek() == '}' {
		p.pos++
		p.depth--
		return dictLiteral{}, nil
	}
	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.peek() == ':' {
		return p.parseDictRest(first)
	}
	return p.parseSetRest(first)
}

func (p *literalParser) parseDictRest(key literal) (literal, error) {
	var d dictLiteral
	index := make(map[string]int)
	for {
		// The cursor sits on the colon following key.
		p.pos++
		p.skipSpace()
		value, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		hash, err := hashKey(key)
		if err != nil {
			return nil, p.errorf("%v", err)
		}
		if i, ok := index[hash]; ok {
			d.values[i] = value
		} else {
			index[hash] = len(d.keys)
			d.keys = append(d.keys, key)
			d.values = append(d.values, value)
		}
		p.skipSpace()
		switch {
		case p.eof():
			return nil, p.errorf("unexpected end of input, expected '}'")
		case p.src[p.pos] == '}':
			p.pos++
			p.depth--
			return d, nil
		case p.src[p.pos] != ',':
			return nil, p.errorf("unexpected %q, expected ','", p.peek())
		}
		p.pos++
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			p.depth--
			return d, nil
		}
		key, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ':' {
			return nil, p.errorf("unexpected %q, expected ':'", p.peek())
		}
	}
}

func (p *literalParser) parseSetRest(first literal) (literal, error) {
	var s setLiteral
	seen := make(map[string]bool)
	add := func(v literal) error {
		hash, err := hashKey(v)
		if err != nil {
			return p.errorf("%v", err)
		}
		if !seen[hash] {
			seen[hash] = true
			s = append(s, v)
		}
		return nil
	}
	if err := add(first); err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		switch {
		case p.eof():
			return nil, p.errorf("unexpected end of input, expected '}'")
		case p.src[p.pos] == '}':
			p.pos++
			p.depth--
			return s, nil
		case p.src[p.pos] != ',':
			return nil, p.errorf("unexpected %q, expected '}'", p.peek())
		}
		p.pos++
		p.skipSpace()
		if p.peek() == '}' {
			continue
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := add(v); err != nil {
			return nil, err
		}
	}
}

func (p *literalParser) parseNumber() (literal, error) {
	start := p.pos
	src := p.src
	if strings.HasPrefix(src[p.pos:], "0") && p.pos+1 < len(src) && strings.ContainsRune("xXoObB", rune(src[p.pos+1])) {
		base := map[byte]int{'x': 16, 'o': 8, 'b': 2}[src[p.pos+1]|0x20]
		p.pos += 2
		digitsStart := p.pos
		for !p.eof() && (isNameChar(src[p.pos])) {
			p.pos++
		}
		digits := src[digitsStart:p.pos]
		// An underscore may follow the base prefix.
		digits = strings.TrimPrefix(digits, "_")
		if digits == "" || !validUnderscores(digits, isHexDigit) {
			return nil, p.errorf("invalid number %q", src[start:p.pos])
		}
		i, ok := new(big.Int).SetString(strings.ReplaceAll(digits, "_", ""), base)
		if !ok {
			return nil, p.errorf("invalid number %q", src[start:p.pos])
		}
		return intLiteral{i}, nil
	}

	isFloat := false
	p.scanDigits()
	if p.peek() == '.' {
		isFloat = true
		p.pos++
		p.scanDigits()
	}
	if c := p.peek(); c == 'e' || c == 'E' {
		isFloat = true
		p.pos++
		if c := p.peek(); c == '+' || c == '-' {
			p.pos++
		}
		expStart := p.pos
		p.scanDigits()
		if p.pos == expStart {
			return nil, p.errorf("invalid number %q", src[start:p.pos])
		}
	}
	text := src[start:p.pos]
	if !p.eof() && (isNameChar(src[p.pos]) || src[p.pos] == '.') {
		return nil, p.errorf("invalid number %q", src[start:p.pos+1])
	}
	if text == "." {
		return nil, p.errorf("unexpected '.'")
	}
	if !validUnderscores(text, isDecimalDigit) {
		return nil, p.errorf("invalid number %q", text)
	}
	clean := strings.ReplaceAll(text, "_", "")
	if isFloat {
		f, err := strconv.ParseFloat(clean, 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return nil, p.errorf("invalid number %q", text)
		}
		return floatLiteral(f), nil
	}
	if len(clean) > 1 && clean[0] == '0' && strings.Trim(clean, "0") != "" {
		return nil, p.errorf("leading zeros in decimal integer %q", text)
	}
	i, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return nil, p.errorf("invalid number %q", text)
	}
	return intLiteral{i}, nil
}

func (p *literalParser) scanDigits() {
	for !p.eof() && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '_') {
		p.pos++
	}
}

// validUnderscores checks that every underscore in a number sits between
// two digits.
func validUnderscores(text string, isDigit func(byte) bool) bool {
	for i := 0; i < len(text); i++ {
		if text[i] != '_' {
			continue
		}
		if i == 0 || i == len(text)-1 || !isDigit(text[i-1]) || !isDigit(text[i+1]) {
			return false
		}
	}
	return true
}

func isDecimalDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHexDigit(c byte) bool {
	return isDecimalDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

// parseStrings parses one or more adjacent string literals, which are
// joined.
func (p *literalParser) parseStrings() (literal, error) {
	var b strings.Builder
	for {
		s, err := p.parseString()
		if err != nil {
			return nil, err
		}
		b.WriteString(s)
		save := p.pos
		p.skipSpace()
		if p.eof() || !p.atString() {
			p.pos = save
			return strLiteral(b.String()), nil
		}
	}
}

// atString reports whether a string literal, possibly prefixed, starts at
// the cursor.
func (p *literalParser) atString() bool {
	i := p.pos
	for i < len(p.src) && i-p.pos < 2 && isNameStart(p.src[i]) {
		i++
	}
	return i < len(p.src) && (p.src[i] == '\'' || p.src[i] == '"')
}

func (p *literalParser) parseString() (string, error) {
	start := p.pos
	raw := false
	for !p.eof() && isNameStart(p.src[p.pos]) {
		switch p.src[p.pos] {
		case 'r', 'R':
			raw = true
		case 'u', 'U':
		default:
			return "", p.errorf("unsupported string prefix %q", p.src[start:p.pos+1])
		}
		p.pos++
	}
	if p.pos-start > 1 {
		return "", p.errorf("unsupported string prefix %q", p.src[start:p.pos])
	}
	quote := p.src[p.pos]
	delim := string(quote)
	if strings.HasPrefix(p.src[p.pos:], strings.Repeat(delim, 3)) {
		delim = strings.Repeat(delim, 3)
	}
	p.pos += len(delim)
	var b strings.Builder
	for {
		if p.eof() {
			p.pos = start
			return "", p.errorf("unterminated string")
		}
		if strings.HasPrefix(p.src[p.pos:], delim) {
			p.pos += len(delim)
			return b.String(), nil
		}
		c := p.src[p.pos]
		if c == '\n' && len(delim) == 1 {
			return "", p.errorf("unterminated string")
		}
		if c != '\\' {
			r, size := utf8.DecodeRuneInString(p.src[p.pos:])
			b.WriteRune(r)
			p.pos += size
			continue
		}
		if p.pos+1 >= len(p.src) {
			return "", p.errorf("unterminated string")
		}
		if raw {
			// Raw strings keep the backslash, but it still protects
			// the character after it from ending the string.
			r, size := utf8.DecodeRuneInString(p.src[p.pos+1:])
			b.WriteByte('\\')
			b.WriteRune(r)
			p.pos += 1 + size
			continue
		}
		if err := p.parseEscape(&b); err != nil {
			return "", err
		}
	}
}

var simpleEscapes = map[byte]string{
	'\n': "",
	'\\': "\\",
	'\'': "'",
	'"':  "\"",
	'a':  "\a",
	'b':  "\b",
	'f':  "\f",
	'n':  "\n",
	'r':  "\r",
	't':  "\t",
	'v':  "\v",
}

func (p *literalParser) parseEscape(b *strings.Builder) error {
	c := p.src[p.pos+1]
	if s, ok := simpleEscapes[c]; ok {
		b.WriteString(s)
		p.pos += 2
		return nil
	}
	switch {
	case c >= '0' && c <= '7':
		end := p.pos + 1
		for end < len(p.src) && end < p.pos+4 && p.src[end] >= '0' && p.src[end] <= '7' {
			end++
		}
		n, _ := strconv.ParseUint(p.src[p.pos+1:end], 8, 32)
		b.WriteRune(rune(n))
		p.pos = end
		return nil
	case c == 'x' || c == 'u' || c == 'U':
		width := map[byte]int{'x': 2, 'u': 4, 'U': 8}[c]
		end := p.pos + 2 + width
		if end > len(p.src) {
			return p.errorf("truncated \\%c escape", c)
		}
		n, err := strconv.ParseUint(p.src[p.pos+2:end], 16, 32)
		if err != nil || n > unicode.MaxRune {
			return p.errorf("invalid \\%c escape", c)
		}
		b.WriteRune(rune(n))
		p.pos = end
		return nil
	case c == 'N':
		return p.errorf("named unicode escapes are not supported")
	}
	// Unknown escapes are kept as written.
	b.WriteByte('\\')
	p.pos++
	return nil
}
