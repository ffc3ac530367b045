// Package httpsig implements the subset of RFC 8941 structured fields and
// RFC 9421 HTTP message signatures needed to verify signed bot requests:
// dictionary parsing for the Signature-Input, Signature and Signature-Agent
// fields, and reconstruction of the signature base that the remote agent
// signed.
package httpsig

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidStructuredField is returned when a field value does not parse as
// the expected RFC 8941 structure.
var ErrInvalidStructuredField = errors.New("invalid structured field")

// ItemType discriminates the bare item variants we support.
type ItemType int

// Bare item types from RFC 8941 section 3.3.
const (
	TypeString ItemType = iota
	TypeToken
	TypeInteger
	TypeBytes
	TypeBool
)

// BareItem is a single RFC 8941 bare item.
type BareItem struct {
	Type  ItemType
	Str   string // TypeString and TypeToken
	Int   int64
	Bytes []byte
	Bool  bool
}

// Parameter is a single ;key=value parameter. A key with no value carries
// boolean true per RFC 8941.
type Parameter struct {
	Key   string
	Value BareItem
}

// Item is a bare item with its parameters.
type Item struct {
	Value  BareItem
	Params []Parameter
}

// Param returns the bare item for the named parameter key, if present.
func (i Item) Param(key string) (BareItem, bool) {
	for _, p := range i.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return BareItem{}, false
}

// InnerList is a parenthesised list of items with list-level parameters.
type InnerList struct {
	Items  []Item
	Params []Parameter
}

// Member is one dictionary member: either an item or an inner list.
// Raw holds the exact source text of the member value including its
// parameters, which the signature base builder needs verbatim.
type Member struct {
	IsInner bool
	Item    Item
	Inner   InnerList
	Raw     string
}

// Dictionary is an ordered RFC 8941 dictionary. Keys preserves the order the
// members appeared on the wire so callers can iterate deterministically.
type Dictionary struct {
	Keys    []string
	Members map[string]Member
}

// Get returns the member for a key.
func (d *Dictionary) Get(key string) (Member, bool) {
	m, ok := d.Members[key]
	return m, ok
}

// ParseDictionary parses a complete field value as an RFC 8941 dictionary.
func ParseDictionary(value string) (*Dictionary, error) {
	p := &parser{input: value}
	d := &Dictionary{Members: make(map[string]Member)}

	p.skipOWS()
	if p.eof() {
		return d, nil
	}
	for {
		key, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		var m Member
		if p.peek() == '=' {
			p.pos++
			start := p.pos
			if p.peek() == '(' {
				inner, err := p.parseInnerList()
				if err != nil {
					return nil, err
				}
				m = Member{IsInner: true, Inner: inner}
			} else {
				item, err := p.parseItem()
				if err != nil {
					return nil, err
				}
				m = Member{Item: item}
			}
			m.Raw = strings.TrimSpace(p.input[start:p.pos])
		} else {
			// Bare key means boolean true.
			params, err := p.parseParams()
			if err != nil {
				return nil, err
			}
			m = Member{Item: Item{Value: BareItem{Type: TypeBool, Bool: true}, Params: params}}
		}
		if _, dup := d.Members[key]; !dup {
			d.Keys = append(d.Keys, key)
		}
		// Last value wins on duplicate keys, per RFC 8941.
		d.Members[key] = m

		p.skipOWS()
		if p.eof() {
			return d, nil
		}
		if p.peek() != ',' {
			return nil, fmt.Errorf("%w: expected ',' at position %d", ErrInvalidStructuredField, p.pos)
		}
		p.pos++
		p.skipOWS()
		if p.eof() {
			return nil, fmt.Errorf("%w: trailing comma", ErrInvalidStructuredField)
		}
	}
}

// ParseInnerList parses a standalone inner list such as a covered-component
// list taken from a Signature-Input member.
func ParseInnerList(value string) (InnerList, error) {
	p := &parser{input: value}
	p.skipOWS()
	inner, err := p.parseInnerList()
	if err != nil {
		return InnerList{}, err
	}
	p.skipOWS()
	if !p.eof() {
		return InnerList{}, fmt.Errorf("%w: trailing data after inner list", ErrInvalidStructuredField)
	}
	return inner, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) eof() bool {
	return p.pos >= len(p.input)
}

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.input[p.pos]
}

// skipOWS is permissive: it consumes spaces and tabs between tokens.
func (p *parser) skipOWS() {
	for !p.eof() && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func isLCAlpha(c byte) bool { return c >= 'a' && c <= 'z' }
func isAlpha(c byte) bool   { return isLCAlpha(c) || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool   { return c >= '0' && c <= '9' }

func isKeyChar(c byte) bool {
	return isLCAlpha(c) || isDigit(c) || c == '_' || c == '-' || c == '.' || c == '*'
}

func isTokenChar(c byte) bool {
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~', ':', '/':
		return true
	}
	return isAlpha(c) || isDigit(c)
}

func (p *parser) parseKey() (string, error) {
	if p.eof() || !(isLCAlpha(p.peek()) || p.peek() == '*') {
		return "", fmt.Errorf("%w: expected key at position %d", ErrInvalidStructuredField, p.pos)
	}
	start := p.pos
	for !p.eof() && isKeyChar(p.input[p.pos]) {
		p.pos++
	}
	return p.input[start:p.pos], nil
}

func (p *parser) parseInnerList() (InnerList, error) {
	if p.peek() != '(' {
		return InnerList{}, fmt.Errorf("%w: expected '(' at position %d", ErrInvalidStructuredField, p.pos)
	}
	p.pos++
	var inner InnerList
	for {
		p.skipOWS()
		if p.eof() {
			return InnerList{}, fmt.Errorf("%w: unterminated inner list", ErrInvalidStructuredField)
		}
		if p.peek() == ')' {
			p.pos++
			break
		}
		item, err := p.parseItem()
		if err != nil {
			return InnerList{}, err
		}
		inner.Items = append(inner.Items, item)
	}
	params, err := p.parseParams()
	if err != nil {
		return InnerList{}, err
	}
	inner.Params = params
	return inner, nil
}

func (p *parser) parseItem() (Item, error) {
	bare, err := p.parseBareItem()
	if err != nil {
		return Item{}, err
	}
	params, err := p.parseParams()
	if err != nil {
		return Item{}, err
	}
	return Item{Value: bare, Params: params}, nil
}

func (p *parser) parseParams() ([]Parameter, error) {
	var params []Parameter
	for !p.eof() && p.peek() == ';' {
		p.pos++
		p.skipOWS()
		key, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		value := BareItem{Type: TypeBool, Bool: true}
		if !p.eof() && p.peek() == '=' {
			p.pos++
			value, err = p.parseBareItem()
			if err != nil {
				return nil, err
			}
		}
		params = append(params, Parameter{Key: key, Value: value})
	}
	return params, nil
}

func (p *parser) parseBareItem() (BareItem, error) {
	if p.eof() {
		return BareItem{}, fmt.Errorf("%w: expected item at end of input", ErrInvalidStructuredField)
	}
	switch c := p.peek(); {
	case c == '"':
		return p.parseString()
	case c == ':':
		return p.parseByteSequence()
	case c == '?':
		return p.parseBoolean()
	case c == '-' || isDigit(c):
		return p.parseInteger()
	case isAlpha(c) || c == '*':
		return p.parseToken()
	default:
		return BareItem{}, fmt.Errorf("%w: unexpected character %q at position %d", ErrInvalidStructuredField, c, p.pos)
	}
}

func (p *parser) parseString() (BareItem, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for {
		if p.eof() {
			return BareItem{}, fmt.Errorf("%w: unterminated string", ErrInvalidStructuredField)
		}
		c := p.input[p.pos]
		p.pos++
		switch c {
		case '"':
			return BareItem{Type: TypeString, Str: b.String()}, nil
		case '\\':
			if p.eof() {
				return BareItem{}, fmt.Errorf("%w: dangling escape in string", ErrInvalidStructuredField)
			}
			esc := p.input[p.pos]
			p.pos++
			if esc != '"' && esc != '\\' {
				return BareItem{}, fmt.Errorf("%w: invalid escape %q in string", ErrInvalidStructuredField, esc)
			}
			b.WriteByte(esc)
		default:
			if c < 0x20 || c > 0x7e {
				return BareItem{}, fmt.Errorf("%w: invalid character in string", ErrInvalidStructuredField)
			}
			b.WriteByte(c)
		}
	}
}

func (p *parser) parseByteSequence() (BareItem, error) {
	p.pos++ // opening colon
	end := strings.IndexByte(p.input[p.pos:], ':')
	if end < 0 {
		return BareItem{}, fmt.Errorf("%w: unterminated byte sequence", ErrInvalidStructuredField)
	}
	encoded := p.input[p.pos : p.pos+end]
	p.pos += end + 1
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return BareItem{}, fmt.Errorf("%w: malformed byte sequence: %v", ErrInvalidStructuredField, err)
	}
	return BareItem{Type: TypeBytes, Bytes: decoded}, nil
}

func (p *parser) parseBoolean() (BareItem, error) {
	p.pos++ // question mark
	if p.eof() || (p.peek() != '0' && p.peek() != '1') {
		return BareItem{}, fmt.Errorf("%w: malformed boolean", ErrInvalidStructuredField)
	}
	v := p.peek() == '1'
	p.pos++
	return BareItem{Type: TypeBool, Bool: v}, nil
}

func (p *parser) parseInteger() (BareItem, error) {
	start := p.pos
	if p.peek() == '-' {
		p.pos++
	}
	digits := 0
	for !p.eof() && isDigit(p.input[p.pos]) {
		p.pos++
		digits++
	}
	if digits == 0 || digits > 15 {
		return BareItem{}, fmt.Errorf("%w: malformed integer", ErrInvalidStructuredField)
	}
	if !p.eof() && p.peek() == '.' {
		return BareItem{}, fmt.Errorf("%w: decimals are not supported", ErrInvalidStructuredField)
	}
	n, err := strconv.ParseInt(p.input[start:p.pos], 10, 64)
	if err != nil {
		return BareItem{}, fmt.Errorf("%w: malformed integer: %v", ErrInvalidStructuredField, err)
	}
	return BareItem{Type: TypeInteger, Int: n}, nil
}

func (p *parser) parseToken() (BareItem, error) {
	start := p.pos
	p.pos++
	for !p.eof() && isTokenChar(p.input[p.pos]) {
		p.pos++
	}
	return BareItem{Type: TypeToken, Str: p.input[start:p.pos]}, nil
}

// SerializeBareItem renders a bare item back to its RFC 8941 wire form.
func SerializeBareItem(b BareItem) string {
	switch b.Type {
	case TypeString:
		var sb strings.Builder
		sb.WriteByte('"')
		for i := 0; i < len(b.Str); i++ {
			c := b.Str[i]
			if c == '"' || c == '\\' {
				sb.WriteByte('\\')
			}
			sb.WriteByte(c)
		}
		sb.WriteByte('"')
		return sb.String()
	case TypeToken:
		return b.Str
	case TypeInteger:
		return strconv.FormatInt(b.Int, 10)
	case TypeBytes:
		return ":" + base64.StdEncoding.EncodeToString(b.Bytes) + ":"
	case TypeBool:
		if b.Bool {
			return "?1"
		}
		return "?0"
	}
	return ""
}

// SerializeParams renders a parameter list including the leading semicolons.
func SerializeParams(params []Parameter) string {
	var sb strings.Builder
	for _, p := range params {
		sb.WriteByte(';')
		sb.WriteString(p.Key)
		if p.Value.Type != TypeBool || !p.Value.Bool {
			sb.WriteByte('=')
			sb.WriteString(SerializeBareItem(p.Value))
		}
	}
	return sb.String()
}

// SerializeItem renders an item with its parameters.
func SerializeItem(i Item) string {
	return SerializeBareItem(i.Value) + SerializeParams(i.Params)
}
