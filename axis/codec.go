package axis

import (
	"bytes"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Serialize emits the canonical form of c: a UTF-8 JSON object whose
// keys are sorted lexicographically, so coordinate equality is a plain
// byte compare. This is a small custom emitter rather than
// encoding/json: a library's unspecified key ordering is no foundation
// for the one format contract the whole engine depends on.
func Serialize(c Coordinate) []byte {
	keys := c.sortedKeys()
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(&buf, k)
		buf.WriteByte(':')
		v := c[k]
		switch v.Kind() {
		case KindInt:
			buf.WriteString(strconv.FormatInt(int64(v.Int32()), 10))
		default:
			writeJSONString(&buf, v.Str())
		}
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// Deserialize is the inverse of Serialize. It accepts any well-formed
// JSON object of string keys mapping to JSON integers or strings; key
// order in the input does not matter (only Serialize's output is
// required to be sorted).
func Deserialize(data []byte) (Coordinate, error) {
	p := &jsonParser{data: data}
	p.skipSpace()
	c, err := p.parseObject()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.data) {
		return nil, fmt.Errorf("axis: trailing data after coordinate object")
	}
	return c, nil
}

// jsonParser is a minimal recursive-descent parser for the narrow
// coordinate grammar: {"name": <int|string>, ...}. It deliberately does
// not support nested objects, arrays, or floats, since those never
// appear in a legal axes key.
type jsonParser struct {
	data []byte
	pos  int
}

func (p *jsonParser) skipSpace() {
	for p.pos < len(p.data) {
		switch p.data[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *jsonParser) parseObject() (Coordinate, error) {
	if p.pos >= len(p.data) || p.data[p.pos] != '{' {
		return nil, fmt.Errorf("axis: expected '{'")
	}
	p.pos++
	c := make(Coordinate)
	p.skipSpace()
	if p.pos < len(p.data) && p.data[p.pos] == '}' {
		p.pos++
		return c, nil
	}
	for {
		p.skipSpace()
		key, err := p.parseString()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.data) || p.data[p.pos] != ':' {
			return nil, fmt.Errorf("axis: expected ':' after key %q", key)
		}
		p.pos++
		p.skipSpace()
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		c[key] = val
		p.skipSpace()
		if p.pos >= len(p.data) {
			return nil, fmt.Errorf("axis: unterminated object")
		}
		switch p.data[p.pos] {
		case ',':
			p.pos++
			continue
		case '}':
			p.pos++
			return c, nil
		default:
			return nil, fmt.Errorf("axis: expected ',' or '}'")
		}
	}
}

func (p *jsonParser) parseValue() (Value, error) {
	if p.pos >= len(p.data) {
		return Value{}, fmt.Errorf("axis: unexpected end of input")
	}
	if p.data[p.pos] == '"' {
		s, err := p.parseString()
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	}
	start := p.pos
	if p.data[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.data) && p.data[p.pos] >= '0' && p.data[p.pos] <= '9' {
		p.pos++
	}
	if p.pos == start {
		return Value{}, fmt.Errorf("axis: invalid value at offset %d", start)
	}
	n, err := strconv.ParseInt(string(p.data[start:p.pos]), 10, 32)
	if err != nil {
		return Value{}, fmt.Errorf("axis: invalid integer value: %w", err)
	}
	return Int(int32(n)), nil
}

func (p *jsonParser) parseString() (string, error) {
	if p.pos >= len(p.data) || p.data[p.pos] != '"' {
		return "", fmt.Errorf("axis: expected string")
	}
	p.pos++
	var buf bytes.Buffer
	for p.pos < len(p.data) {
		r, size := utf8.DecodeRune(p.data[p.pos:])
		if r == '"' {
			p.pos++
			return buf.String(), nil
		}
		if r == '\\' {
			p.pos++
			if p.pos >= len(p.data) {
				return "", fmt.Errorf("axis: unterminated escape")
			}
			switch p.data[p.pos] {
			case '"':
				buf.WriteByte('"')
			case '\\':
				buf.WriteByte('\\')
			case '/':
				buf.WriteByte('/')
			case 'n':
				buf.WriteByte('\n')
			case 'r':
				buf.WriteByte('\r')
			case 't':
				buf.WriteByte('\t')
			case 'u':
				if p.pos+4 >= len(p.data) {
					return "", fmt.Errorf("axis: short unicode escape")
				}
				n, err := strconv.ParseUint(string(p.data[p.pos+1:p.pos+5]), 16, 32)
				if err != nil {
					return "", fmt.Errorf("axis: bad unicode escape: %w", err)
				}
				buf.WriteRune(rune(n))
				p.pos += 4
			default:
				return "", fmt.Errorf("axis: unknown escape \\%c", p.data[p.pos])
			}
			p.pos++
			continue
		}
		buf.WriteRune(r)
		p.pos += size
	}
	return "", fmt.Errorf("axis: unterminated string")
}
