// Package partitionkey maps partition key values to effective partition keys
// on the hash ring and renders them in the service's canonical JSON form.
package partitionkey

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/devrev/pairdb/partition-router/internal/errors"
)

type valueKind uint8

const (
	kindUndefined valueKind = iota
	kindNull
	kindBool
	kindNumber
	kindString
)

// Value is one component of a partition key
type Value struct {
	kind valueKind
	str  string
	num  float64
	b    bool
}

// Null returns the JSON null component
func Null() Value { return Value{kind: kindNull} }

// Undefined returns the component used when the partition key path is absent from a document
func Undefined() Value { return Value{kind: kindUndefined} }

// String returns a string component
func String(s string) Value { return Value{kind: kindString, str: s} }

// Number returns a numeric component
func Number(f float64) Value { return Value{kind: kindNumber, num: f} }

// Bool returns a boolean component
func Bool(b bool) Value { return Value{kind: kindBool, b: b} }

func (v Value) validate() error {
	if v.kind == kindNumber && (math.IsNaN(v.num) || math.IsInf(v.num, 0)) {
		return errors.DataConversion(fmt.Sprintf("partition key number %v is not finite", v.num), nil)
	}
	if v.kind == kindString && !utf8.ValidString(v.str) {
		return errors.DataConversion(fmt.Sprintf("partition key string %q is not valid UTF-8", v.str), nil)
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case kindNull:
		return "null"
	case kindBool:
		return strconv.FormatBool(v.b)
	case kindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case kindString:
		return strconv.Quote(v.str)
	default:
		return "undefined"
	}
}

// FromInterface converts a value produced by encoding/json into a component
func FromInterface(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		v := Number(t)
		return v, v.validate()
	case float32:
		v := Number(float64(t))
		return v, v.validate()
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, errors.DataConversion(fmt.Sprintf("invalid partition key number %q", t.String()), err)
		}
		v := Number(f)
		return v, v.validate()
	case map[string]interface{}:
		if len(t) == 0 {
			return Undefined(), nil
		}
	}
	return Value{}, errors.DataConversion(fmt.Sprintf("unsupported partition key component of type %T", x), nil)
}

// Key is an ordered tuple of partition key components
type Key []Value

// NewKey builds a key from its components
func NewKey(values ...Value) Key {
	return Key(values)
}

// ParseKey converts decoded JSON components into a Key
func ParseKey(components []interface{}) (Key, error) {
	key := make(Key, 0, len(components))
	for i, c := range components {
		v, err := FromInterface(c)
		if err != nil {
			return nil, fmt.Errorf("partition key component %d: %w", i, err)
		}
		key = append(key, v)
	}
	return key, nil
}

// KeyFromJSON parses the canonical JSON array form of a partition key
func KeyFromJSON(data string) (Key, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()

	var components []interface{}
	if err := dec.Decode(&components); err != nil {
		return nil, errors.DataConversion("partition key is not a JSON array", err)
	}
	return ParseKey(components)
}

// JSON renders the key as the service expects it in the partition key header.
// Characters outside ASCII are written as \u escapes.
func (k Key) JSON() (string, error) {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range k {
		if i > 0 {
			sb.WriteByte(',')
		}
		if err := v.validate(); err != nil {
			return "", err
		}
		switch v.kind {
		case kindNull:
			sb.WriteString("null")
		case kindBool:
			sb.WriteString(strconv.FormatBool(v.b))
		case kindNumber:
			// encoding/json already uses the shortest ES6 number form
			b, err := json.Marshal(v.num)
			if err != nil {
				return "", errors.DataConversion("failed to encode partition key number", err)
			}
			sb.Write(b)
		case kindString:
			writeEscapedString(&sb, v.str)
		default:
			sb.WriteString("{}")
		}
	}
	sb.WriteByte(']')
	return sb.String(), nil
}

const hexDigits = "0123456789abcdef"

func writeEscapedString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			sb.WriteString(`\"`)
		case r == '\\':
			sb.WriteString(`\\`)
		case r == '\b':
			sb.WriteString(`\b`)
		case r == '\f':
			sb.WriteString(`\f`)
		case r == '\n':
			sb.WriteString(`\n`)
		case r == '\r':
			sb.WriteString(`\r`)
		case r == '\t':
			sb.WriteString(`\t`)
		case r < 0x20 || (r >= 0x7f && r <= 0xffff):
			writeUnicodeEscape(sb, uint16(r))
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			writeUnicodeEscape(sb, uint16(hi))
			writeUnicodeEscape(sb, uint16(lo))
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
}

func writeUnicodeEscape(sb *strings.Builder, u uint16) {
	sb.WriteString(`\u`)
	sb.WriteByte(hexDigits[u>>12&0xf])
	sb.WriteByte(hexDigits[u>>8&0xf])
	sb.WriteByte(hexDigits[u>>4&0xf])
	sb.WriteByte(hexDigits[u&0xf])
}
