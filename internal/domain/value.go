package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ValueKind identifies the variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Member is one key/value pair of an object Value.
type Member struct {
	Key   string
	Value Value
}

// Value is a structured JSON value. Objects keep the member order they were
// parsed or built with. The zero Value is null.
type Value struct {
	kind    ValueKind
	boolean bool
	number  json.Number
	str     string
	elems   []Value
	members []Member
}

// Null returns the null Value.
func Null() Value { return Value{} }

// BoolValue wraps b.
func BoolValue(b bool) Value { return Value{kind: KindBool, boolean: b} }

// NumberValue wraps a JSON number literal.
func NumberValue(n json.Number) Value { return Value{kind: KindNumber, number: n} }

// StringValue wraps s.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// ArrayValue builds an array Value.
func ArrayValue(elems ...Value) Value {
	return Value{kind: KindArray, elems: append([]Value{}, elems...)}
}

// ObjectValue builds an object Value. A repeated key keeps its first
// position and its last value.
func ObjectValue(members ...Member) Value {
	v := Value{kind: KindObject, members: make([]Member, 0, len(members))}
	for _, m := range members {
		v.set(m.Key, m.Value)
	}
	return v
}

func (v *Value) set(key string, val Value) {
	for i := range v.members {
		if v.members[i].Key == key {
			v.members[i].Value = val
			return
		}
	}
	v.members = append(v.members, Member{Key: key, Value: val})
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean and whether v is a bool.
func (v Value) AsBool() (bool, bool) { return v.boolean, v.kind == KindBool }

// AsNumber returns the number literal and whether v is a number.
func (v Value) AsNumber() (json.Number, bool) { return v.number, v.kind == KindNumber }

// AsString returns the string and whether v is a string.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// Elems returns the elements of an array Value, or nil.
func (v Value) Elems() []Value { return v.elems }

// Members returns the members of an object Value in order, or nil.
func (v Value) Members() []Member { return v.members }

// Get returns the member value for key on an object Value.
func (v Value) Get(key string) (Value, bool) {
	for _, m := range v.members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Value{}, false
}

// ParseValue decodes exactly one JSON value from data.
func ParseValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, fmt.Errorf("unexpected data after top-level value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Value{}, io.ErrUnexpectedEOF
		}
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return BoolValue(t), nil
	case json.Number:
		return NumberValue(t), nil
	case string:
		return StringValue(t), nil
	case json.Delim:
		switch t {
		case '[':
			arr := Value{kind: KindArray, elems: []Value{}}
			for dec.More() {
				elem, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				arr.elems = append(arr.elems, elem)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return arr, nil
		case '{':
			obj := Value{kind: KindObject, members: []Member{}}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("object key is %T, not string", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				obj.set(key, val)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return obj, nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalJSON implements json.Marshaler. The output is compact and
// deterministic: object members are written in their stored order.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.boolean {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		if v.number == "" {
			buf.WriteString("0")
			return nil
		}
		buf.WriteString(v.number.String())
	case KindString:
		return encodeString(buf, v.str)
	case KindArray:
		buf.WriteByte('[')
		for i, e := range v.elems {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, m := range v.members {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, m.Key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := m.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unknown value kind %d", v.kind)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encoder appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// Interface converts v into the generic form used by encoding/json:
// nil, bool, json.Number, string, []any and map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.boolean
	case KindNumber:
		return v.number
	case KindString:
		return v.str
	case KindArray:
		out := make([]any, len(v.elems))
		for i, e := range v.elems {
			out[i] = e.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.members))
		for _, m := range v.members {
			out[m.Key] = m.Value.Interface()
		}
		return out
	default:
		return nil
	}
}

// ValueFromInterface converts a generic decoded JSON value into a Value.
// Map keys are sorted so the result is deterministic.
func ValueFromInterface(x any) (Value, error) {
	raw, err := json.Marshal(x)
	if err != nil {
		return Value{}, err
	}
	return ParseValue(raw)
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	out := v
	if v.elems != nil {
		out.elems = make([]Value, len(v.elems))
		for i, e := range v.elems {
			out.elems[i] = e.Clone()
		}
	}
	if v.members != nil {
		out.members = make([]Member, len(v.members))
		for i, m := range v.members {
			out.members[i] = Member{Key: m.Key, Value: m.Value.Clone()}
		}
	}
	return out
}

// String returns the compact JSON form of v.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return "<invalid>"
	}
	return string(b)
}
