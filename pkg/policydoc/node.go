package policydoc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type Kind int

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

// Node is one JSON value. Objects keep their members in source order so
// that an untouched document re-encodes to the same bytes.
type Node struct {
	kind    Kind
	boolean bool
	text    string // string value or verbatim number literal
	items   []*Node
	members []member
}

type member struct {
	key   string
	value *Node
}

func NewString(s string) *Node { return &Node{kind: String, text: s} }
func NewBool(b bool) *Node { return &Node{kind: Bool, boolean: b} }
func NewArray(items ...*Node) *Node { return &Node{kind: Array, items: items} }
func NewObject() *Node { return &Node{kind: Object} }

func (n *Node) Kind() Kind {
	if n == nil {
		return Null
	}
	return n.kind
}

// Str returns the string value, or "" for non-strings.
func (n *Node) Str() (string, bool) {
	if n.Kind() != String {
		return "", false
	}
	return n.text, true
}

func (n *Node) Bool() (bool, bool) {
	if n.Kind() != Bool {
		return false, false
	}
	return n.boolean, true
}

func (n *Node) Items() []*Node {
	if n.Kind() != Array {
		return nil
	}
	return n.items
}

func (n *Node) Append(v *Node) {
	n.items = append(n.items, v)
}

// Get returns the member value for key, or nil.
func (n *Node) Get(key string) *Node {
	if n.Kind() != Object {
		return nil
	}
	for _, m := range n.members {
		if m.key == key {
			return m.value
		}
	}
	return nil
}

// Set replaces the value of key in place, or appends a new member.
func (n *Node) Set(key string, v *Node) {
	for i := range n.members {
		if n.members[i].key == key {
			n.members[i].value = v
			return
		}
	}
	n.members = append(n.members, member{key: key, value: v})
}

func (n *Node) Keys() []string {
	out := make([]string, 0, len(n.members))
	for _, m := range n.members {
		out = append(out, m.key)
	}
	return out
}

func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{kind: n.kind, boolean: n.boolean, text: n.text}
	if n.items != nil {
		c.items = make([]*Node, len(n.items))
		for i, it := range n.items {
			c.items[i] = it.Clone()
		}
	}
	if n.members != nil {
		c.members = make([]member, len(n.members))
		for i, m := range n.members {
			c.members[i] = member{key: m.key, value: m.value.Clone()}
		}
	}
	return c
}

func decode(raw []byte) (*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	root, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after document")
	}
	return root, nil
}

func decodeValue(dec *json.Decoder) (*Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(key, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			arr := NewArray()
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr.Append(v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	case string:
		return NewString(t), nil
	case json.Number:
		return &Node{kind: Number, text: t.String()}, nil
	case bool:
		return NewBool(t), nil
	case nil:
		return &Node{kind: Null}, nil
	default:
		return nil, fmt.Errorf("unexpected token %v", tok)
	}
}

const indentUnit = "    "

func encode(buf *bytes.Buffer, n *Node, depth int) {
	switch n.Kind() {
	case Null:
		buf.WriteString("null")
	case Bool:
		if n.boolean {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Number:
		buf.WriteString(n.text)
	case String:
		encodeString(buf, n.text)
	case Array:
		if len(n.items) == 0 {
			buf.WriteString("[]")
			return
		}
		buf.WriteString("[\n")
		for i, it := range n.items {
			buf.WriteString(strings.Repeat(indentUnit, depth+1))
			encode(buf, it, depth+1)
			if i < len(n.items)-1 {
				buf.WriteByte(',')
			}
			buf.WriteByte('\n')
		}
		buf.WriteString(strings.Repeat(indentUnit, depth))
		buf.WriteByte(']')
	case Object:
		if len(n.members) == 0 {
			buf.WriteString("{}")
			return
		}
		buf.WriteString("{\n")
		for i, m := range n.members {
			buf.WriteString(strings.Repeat(indentUnit, depth+1))
			encodeString(buf, m.key)
			buf.WriteString(": ")
			encode(buf, m.value, depth+1)
			if i < len(n.members)-1 {
				buf.WriteByte(',')
			}
			buf.WriteByte('\n')
		}
		buf.WriteString(strings.Repeat(indentUnit, depth))
		buf.WriteByte('}')
	}
}

func encodeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
}
