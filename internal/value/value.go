// Package value implements the tree-shaped message representation exchanged
// between the service runtime and the HTTP adapter.
package value

import (
	"strconv"
	"strings"
)

// AttributesName is the reserved child holding a node's attributes.
const AttributesName = "@Attributes"

type kind uint8

const (
	kindNone kind = iota
	kindString
	kindInt
	kindFloat
	kindBool
)

// Vector is an ordered sequence of values stored under one child name.
type Vector []*Value

// First returns the first element or nil.
func (vec Vector) First() *Value {
	if len(vec) == 0 {
		return nil
	}
	return vec[0]
}

// Value is a tree node with an optional scalar payload and named, ordered children.
// The scalar payload and the children are independent of each other.
type Value struct {
	kind kind
	str  string
	i    int64
	f    float64
	b    bool

	names    []string
	children map[string]*Vector
}

// New returns an empty value.
func New() *Value {
	return &Value{}
}

// NewString returns a value holding s.
func NewString(s string) *Value {
	v := New()
	v.SetString(s)
	return v
}

// NewInt returns a value holding n.
func NewInt(n int64) *Value {
	v := New()
	v.SetInt(n)
	return v
}

// NewFloat returns a value holding f.
func NewFloat(f float64) *Value {
	v := New()
	v.SetFloat(f)
	return v
}

// NewBool returns a value holding b.
func NewBool(b bool) *Value {
	v := New()
	v.SetBool(b)
	return v
}

func (v *Value) SetString(s string) { v.clearScalar(); v.kind, v.str = kindString, s }
func (v *Value) SetInt(n int64)     { v.clearScalar(); v.kind, v.i = kindInt, n }
func (v *Value) SetFloat(f float64) { v.clearScalar(); v.kind, v.f = kindFloat, f }
func (v *Value) SetBool(b bool)     { v.clearScalar(); v.kind, v.b = kindBool, b }

func (v *Value) clearScalar() {
	v.kind, v.str, v.i, v.f, v.b = kindNone, "", 0, 0, false
}

// HasValue reports whether a scalar payload is set.
func (v *Value) HasValue() bool {
	return v.kind != kindNone
}

// Scalar returns the active scalar payload, or nil when none is set.
func (v *Value) Scalar() any {
	switch v.kind {
	case kindString:
		return v.str
	case kindInt:
		return v.i
	case kindFloat:
		return v.f
	case kindBool:
		return v.b
	}
	return nil
}

// SetScalar sets the payload from a Go scalar. Unsupported types are stored
// through their string form; nil clears the payload.
func (v *Value) SetScalar(x any) {
	switch t := x.(type) {
	case nil:
		v.clearScalar()
	case string:
		v.SetString(t)
	case bool:
		v.SetBool(t)
	case int:
		v.SetInt(int64(t))
	case int8:
		v.SetInt(int64(t))
	case int16:
		v.SetInt(int64(t))
	case int32:
		v.SetInt(int64(t))
	case int64:
		v.SetInt(t)
	case uint8:
		v.SetInt(int64(t))
	case uint16:
		v.SetInt(int64(t))
	case uint32:
		v.SetInt(int64(t))
	case uint64:
		v.SetInt(int64(t))
	case float32:
		v.SetFloat(float64(t))
	case float64:
		v.SetFloat(t)
	case []byte:
		v.SetString(string(t))
	default:
		if s, ok := x.(interface{ String() string }); ok {
			v.SetString(s.String())
		}
	}
}

// String returns the scalar payload coerced to a string. Unset payloads yield "".
func (v *Value) String() string {
	if v == nil {
		return ""
	}
	switch v.kind {
	case kindString:
		return v.str
	case kindInt:
		return strconv.FormatInt(v.i, 10)
	case kindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case kindBool:
		return strconv.FormatBool(v.b)
	}
	return ""
}

// Int returns the scalar payload coerced to an integer. Strings that do not
// parse yield 0.
func (v *Value) Int() int64 {
	if v == nil {
		return 0
	}
	switch v.kind {
	case kindInt:
		return v.i
	case kindFloat:
		return int64(v.f)
	case kindBool:
		if v.b {
			return 1
		}
	case kindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.str), 10, 64)
		if err == nil {
			return n
		}
	}
	return 0
}

// Children returns the vector stored under name, creating it when absent.
func (v *Value) Children(name string) *Vector {
	if v.children == nil {
		v.children = make(map[string]*Vector)
	}
	vec, ok := v.children[name]
	if !ok {
		vec = &Vector{}
		v.children[name] = vec
		v.names = append(v.names, name)
	}
	return vec
}

// Lookup returns the vector stored under name without creating it.
func (v *Value) Lookup(name string) (Vector, bool) {
	vec, ok := v.children[name]
	if !ok {
		return nil, false
	}
	return *vec, true
}

// Has reports whether name has at least one element.
func (v *Value) Has(name string) bool {
	vec, ok := v.Lookup(name)
	return ok && len(vec) > 0
}

// First returns the first element under name, creating it when absent.
func (v *Value) First(name string) *Value {
	vec := v.Children(name)
	if len(*vec) == 0 {
		*vec = append(*vec, New())
	}
	return (*vec)[0]
}

// NewChild appends a fresh element under name and returns it.
func (v *Value) NewChild(name string) *Value {
	child := New()
	v.Add(name, child)
	return child
}

// Add appends child under name.
func (v *Value) Add(name string, child *Value) {
	vec := v.Children(name)
	*vec = append(*vec, child)
}

// Names returns the non-reserved child names in insertion order.
func (v *Value) Names() []string {
	names := make([]string, 0, len(v.names))
	for _, n := range v.names {
		if isReserved(n) {
			continue
		}
		names = append(names, n)
	}
	return names
}

// Len returns the number of non-reserved child names.
func (v *Value) Len() int {
	n := 0
	for _, name := range v.names {
		if !isReserved(name) {
			n++
		}
	}
	return n
}

// Each calls fn for every element of every non-reserved child, in order.
func (v *Value) Each(fn func(name string, child *Value)) {
	for _, name := range v.names {
		if isReserved(name) {
			continue
		}
		for _, child := range *v.children[name] {
			fn(name, child)
		}
	}
}

// Attributes returns the attribute names and values in insertion order.
// Only the first value of each attribute is reported.
func (v *Value) Attributes() []Attribute {
	vec, ok := v.Lookup(AttributesName)
	if !ok || len(vec) == 0 {
		return nil
	}
	holder := vec[0]
	attrs := make([]Attribute, 0, len(holder.names))
	for _, name := range holder.names {
		first := (*holder.children[name]).First()
		if first == nil {
			continue
		}
		attrs = append(attrs, Attribute{Name: name, Value: first.String()})
	}
	return attrs
}

// Attribute returns the attribute node named name, creating the attribute
// holder and the attribute when absent.
func (v *Value) Attribute(name string) *Value {
	return v.First(AttributesName).First(name)
}

// SetAttribute sets the string value of attribute name.
func (v *Value) SetAttribute(name, val string) {
	v.Attribute(name).SetString(val)
}

// Attribute is a single name/value pair read from the reserved attribute child.
type Attribute struct {
	Name  string
	Value string
}

func isReserved(name string) bool {
	return strings.HasPrefix(name, "@")
}

// Clone returns a deep copy of v.
func (v *Value) Clone() *Value {
	out := &Value{kind: v.kind, str: v.str, i: v.i, f: v.f, b: v.b}
	for _, name := range v.names {
		for _, child := range *v.children[name] {
			out.Add(name, child.Clone())
		}
	}
	return out
}

// Equal compares two trees with scalars compared by their string form.
// Child order matters, attribute order does not; empty vectors are ignored.
func (v *Value) Equal(other *Value) bool {
	if v == nil || other == nil {
		return v == other
	}
	if v.String() != other.String() {
		return false
	}
	if !sameAttributes(v.Attributes(), other.Attributes()) {
		return false
	}
	a, b := v.populated(), other.populated()
	if len(a) != len(b) {
		return false
	}
	for i, name := range a {
		if b[i] != name {
			return false
		}
		va, vb := *v.children[name], *other.children[name]
		if len(va) != len(vb) {
			return false
		}
		for j := range va {
			if !va[j].Equal(vb[j]) {
				return false
			}
		}
	}
	return true
}

func sameAttributes(a, b []Attribute) bool {
	if len(a) != len(b) {
		return false
	}
	m := make(map[string]string, len(a))
	for _, attr := range a {
		m[attr.Name] = attr.Value
	}
	for _, attr := range b {
		if val, ok := m[attr.Name]; !ok || val != attr.Value {
			return false
		}
	}
	return true
}

func (v *Value) populated() []string {
	var names []string
	for _, name := range v.names {
		if !isReserved(name) && len(*v.children[name]) > 0 {
			names = append(names, name)
		}
	}
	return names
}
