package value

// Node is the serializable form of a Value used on the runtime bridge.
// Children are kept as an ordered list so both msgpack and CBOR preserve
// insertion order.
type Node struct {
	Scalar   any     `msgpack:"v,omitempty" cbor:"v,omitempty"`
	Children []Entry `msgpack:"c,omitempty" cbor:"c,omitempty"`
}

// Entry is one named child vector of a Node.
type Entry struct {
	Name     string `msgpack:"n" cbor:"n"`
	Elements []Node `msgpack:"e" cbor:"e"`
}

// ToNode converts v, attributes included, into its serializable form.
func ToNode(v *Value) Node {
	n := Node{Scalar: v.Scalar()}
	for _, name := range v.names {
		vec := *v.children[name]
		entry := Entry{Name: name, Elements: make([]Node, 0, len(vec))}
		for _, child := range vec {
			entry.Elements = append(entry.Elements, ToNode(child))
		}
		n.Children = append(n.Children, entry)
	}
	return n
}

// FromNode rebuilds a Value from its serializable form.
func FromNode(n Node) *Value {
	v := New()
	v.SetScalar(n.Scalar)
	for _, entry := range n.Children {
		vec := v.Children(entry.Name)
		for _, el := range entry.Elements {
			*vec = append(*vec, FromNode(el))
		}
	}
	return v
}
