package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalarCoercion(t *testing.T) {
	tests := []struct {
		name string
		v    *Value
		want string
	}{
		{"unset", New(), ""},
		{"string", NewString("hello"), "hello"},
		{"int", NewInt(-42), "-42"},
		{"float", NewFloat(2.5), "2.5"},
		{"bool", NewBool(true), "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.v.String())
		})
	}
}

func TestSetReplacesActiveRepresentation(t *testing.T) {
	v := NewInt(7)
	v.SetString("seven")
	assert.Equal(t, "seven", v.Scalar())
	assert.Equal(t, int64(0), v.Int())

	v.SetString(" 12 ")
	assert.Equal(t, int64(12), v.Int())
}

func TestChildrenPreserveInsertionOrder(t *testing.T) {
	v := New()
	v.NewChild("b").SetString("1")
	v.NewChild("a").SetString("2")
	v.NewChild("b").SetString("3")

	assert.Equal(t, []string{"b", "a"}, v.Names())

	var seen []string
	v.Each(func(name string, child *Value) {
		seen = append(seen, name+"="+child.String())
	})
	assert.Equal(t, []string{"b=1", "b=3", "a=2"}, seen)
}

func TestFirstCreatesOnce(t *testing.T) {
	v := New()
	v.First("x").SetString("one")
	v.First("x").SetString("two")

	vec, ok := v.Lookup("x")
	require.True(t, ok)
	assert.Len(t, vec, 1)
	assert.Equal(t, "two", vec.First().String())
}

func TestAttributesHiddenFromIteration(t *testing.T) {
	v := New()
	v.SetAttribute("id", "7")
	v.NewChild("item").SetString("a")

	assert.Equal(t, []string{"item"}, v.Names())
	assert.Equal(t, 1, v.Len())
	assert.Equal(t, []Attribute{{Name: "id", Value: "7"}}, v.Attributes())
	assert.Equal(t, "7", v.Attribute("id").String())
}

func TestMixedContent(t *testing.T) {
	v := NewString("text")
	v.NewChild("child").SetInt(1)

	assert.Equal(t, "text", v.String())
	assert.True(t, v.Has("child"))
}

func TestEqualUpToCoercion(t *testing.T) {
	a := New()
	a.NewChild("n").SetInt(2)
	a.SetAttribute("k", "v")

	b := New()
	b.SetAttribute("k", "v")
	b.NewChild("n").SetString("2")

	assert.True(t, a.Equal(b))

	b.NewChild("n")
	assert.False(t, a.Equal(b))
}

func TestCloneIsDeep(t *testing.T) {
	v := New()
	v.First("a").SetString("x")

	c := v.Clone()
	c.First("a").SetString("y")

	assert.Equal(t, "x", v.First("a").String())
	assert.True(t, c.Has("a"))
}

func TestNodeRoundtrip(t *testing.T) {
	v := NewString("root")
	v.SetAttribute("lang", "en")
	item := v.NewChild("item")
	item.SetFloat(1.5)
	item.NewChild("flag").SetBool(false)
	v.NewChild("item").SetInt(3)

	got := FromNode(ToNode(v))
	assert.True(t, v.Equal(got))
	assert.Equal(t, v.Names(), got.Names())
}
