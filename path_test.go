package minileaf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPath(t *testing.T) {
	doc := Document{
		"a": Object(Document{
			"b": Array(Int(10), Int(20), Object(Document{"c": Text("deep")})),
		}),
		"top": Int(1),
	}

	v, ok := GetPath(doc, "top")
	require.True(t, ok)
	assert.Equal(t, int64(1), v.IntVal())

	v, ok = GetPath(doc, "a.b.1")
	require.True(t, ok)
	assert.Equal(t, int64(20), v.IntVal())

	v, ok = GetPath(doc, "a.b.2.c")
	require.True(t, ok)
	assert.Equal(t, "deep", v.TextVal())

	_, ok = GetPath(doc, "a.b.9")
	assert.False(t, ok)
	_, ok = GetPath(doc, "a.missing.c")
	assert.False(t, ok)
	_, ok = GetPath(doc, "top.nested")
	assert.False(t, ok)
}

func TestSetPathAutoCreates(t *testing.T) {
	doc := Document{}
	SetPath(doc, "a.b.c", Int(7))
	v, ok := GetPath(doc, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, int64(7), v.IntVal())
}

func TestSetPathOverwritesNonMapIntermediate(t *testing.T) {
	doc := Document{"a": Int(1)}
	SetPath(doc, "a.b", Text("x"))
	v, ok := GetPath(doc, "a.b")
	require.True(t, ok)
	assert.Equal(t, "x", v.TextVal())
}

func TestUnsetPathLeavesIntermediates(t *testing.T) {
	doc := Document{"a": Object(Document{"b": Object(Document{"c": Int(1)})})}
	UnsetPath(doc, "a.b.c")
	_, ok := GetPath(doc, "a.b.c")
	assert.False(t, ok)
	v, ok := GetPath(doc, "a.b")
	require.True(t, ok)
	assert.Equal(t, KindObject, v.Kind())
}
