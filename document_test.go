package minileaf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueEquality(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"int equals float", Int(3), Float(3.0), true},
		{"int differs float", Int(3), Float(3.5), false},
		{"text", Text("x"), Text("x"), true},
		{"null equals null", Null(), Null(), true},
		{"bool vs int", Bool(true), Int(1), false},
		{"nested object", Object(Document{"a": Int(1)}), Object(Document{"a": Int(1)}), true},
		{"array order matters", Array(Int(1), Int(2)), Array(Int(2), Int(1)), false},
		{"binary", Binary([]byte{1, 2}), Binary([]byte{1, 2}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
		})
	}
}

func TestValueCompare(t *testing.T) {
	cmp, ok := Int(2).Compare(Float(2.5))
	require.True(t, ok)
	assert.Equal(t, -1, cmp)

	cmp, ok = Text("b").Compare(Text("a"))
	require.True(t, ok)
	assert.Equal(t, 1, cmp)

	_, ok = Text("a").Compare(Int(1))
	assert.False(t, ok)

	earlier := Time(time.Unix(100, 0))
	later := Time(time.Unix(200, 0))
	cmp, ok = earlier.Compare(later)
	require.True(t, ok)
	assert.Equal(t, -1, cmp)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := Document{
		"_id":   Text("abc"),
		"n":     Int(42),
		"f":     Float(3.25),
		"ok":    Bool(true),
		"nope":  Null(),
		"blob":  Binary([]byte{0, 1, 2, 255}),
		"when":  Time(now),
		"tags":  Array(Text("a"), Text("b"), Int(3)),
		"inner": Object(Document{"deep": Array(Object(Document{"x": Int(1)}))}),
	}
	raw, err := EncodeDocument(doc)
	require.NoError(t, err)
	back, err := DecodeDocument(raw)
	require.NoError(t, err)
	assert.True(t, Object(doc).Equal(Object(back)), "decoded document differs: %v vs %v", doc, back)
}

func TestIDFieldAlias(t *testing.T) {
	withPrimary := Document{"_id": Text("a")}
	withLegacy := Document{"id": Text("b")}
	withNeither := Document{"x": Int(1)}

	v, ok := lookupIDValue(withPrimary)
	require.True(t, ok)
	assert.Equal(t, "a", v.TextVal())

	v, ok = lookupIDValue(withLegacy)
	require.True(t, ok)
	assert.Equal(t, "b", v.TextVal())

	_, ok = lookupIDValue(withNeither)
	assert.False(t, ok)

	// Writes prefer the field already present and default to _id.
	assert.Equal(t, idFieldLegacy, idFieldName(withLegacy))
	assert.Equal(t, idFieldPrimary, idFieldName(withNeither))
}

func TestStringKey(t *testing.T) {
	assert.Equal(t, "42", Int(42).StringKey())
	assert.Equal(t, "true", Bool(true).StringKey())
	assert.Equal(t, "red", Text("red").StringKey())
	assert.Equal(t, "1.5", Float(1.5).StringKey())
}
