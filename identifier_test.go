package minileaf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDRoundTripAllVariants(t *testing.T) {
	for _, kind := range []IDKind{IDObjectID, IDUUID, IDText, IDInt64} {
		t.Run(kind.String(), func(t *testing.T) {
			variant := variantFor(kind, "roundtrip")
			id := variant.Generate()
			parsed, err := variant.Parse(id.String())
			require.NoError(t, err)
			assert.Equal(t, 0, id.Compare(parsed))
			assert.Equal(t, id.String(), parsed.String())
		})
	}
}

func TestObjectIDShape(t *testing.T) {
	v := newObjectIDVariant()
	id := v.Generate()
	assert.Len(t, id.String(), 24)
	assert.True(t, IsObjectIDText(id.String()))

	// Generated ids are distinct and the counter suffix makes consecutive
	// ids order-increasing within one second.
	other := v.Generate()
	assert.NotEqual(t, id.String(), other.String())
	assert.Equal(t, -1, id.Compare(other))
}

func TestIsObjectIDText(t *testing.T) {
	assert.True(t, IsObjectIDText("0123456789abcdef01234567"))
	assert.False(t, IsObjectIDText("0123456789ABCDEF01234567"))
	assert.False(t, IsObjectIDText("short"))
	assert.False(t, IsObjectIDText("0123456789abcdef0123456z"))
}

func TestInt64SequenceIsPerCollection(t *testing.T) {
	ResetInt64Sequence("seq-a")
	ResetInt64Sequence("seq-b")
	a := variantFor(IDInt64, "seq-a")
	b := variantFor(IDInt64, "seq-b")
	assert.Equal(t, "1", a.Generate().String())
	assert.Equal(t, "2", a.Generate().String())
	assert.Equal(t, "1", b.Generate().String())
}

func TestExtractAndWriteID(t *testing.T) {
	doc := Document{"name": Text("x")}
	_, ok := ExtractID(doc, IDText)
	assert.False(t, ok)

	id, err := textVariant{}.Parse("hello")
	require.NoError(t, err)
	WriteID(doc, id)
	got, ok := ExtractID(doc, IDText)
	require.True(t, ok)
	assert.Equal(t, "hello", got.String())

	// Legacy alias: an id written under "id" is honored on read and kept
	// under "id" on rewrite.
	legacy := Document{"id": Int(9)}
	got, ok = ExtractID(legacy, IDInt64)
	require.True(t, ok)
	assert.Equal(t, "9", got.String())
	WriteID(legacy, got)
	_, hasPrimary := legacy["_id"]
	assert.False(t, hasPrimary)
}

func TestIDOrdering(t *testing.T) {
	i1, _ := int64Variant{}.Parse("2")
	i2, _ := int64Variant{}.Parse("10")
	assert.Equal(t, -1, i1.Compare(i2), "int ids order numerically, not lexically")

	t1, _ := textVariant{}.Parse("a")
	t2, _ := textVariant{}.Parse("b")
	assert.Equal(t, -1, t1.Compare(t2))
}
