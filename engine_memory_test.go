package minileaf

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textID(t *testing.T, s string) ID {
	t.Helper()
	id, err := textVariant{}.Parse(s)
	require.NoError(t, err)
	return id
}

func intID(t *testing.T, n string) ID {
	t.Helper()
	id, err := int64Variant{}.Parse(n)
	require.NoError(t, err)
	return id
}

func TestMemoryEngineBasics(t *testing.T) {
	e := newMemoryEngine()
	a := textID(t, "a")

	_, ok, err := e.FindByID(a)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.Upsert(a, Document{"_id": Text("a"), "v": Int(1)}))
	doc, ok, err := e.FindByID(a)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), doc["v"].IntVal())

	// Replace.
	require.NoError(t, e.Upsert(a, Document{"_id": Text("a"), "v": Int(2)}))
	doc, _, _ = e.FindByID(a)
	assert.Equal(t, int64(2), doc["v"].IntVal())

	n, err := e.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	prior, err := e.Delete(a)
	require.NoError(t, err)
	require.NotNil(t, prior)
	_, ok, _ = e.FindByID(a)
	assert.False(t, ok)

	prior, err = e.Delete(a)
	require.NoError(t, err)
	assert.Nil(t, prior)
}

func TestMemoryEnginePrimaryOrderAndPagination(t *testing.T) {
	e := newMemoryEngine()
	// Insert out of order; iteration must be id-ordered.
	for _, s := range []string{"c", "a", "e", "b", "d"} {
		require.NoError(t, e.Upsert(textID(t, s), Document{"_id": Text(s)}))
	}
	all, err := e.FindAll()
	require.NoError(t, err)
	got := make([]string, len(all))
	for i, d := range all {
		got[i] = d["_id"].TextVal()
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, got)

	page, err := e.FindAllPage(1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0]["_id"].TextVal())
	assert.Equal(t, "c", page[1]["_id"].TextVal())
}

func TestMemoryEngineUpdateFields(t *testing.T) {
	e := newMemoryEngine()
	a := textID(t, "a")
	require.NoError(t, e.Upsert(a, Document{"_id": Text("a"), "n": Int(1)}))

	existed, err := e.UpdateFields(a, UpdateOps{opInc: {"n": Int(4)}})
	require.NoError(t, err)
	assert.True(t, existed)
	doc, _, _ := e.FindByID(a)
	assert.Equal(t, int64(5), doc["n"].IntVal())

	existed, err = e.UpdateFields(textID(t, "ghost"), UpdateOps{opSet: {"x": Int(1)}})
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestMemoryEngineReturnsCopies(t *testing.T) {
	e := newMemoryEngine()
	a := textID(t, "a")
	require.NoError(t, e.Upsert(a, Document{"_id": Text("a"), "n": Int(1)}))
	doc, _, _ := e.FindByID(a)
	doc["n"] = Int(99)
	again, _, _ := e.FindByID(a)
	assert.Equal(t, int64(1), again["n"].IntVal(), "caller mutation must not leak into the engine")
}

func TestMemoryEngineConcurrentReadersAndWriters(t *testing.T) {
	e := newMemoryEngine()
	a := textID(t, "shared")
	require.NoError(t, e.Upsert(a, Document{"_id": Text("shared"), "n": Int(0)}))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = e.Upsert(a, Document{"_id": Text("shared"), "n": Int(int64(w*100 + i))})
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				doc, ok, err := e.FindByID(a)
				assert.NoError(t, err)
				if ok {
					// Every read sees a complete document, never a torn one.
					_, hasID := doc["_id"]
					_, hasN := doc["n"]
					assert.True(t, hasID && hasN, "torn read: %v", doc)
				}
			}
		}()
	}
	wg.Wait()
}

func TestMigrateBetweenEngines(t *testing.T) {
	src := newMemoryEngine()
	dst := newMemoryEngine()
	for i := 1; i <= 10; i++ {
		id := intID(t, fmt.Sprintf("%d", i))
		require.NoError(t, src.Upsert(id, Document{"_id": Int(int64(i)), "v": Int(int64(i * 10))}))
	}
	moved, err := Migrate(src, dst, IDInt64, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(10), moved)

	doc, ok, err := dst.FindByID(intID(t, "7"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(70), doc["v"].IntVal())
}
