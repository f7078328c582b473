package minileaf

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Kind tags the dynamic type carried by a Value. Documents are schemaless, so
// every leaf in the tree needs to know what it is without a static Go type.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindText
	KindBinary
	KindTime
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindTime:
		return "time"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is the tagged sum type every document leaf (and the document itself,
// when nested) is made of. Only the field matching kind is meaningful.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	bin  []byte
	t    time.Time
	arr  []Value
	obj  Document
}

// Document is an unordered bag of named fields: insertion order is not kept,
// and iteration order follows Go map order. Field order is not significant
// for any invariant this store makes (equality, filtering, indexing); a plain
// map keeps every other operation O(1) instead of paying for order bookkeeping
// nothing downstream inspects.
type Document map[string]Value

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Int(i int64) Value          { return Value{kind: KindInt, i: i} }
func Float(f float64) Value      { return Value{kind: KindFloat, f: f} }
func Text(s string) Value        { return Value{kind: KindText, s: s} }
func Binary(b []byte) Value      { return Value{kind: KindBinary, bin: b} }
func Time(t time.Time) Value     { return Value{kind: KindTime, t: t.UTC()} }
func Array(vs ...Value) Value    { return Value{kind: KindArray, arr: vs} }
func Object(d Document) Value    { return Value{kind: KindObject, obj: d} }

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsNull() bool     { return v.kind == KindNull }
func (v Value) BoolVal() bool    { return v.b }
func (v Value) IntVal() int64    { return v.i }
func (v Value) FloatVal() float64 { return v.f }
func (v Value) TextVal() string  { return v.s }
func (v Value) BinaryVal() []byte { return v.bin }
func (v Value) TimeVal() time.Time { return v.t }
func (v Value) ArrayVal() []Value { return v.arr }
func (v Value) ObjectVal() Document { return v.obj }

// AsFloat64 coerces any numeric leaf to a float64, used for comparison.
func (v Value) AsFloat64() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// AsInt64 coerces an integer leaf, or a float leaf truncated toward zero, to
// an int64.
func (v Value) AsInt64() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(v.f), true
	default:
		return 0, false
	}
}

// Equal implements filter equality semantics: numbers normalize across
// int/float, object-ids compare by hex form, missing-vs-null is handled by
// callers (a missing path yields no Value at all, not Null()).
func (v Value) Equal(other Value) bool {
	if v.kind == KindInt || v.kind == KindFloat {
		if other.kind == KindInt || other.kind == KindFloat {
			a, _ := v.AsFloat64()
			b, _ := other.AsFloat64()
			return a == b
		}
		return false
	}
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindText:
		return v.s == other.s
	case KindBinary:
		if len(v.bin) != len(other.bin) {
			return false
		}
		for i := range v.bin {
			if v.bin[i] != other.bin[i] {
				return false
			}
		}
		return true
	case KindTime:
		return v.t.Equal(other.t)
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(other.obj) {
			return false
		}
		for k, fv := range v.obj {
			ov, ok := other.obj[k]
			if !ok || !fv.Equal(ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Compare orders two comparable values (number, text, time, bool). ok is
// false when the two values are not order-comparable (different kinds that
// aren't both numeric, or array/object operands).
func (v Value) Compare(other Value) (result int, ok bool) {
	if (v.kind == KindInt || v.kind == KindFloat) && (other.kind == KindInt || other.kind == KindFloat) {
		a, _ := v.AsFloat64()
		b, _ := other.AsFloat64()
		switch {
		case a < b:
			return -1, true
		case a > b:
			return 1, true
		default:
			return 0, true
		}
	}
	if v.kind != other.kind {
		return 0, false
	}
	switch v.kind {
	case KindText:
		// Lexical comparison also orders 24-char lowercase hex ObjectID text
		// correctly: hex digits sort the same way as the bytes they encode.
		return compareStrings(v.s, other.s), true
	case KindBool:
		if v.b == other.b {
			return 0, true
		}
		if !v.b {
			return -1, true
		}
		return 1, true
	case KindTime:
		switch {
		case v.t.Before(other.t):
			return -1, true
		case v.t.After(other.t):
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// StringKey renders a value as the text key used by hash secondary indexes
// ("enum-optimized": equality keyed by the stringified value).
func (v Value) StringKey() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindText:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindBinary:
		return fmt.Sprintf("%x", v.bin)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ---- id field helpers (_id with a legacy id alias honored on read) ----

const (
	idFieldPrimary = "_id"
	idFieldLegacy  = "id"
)

// idFieldName returns whichever of _id/id is already present on doc, and
// idFieldPrimary when neither is present (the default for new writes).
func idFieldName(doc Document) string {
	if _, ok := doc[idFieldPrimary]; ok {
		return idFieldPrimary
	}
	if _, ok := doc[idFieldLegacy]; ok {
		return idFieldLegacy
	}
	return idFieldPrimary
}

// lookupIDValue reads the id field honoring the _id/id alias on read.
func lookupIDValue(doc Document) (Value, bool) {
	if v, ok := doc[idFieldPrimary]; ok {
		return v, true
	}
	if v, ok := doc[idFieldLegacy]; ok {
		return v, true
	}
	return Value{}, false
}

// ---- canonical on-disk encoding ----
//
// Documents are encoded with msgpack rather than JSON so that Binary and Time
// leaves round-trip through their own wire types instead of a lossy text
// side-encoding.

// EncodeDocument renders doc into its canonical on-disk byte form.
func EncodeDocument(doc Document) ([]byte, error) {
	plain := documentToPlain(doc)
	b, err := msgpack.Marshal(plain)
	if err != nil {
		return nil, errors.Wrap(err, "encode document")
	}
	return b, nil
}

// DecodeDocument parses the canonical on-disk byte form back into a Document.
func DecodeDocument(data []byte) (Document, error) {
	var plain map[string]interface{}
	if err := msgpack.Unmarshal(data, &plain); err != nil {
		return nil, errors.Wrap(err, "decode document")
	}
	return plainToDocument(plain), nil
}

func documentToPlain(doc Document) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = valueToPlain(v)
	}
	return out
}

func valueToPlain(v Value) interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindText:
		return v.s
	case KindBinary:
		return v.bin
	case KindTime:
		return v.t
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, e := range v.arr {
			out[i] = valueToPlain(e)
		}
		return out
	case KindObject:
		return documentToPlain(v.obj)
	default:
		return nil
	}
}

func plainToDocument(plain map[string]interface{}) Document {
	doc := make(Document, len(plain))
	for k, v := range plain {
		doc[k] = plainToValue(v)
	}
	return doc
}

func plainToValue(x interface{}) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int8:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint:
		return Int(int64(t))
	case uint8:
		return Int(int64(t))
	case uint16:
		return Int(int64(t))
	case uint32:
		return Int(int64(t))
	case uint64:
		return Int(int64(t))
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case string:
		return Text(t)
	case []byte:
		return Binary(t)
	case time.Time:
		return Time(t)
	case []interface{}:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = plainToValue(e)
		}
		return Value{kind: KindArray, arr: out}
	case map[string]interface{}:
		return Object(plainToDocument(t))
	default:
		return Text(fmt.Sprintf("%v", t))
	}
}

// SortedFieldNames is a small debugging/inspection helper: deterministic field
// order for printing a document, since the underlying map has none.
func SortedFieldNames(doc Document) []string {
	names := make([]string, 0, len(doc))
	for k := range doc {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
