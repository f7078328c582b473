package minileaf

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// IDKind selects which of the four identifier variants a collection uses.
// Fixed at collection birth: see ErrIDTypeMismatch in errors.go.
type IDKind uint8

const (
	IDObjectID IDKind = iota
	IDUUID
	IDText
	IDInt64
)

func (k IDKind) String() string {
	switch k {
	case IDObjectID:
		return "object_id"
	case IDUUID:
		return "uuid"
	case IDText:
		return "text"
	case IDInt64:
		return "int64"
	default:
		return "unknown"
	}
}

// ID is a polymorphic, totally ordered identifier. Exactly one of the fields
// is meaningful depending on kind.
type ID struct {
	kind IDKind
	oid  [12]byte
	uid  uuid.UUID
	text string
	num  int64
}

// Kind reports which variant this id belongs to.
func (id ID) Kind() IDKind { return id.kind }

// String renders the id in its canonical text form for use as an index key,
// a log key, and a document field value.
func (id ID) String() string {
	switch id.kind {
	case IDObjectID:
		return hex.EncodeToString(id.oid[:])
	case IDUUID:
		return id.uid.String()
	case IDText:
		return id.text
	case IDInt64:
		return strconvInt64(id.num)
	default:
		return ""
	}
}

func strconvInt64(n int64) string {
	// Avoid importing strconv twice across files; kept local and trivial.
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Compare orders two ids of the same kind. Ids of different kinds are not
// comparable and Compare panics — callers never mix id kinds within a
// collection because the kind is fixed at collection birth.
func (id ID) Compare(other ID) int {
	if id.kind != other.kind {
		panic("minileaf: comparing identifiers of different kinds")
	}
	switch id.kind {
	case IDObjectID:
		for i := range id.oid {
			if id.oid[i] != other.oid[i] {
				if id.oid[i] < other.oid[i] {
					return -1
				}
				return 1
			}
		}
		return 0
	case IDUUID:
		return compareBytes(id.uid[:], other.uid[:])
	case IDText:
		return compareStrings(id.text, other.text)
	case IDInt64:
		switch {
		case id.num < other.num:
			return -1
		case id.num > other.num:
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// AsValue renders the id as a Document leaf Value in its canonical stored
// form: text for ObjectID/UUID/Text, integer for Int64.
func (id ID) AsValue() Value {
	if id.kind == IDInt64 {
		return Int(id.num)
	}
	return Text(id.String())
}

// IsObjectIDText reports whether s is a syntactically valid 24-char lowercase
// hex ObjectID, per §4.1 ("A 24-character lowercase hex string encountered on
// compare is treated as an object-id for ordering").
func IsObjectIDText(s string) bool {
	if len(s) != 24 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// IDVariant generates and parses ids of one kind.
type IDVariant interface {
	Kind() IDKind
	Generate() ID
	Parse(text string) (ID, error)
}

// --- ObjectID variant: 4-byte unix seconds + 5-byte random + 3-byte counter,
// the same layout as a Mongo BSON ObjectId, hex-encoded to 24 chars. ---

type objectIDVariant struct {
	counter atomic.Uint32
	seed    [5]byte
}

func newObjectIDVariant() *objectIDVariant {
	v := &objectIDVariant{}
	_, _ = rand.Read(v.seed[:])
	return v
}

func (v *objectIDVariant) Kind() IDKind { return IDObjectID }

func (v *objectIDVariant) Generate() ID {
	var oid [12]byte
	binary.BigEndian.PutUint32(oid[0:4], uint32(time.Now().Unix()))
	copy(oid[4:9], v.seed[:])
	c := v.counter.Add(1)
	oid[9] = byte(c >> 16)
	oid[10] = byte(c >> 8)
	oid[11] = byte(c)
	return ID{kind: IDObjectID, oid: oid}
}

func (v *objectIDVariant) Parse(text string) (ID, error) {
	if !IsObjectIDText(text) {
		return ID{}, errors.Newf("minileaf: %q is not a valid object id", text)
	}
	raw, err := hex.DecodeString(text)
	if err != nil {
		return ID{}, errors.Wrap(err, "parse object id")
	}
	var oid [12]byte
	copy(oid[:], raw)
	return ID{kind: IDObjectID, oid: oid}, nil
}

// --- UUID variant, generated with google/uuid rather than a hand-rolled
// random-hex wrapper. ---

type uuidVariant struct{}

func (uuidVariant) Kind() IDKind { return IDUUID }

func (uuidVariant) Generate() ID {
	return ID{kind: IDUUID, uid: uuid.New()}
}

func (uuidVariant) Parse(text string) (ID, error) {
	u, err := uuid.Parse(text)
	if err != nil {
		return ID{}, errors.Wrap(err, "parse uuid")
	}
	return ID{kind: IDUUID, uid: u}, nil
}

// --- Text variant: caller-supplied identifiers; Generate produces a random
// hex string so callers who never supply an id still get a usable one. ---

type textVariant struct{}

func (textVariant) Kind() IDKind { return IDText }

func (textVariant) Generate() ID {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	return ID{kind: IDText, text: hex.EncodeToString(raw[:])}
}

func (textVariant) Parse(text string) (ID, error) {
	if text == "" {
		return ID{}, errors.New("minileaf: empty text id")
	}
	return ID{kind: IDText, text: text}, nil
}

// --- Int64 variant: process-wide monotonic counters, one per collection
// name, owned by a registry rather than a free-floating package variable, so
// tests can reset a single collection's state without disturbing others. ---

type int64Registry struct {
	mu       sync.Mutex
	counters map[string]*atomic.Int64
}

var globalInt64Registry = &int64Registry{counters: make(map[string]*atomic.Int64)}

func (r *int64Registry) counterFor(collection string) *atomic.Int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[collection]
	if !ok {
		c = &atomic.Int64{}
		r.counters[collection] = c
	}
	return c
}

// ResetInt64Sequence resets the auto-increment counter for a collection name.
// Exposed for tests; production code never needs it.
func ResetInt64Sequence(collection string) {
	globalInt64Registry.mu.Lock()
	defer globalInt64Registry.mu.Unlock()
	delete(globalInt64Registry.counters, collection)
}

type int64Variant struct {
	collection string
}

func (v int64Variant) Kind() IDKind { return IDInt64 }

func (v int64Variant) Generate() ID {
	next := globalInt64Registry.counterFor(v.collection).Add(1)
	return ID{kind: IDInt64, num: next}
}

func (int64Variant) Parse(text string) (ID, error) {
	var n int64
	neg := false
	i := 0
	if len(text) > 0 && (text[0] == '-' || text[0] == '+') {
		neg = text[0] == '-'
		i = 1
	}
	if i >= len(text) {
		return ID{}, errors.Newf("minileaf: %q is not a valid int64 id", text)
	}
	for ; i < len(text); i++ {
		c := text[i]
		if c < '0' || c > '9' {
			return ID{}, errors.Newf("minileaf: %q is not a valid int64 id", text)
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return ID{kind: IDInt64, num: n}, nil
}

// variantFor returns the IDVariant implementation for a kind, scoped to a
// collection name (only meaningful for the Int64 variant's counter).
func variantFor(kind IDKind, collection string) IDVariant {
	switch kind {
	case IDObjectID:
		return newObjectIDVariant()
	case IDUUID:
		return uuidVariant{}
	case IDText:
		return textVariant{}
	case IDInt64:
		return int64Variant{collection: collection}
	default:
		panic("minileaf: unknown id kind")
	}
}

// ExtractID reads the id field from a document, honoring the _id/id alias,
// and parses it according to kind.
func ExtractID(doc Document, kind IDKind) (ID, bool) {
	v, ok := lookupIDValue(doc)
	if !ok {
		return ID{}, false
	}
	switch kind {
	case IDInt64:
		n, ok := v.AsInt64()
		if !ok {
			return ID{}, false
		}
		return ID{kind: IDInt64, num: n}, true
	default:
		variant := variantFor(kind, "")
		id, err := variant.Parse(v.StringKey())
		if err != nil {
			return ID{}, false
		}
		return id, true
	}
}

// WriteID writes id into doc under whichever of _id/id is already present,
// defaulting to _id.
func WriteID(doc Document, id ID) {
	doc[idFieldName(doc)] = id.AsValue()
}
