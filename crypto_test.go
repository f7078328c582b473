package minileaf

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := newCipherBox(key)
	require.NoError(t, err)

	plain := []byte("the quick brown fox")
	sealed, err := box.Seal(plain)
	require.NoError(t, err)
	assert.Equal(t, len(plain)+aeadOverhead, len(sealed))

	got, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := newCipherBox(key)
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = box.Open(sealed)
	assert.True(t, errors.Is(err, ErrCorruptedCipher))
}

func TestOpenRejectsTruncatedBlob(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := newCipherBox(key)
	require.NoError(t, err)

	_, err = box.Open([]byte{1, 2, 3})
	assert.True(t, errors.Is(err, ErrCorruptedCipher))
}

func TestCipherBoxRejectsShortKey(t *testing.T) {
	_, err := newCipherBox([]byte("too short"))
	assert.Error(t, err)
}

func TestFramedRecordIO(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFramed(&buf, []byte("one")))
	require.NoError(t, writeFramed(&buf, []byte("second record")))

	r := bytes.NewReader(buf.Bytes())
	first, err := readFramed(r, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), first)
	second, err := readFramed(r, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, []byte("second record"), second)
}

func TestReadFramedRejectsOversizedPrefix(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFramed(&buf, make([]byte, 100)))
	_, err := readFramed(bytes.NewReader(buf.Bytes()), 10)
	assert.Error(t, err)
}
