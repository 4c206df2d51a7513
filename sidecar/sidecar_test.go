package sidecar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	db := New()
	db.Set("a.txt", Entry{Mtime: 100, Size: 10})
	db.Set("sub/b.txt", Entry{Mtime: 200, Size: 20})

	blob, err := Encode(db)
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	decoded := Decode(blob)
	assert.Equal(t, 2, decoded.Len())
	e, ok := decoded.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, Entry{Mtime: 100, Size: 10}, e)
	e, ok = decoded.Get("sub/b.txt")
	require.True(t, ok)
	assert.Equal(t, Entry{Mtime: 200, Size: 20}, e)
}

func TestDecodeGarbageDegradesToEmpty(t *testing.T) {
	db := Decode([]byte("not a sqlite file"))
	assert.Equal(t, 0, db.Len())
}

func TestDecodeEmptyBlobDegradesToEmpty(t *testing.T) {
	db := Decode(nil)
	assert.Equal(t, 0, db.Len())
}

func TestSetOverwritesExistingEntry(t *testing.T) {
	db := New()
	db.Set("a.txt", Entry{Mtime: 1, Size: 1})
	db.Set("a.txt", Entry{Mtime: 2, Size: 2})
	e, ok := db.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, Entry{Mtime: 2, Size: 2}, e)
}

func TestDeleteRemovesEntry(t *testing.T) {
	db := New()
	db.Set("a.txt", Entry{Mtime: 1, Size: 1})
	db.Delete("a.txt")
	_, ok := db.Get("a.txt")
	assert.False(t, ok)
}
