package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorage_PutAndGet(t *testing.T) {
	t.Parallel()

	s := NewMemStorage()
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Put(1, []byte("value1")))

	data, found, err := s.Get(1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("value1"), data)
}

func TestMemStorage_GetNotFound(t *testing.T) {
	t.Parallel()

	s := NewMemStorage()
	t.Cleanup(func() { _ = s.Close() })

	data, found, err := s.Get(42)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, data)
}

func TestMemStorage_Delete(t *testing.T) {
	t.Parallel()

	s := NewMemStorage()
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Put(1, []byte("value1")))
	require.NoError(t, s.Delete(1))

	_, found, err := s.Get(1)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, s.Len())
}

func TestMemStorage_KeysSorted(t *testing.T) {
	t.Parallel()

	s := NewMemStorage()
	t.Cleanup(func() { _ = s.Close() })

	for _, seq := range []uint64{7, 3, 11, 1} {
		require.NoError(t, s.Put(seq, []byte("v")))
	}

	assert.Equal(t, []uint64{1, 3, 7, 11}, s.Keys())
	assert.Equal(t, 4, s.Len())
}

func TestMemStorage_Reset(t *testing.T) {
	t.Parallel()

	s := NewMemStorage()
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Put(1, []byte("v1")))
	require.NoError(t, s.Put(2, []byte("v2")))
	require.NoError(t, s.Reset())

	assert.Empty(t, s.Keys())
}

func TestMemStorage_CopiesData(t *testing.T) {
	t.Parallel()

	s := NewMemStorage()
	t.Cleanup(func() { _ = s.Close() })

	original := []byte("original")
	require.NoError(t, s.Put(1, original))

	original[0] = 'X'

	loaded, _, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, byte('o'), loaded[0])

	loaded[0] = 'Y'

	loaded2, _, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, byte('o'), loaded2[0])
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	type record struct {
		Name string    `msgpack:"n"`
		Size int       `msgpack:"s"`
		At   time.Time `msgpack:"t"`
	}
	in := record{Name: "TCP", Size: 60, At: time.Unix(1700000000, 0).UTC()}

	data, err := Encode(in)
	require.NoError(t, err)

	var out record
	require.NoError(t, Decode(data, &out))
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Size, out.Size)
	assert.True(t, in.At.Equal(out.At))
}

func TestDecode_Invalid(t *testing.T) {
	t.Parallel()

	var out struct{ N int }
	assert.Error(t, Decode([]byte{0xc1}, &out))
}
