package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func key(b byte) [32]byte {
	var k [32]byte
	k[0] = b
	return k
}

func TestSetGetRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	s.Set(key(1), []byte("value"))
	v, ok := s.Get(key(1))
	assert.True(t, ok)
	assert.Equal(t, []byte("value"), v)
}

func TestGetMissingKey(t *testing.T) {
	s := NewMemoryStore()
	_, ok := s.Get(key(1))
	assert.False(t, ok)
}

func TestSetOverwritesPreviousValue(t *testing.T) {
	s := NewMemoryStore()
	s.Set(key(1), []byte("first"))
	s.Set(key(1), []byte("second"))
	v, _ := s.Get(key(1))
	assert.Equal(t, []byte("second"), v)
	assert.Equal(t, 1, s.Len())
}

func TestDeleteRemovesKey(t *testing.T) {
	s := NewMemoryStore()
	s.Set(key(1), []byte("value"))
	s.Delete(key(1))
	_, ok := s.Get(key(1))
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestKeysReturnsAllHeldKeys(t *testing.T) {
	s := NewMemoryStore()
	s.Set(key(1), []byte("a"))
	s.Set(key(2), []byte("b"))
	assert.Len(t, s.Keys(), 2)
}
