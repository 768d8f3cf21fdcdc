package rpcstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dht3k/kaddht/internal/id"
)

func TestRegisterResolveRoundTrip(t *testing.T) {
	s := New(time.Second)
	key := id.MustRandomID()
	s.Register(key, "a waiter")

	v, ok := s.Resolve(key)
	require.True(t, ok)
	assert.Equal(t, "a waiter", v)
	assert.Equal(t, 0, s.Len())
}

func TestResolveUnknownKeyReturnsFalse(t *testing.T) {
	s := New(time.Second)
	_, ok := s.Resolve(id.MustRandomID())
	assert.False(t, ok)
}

func TestResolveIsOneShot(t *testing.T) {
	s := New(time.Second)
	key := id.MustRandomID()
	s.Register(key, 1)
	_, ok := s.Resolve(key)
	require.True(t, ok)
	_, ok = s.Resolve(key)
	assert.False(t, ok)
}

func TestForgetRemovesWithoutResolving(t *testing.T) {
	s := New(time.Second)
	key := id.MustRandomID()
	s.Register(key, 1)
	s.Forget(key)
	assert.Equal(t, 0, s.Len())
	_, ok := s.Resolve(key)
	assert.False(t, ok)
}

func TestGCReapsStaleEntries(t *testing.T) {
	s := New(30 * time.Second)
	base := time.Now()
	nowFunc = func() time.Time { return base }
	defer func() { nowFunc = time.Now }()

	key := id.MustRandomID()
	s.Register(key, 1)
	require.Equal(t, 1, s.Len())

	nowFunc = func() time.Time { return base.Add(29 * time.Second) }
	assert.Equal(t, 0, s.GC())
	assert.Equal(t, 1, s.Len())

	nowFunc = func() time.Time { return base.Add(31 * time.Second) }
	assert.Equal(t, 1, s.GC())
	assert.Equal(t, 0, s.Len())
}
