package gls

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_PerGoroutine(t *testing.T) {
	m := NewMap[string]()

	m.Set("main")
	v, ok := m.Get()
	require.True(t, ok)
	assert.Equal(t, "main", v)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, ok := m.Get()
		assert.False(t, ok, "a fresh goroutine must not see another goroutine's value")
		m.Set("child")
		v, ok := m.Get()
		require.True(t, ok)
		assert.Equal(t, "child", v)
	}()
	wg.Wait()

	v, ok = m.Get()
	require.True(t, ok)
	assert.Equal(t, "main", v, "setting from a child goroutine must not leak back")
}

func TestMap_Clear(t *testing.T) {
	m := NewMap[int]()
	m.Set(42)
	m.Clear()
	_, ok := m.Get()
	assert.False(t, ok)
}

func TestID_Stable(t *testing.T) {
	a := ID()
	b := ID()
	assert.Equal(t, a, b)
}
