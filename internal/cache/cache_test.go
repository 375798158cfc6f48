package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpmirror/pkg/domain"
)

type memStore struct {
	mu    sync.Mutex
	saved map[string][]byte
}

func (s *memStore) LoadBody(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.saved[key]
	return v, ok, nil
}

func (s *memStore) SaveBody(_ context.Context, key string, _ domain.ResourceType, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[key] = body
	return nil
}

func TestCache_DoIsIdempotent(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	body := []byte("var a = 1;")
	key := KeyOf(body, domain.ResourceScript, "v1")
	calls := 0
	fn := func() ([]byte, error) {
		calls++
		return []byte("var a = 2;"), nil
	}

	first, hit, err := c.Do(context.Background(), key, domain.ResourceScript, fn)
	require.NoError(t, err)
	assert.False(t, hit)

	for i := 0; i < 5; i++ {
		got, hit, err := c.Do(context.Background(), key, domain.ResourceScript, fn)
		require.NoError(t, err)
		assert.True(t, hit)
		assert.Equal(t, first, got)
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, Stats{Entries: 1, Hits: 5, Misses: 1}, c.Stats())
}

func TestCache_ConcurrentFirstSightComputesOnce(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func() ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("out"), nil
	}

	key := KeyOf([]byte("same"), domain.ResourceScript, "v1")
	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := c.Do(context.Background(), key, domain.ResourceScript, fn)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "out", string(r))
	}
	assert.Equal(t, 1, c.Len())
}

func TestCache_ErrorIsNotCached(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	key := KeyOf([]byte("bad"), domain.ResourceScript, "v1")
	boom := errors.New("boom")

	_, _, err = c.Do(context.Background(), key, domain.ResourceScript, func() ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	v, hit, err := c.Do(context.Background(), key, domain.ResourceScript, func() ([]byte, error) { return []byte("ok"), nil })
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "ok", string(v))
}

func TestCache_PutKeepsFirstValue(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	c.Put("k", []byte("first"))
	c.Put("k", []byte("second"))
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "first", string(v))
}

func TestCache_LRUBound(t *testing.T) {
	c, err := New(Options{MaxEntries: 2})
	require.NoError(t, err)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Put("c", []byte("3"))
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCache_StoreTier(t *testing.T) {
	st := &memStore{saved: map[string][]byte{}}
	c, err := New(Options{Store: st})
	require.NoError(t, err)

	key := KeyOf([]byte("x"), domain.ResourceScript, "v1")
	_, _, err = c.Do(context.Background(), key, domain.ResourceScript, func() ([]byte, error) { return []byte("y"), nil })
	require.NoError(t, err)
	assert.Equal(t, "y", string(st.saved[key]))

	// 新进程：内存为空，从持久层恢复，不再计算
	c2, err := New(Options{Store: st})
	require.NoError(t, err)
	v, _, err := c2.Do(context.Background(), key, domain.ResourceScript, func() ([]byte, error) {
		t.Fatal("transform must not run")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "y", string(v))
}

func TestCache_ContextCancelled(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := make(chan struct{})
	defer close(block)
	_, _, err = c.Do(ctx, "k", domain.ResourceScript, func() ([]byte, error) {
		<-block
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeyOf(t *testing.T) {
	a := KeyOf([]byte("same"), domain.ResourceScript, "v1")
	assert.Equal(t, a, KeyOf([]byte("same"), domain.ResourceScript, "v1"))
	assert.NotEqual(t, a, KeyOf([]byte("other"), domain.ResourceScript, "v1"))
	assert.NotEqual(t, a, KeyOf([]byte("same"), domain.ResourceScript, "v2"))
	assert.NotEqual(t, a, KeyOf([]byte("same"), domain.ResourceDocument, "v1"))
}
