package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncWriter_PutThenTrim(t *testing.T) {
	s := createTestStorage(t)
	b := s.Bucket("api")

	var mu sync.Mutex
	var results []WriteResult
	w := NewAsyncWriter(1, 128, func(r WriteResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})
	defer func() { _ = w.Close() }()

	for i := 0; i < 55; i++ {
		require.True(t, w.Put(b, key(fmt.Sprintf("/api/%d", i)), jsonResponse(200, `{}`), 50))
	}
	w.Wait()

	n, err := b.Len()
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 55)
	evicted := 0
	for _, r := range results {
		assert.NoError(t, r.Err)
		evicted += r.Evicted
	}
	assert.Equal(t, 5, evicted)
}

func TestAsyncWriter_FailuresAreReportedNotRaised(t *testing.T) {
	s := createTestStorage(t)

	var got WriteResult
	w := NewAsyncWriter(1, 4, func(r WriteResult) { got = r })
	defer func() { _ = w.Close() }()

	require.True(t, w.Put(s.Bucket("api"), "DELETE https://example.test/api/x", jsonResponse(200, `{}`), 50))
	w.Wait()

	assert.ErrorIs(t, got.Err, ErrNotCacheable)
	assert.Equal(t, OpPut, got.Op)
}

func TestAsyncWriter_RejectsAfterClose(t *testing.T) {
	s := createTestStorage(t)
	w := NewAsyncWriter(2, 0, nil)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.False(t, w.Put(s.Bucket("api"), key("/api/a"), jsonResponse(200, `{}`), 50))
	assert.False(t, w.Trim(s.Bucket("api"), 50))
}
