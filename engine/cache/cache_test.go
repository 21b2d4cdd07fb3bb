package cache

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kush-Singh-26/vallenato/engine/models"
)

// createTestStorage opens storage in a temp dir and closes it on cleanup
func createTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(t.TempDir(), Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func jsonResponse(status int, body string) *models.Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &models.Response{Status: status, Header: h, Body: []byte(body)}
}

func key(path string) string {
	return "GET https://example.test" + path
}

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	s, err := Open(dir, Options{NoSync: true})
	require.NoError(t, err)
	defer func() { assert.NoError(t, s.Close()) }()

	assert.FileExists(t, filepath.Join(dir, "cache.db"))
	names, err := s.Names()
	require.NoError(t, err)
	assert.Empty(t, names, "meta bucket must not be listed")

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, stats.SchemaVersion)
}

func TestBucket_CreatedLazilyOnFirstWrite(t *testing.T) {
	s := createTestStorage(t)
	b := s.Bucket("vallenato-api-v4")

	resp, err := b.Match(key("/api/courses"))
	require.NoError(t, err)
	assert.Nil(t, resp)

	has, err := s.Has("vallenato-api-v4")
	require.NoError(t, err)
	assert.False(t, has, "lookups must not create the bucket")

	require.NoError(t, b.Put(key("/api/courses"), jsonResponse(200, `[]`)))

	has, err = s.Has("vallenato-api-v4")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestBucket_PutAndMatchRoundTrip(t *testing.T) {
	s := createTestStorage(t)
	b := s.Bucket("api")

	original := jsonResponse(201, `{"id":42}`)
	original.Header.Add("X-Multi", "a")
	original.Header.Add("X-Multi", "b")
	require.NoError(t, b.Put(key("/api/courses/42"), original))

	got, err := b.Match(key("/api/courses/42"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 201, got.Status)
	assert.Equal(t, `{"id":42}`, string(got.Body))
	assert.Equal(t, []string{"a", "b"}, got.Header.Values("X-Multi"))

	// mutating the returned copy must not leak into storage
	got.Body[0] = 'X'
	again, err := b.Match(key("/api/courses/42"))
	require.NoError(t, err)
	assert.Equal(t, `{"id":42}`, string(again.Body))
}

func TestBucket_RejectsNonGETKeys(t *testing.T) {
	s := createTestStorage(t)
	err := s.Bucket("api").Put("POST https://example.test/api/courses", jsonResponse(200, `{}`))
	assert.ErrorIs(t, err, ErrNotCacheable)
}

func TestBucket_ReservedNames(t *testing.T) {
	s := createTestStorage(t)
	err := s.Bucket(BucketMeta).Put(key("/x"), jsonResponse(200, `{}`))
	assert.ErrorIs(t, err, ErrReservedName)

	_, err = s.Delete(BucketMeta)
	assert.ErrorIs(t, err, ErrReservedName)
}

func TestBucket_KeysKeepInsertionOrder(t *testing.T) {
	s := createTestStorage(t)
	b := s.Bucket("static")

	for _, p := range []string{"/c.js", "/a.js", "/b.js"} {
		require.NoError(t, b.Put(key(p), jsonResponse(200, p)))
	}

	keys, err := b.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{key("/c.js"), key("/a.js"), key("/b.js")}, keys)
}

func TestBucket_Entries(t *testing.T) {
	s := createTestStorage(t)
	b := s.Bucket("static")

	_, err := b.Entries()
	assert.ErrorIs(t, err, ErrBucketNotFound)

	require.NoError(t, b.Put(key("/b.js"), jsonResponse(200, "b")))
	require.NoError(t, b.Put(key("/a.js"), jsonResponse(404, "a")))

	entries, err := b.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, key("/b.js"), entries[0].Key)
	assert.Equal(t, 404, entries[1].Status)
}

func TestBucket_RePutMovesKeyToBack(t *testing.T) {
	s := createTestStorage(t)
	b := s.Bucket("static")

	require.NoError(t, b.Put(key("/a.js"), jsonResponse(200, "1")))
	require.NoError(t, b.Put(key("/b.js"), jsonResponse(200, "2")))
	require.NoError(t, b.Put(key("/a.js"), jsonResponse(200, "3")))

	keys, err := b.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{key("/b.js"), key("/a.js")}, keys)

	n, err := b.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := b.Match(key("/a.js"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(got.Body))
}

func TestBucket_TrimKeepsMostRecent(t *testing.T) {
	s := createTestStorage(t)
	b := s.Bucket("api")

	for i := 0; i < 55; i++ {
		require.NoError(t, b.Put(key(fmt.Sprintf("/api/item/%d", i)), jsonResponse(200, `{}`)))
	}

	evicted, err := b.Trim(50)
	require.NoError(t, err)
	assert.Equal(t, 5, evicted)

	keys, err := b.Keys()
	require.NoError(t, err)
	require.Len(t, keys, 50)
	assert.Equal(t, key("/api/item/5"), keys[0])
	assert.Equal(t, key("/api/item/54"), keys[49])

	for i := 0; i < 5; i++ {
		resp, err := b.Match(key(fmt.Sprintf("/api/item/%d", i)))
		require.NoError(t, err)
		assert.Nil(t, resp, "item %d should be evicted", i)
	}

	problems, err := s.Verify()
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestBucket_TrimUnderLimitIsNoop(t *testing.T) {
	s := createTestStorage(t)
	b := s.Bucket("api")
	require.NoError(t, b.Put(key("/api/a"), jsonResponse(200, `{}`)))

	evicted, err := b.Trim(50)
	require.NoError(t, err)
	assert.Zero(t, evicted)

	evicted, err = b.Trim(0)
	require.NoError(t, err)
	assert.Zero(t, evicted, "limit 0 means unbounded")

	evicted, err = s.Bucket("missing").Trim(1)
	require.NoError(t, err)
	assert.Zero(t, evicted)
}

func TestBucket_Remove(t *testing.T) {
	s := createTestStorage(t)
	b := s.Bucket("api")
	require.NoError(t, b.Put(key("/api/a"), jsonResponse(200, `{}`)))

	removed, err := b.Remove(key("/api/a"))
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = b.Remove(key("/api/a"))
	require.NoError(t, err)
	assert.False(t, removed)

	keys, err := b.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStorage_LargeBodiesGoToBlobStore(t *testing.T) {
	s := createTestStorage(t)
	b := s.Bucket("static")

	body := bytes.Repeat([]byte("console.log('vallenato');\n"), 10000)
	resp := &models.Response{Status: 200, Header: make(http.Header), Body: body}
	require.NoError(t, b.Put(key("/app.js"), resp))

	e, err := b.Entry(key("/app.js"))
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.False(t, e.Inline())
	assert.True(t, e.Compressed)
	assert.Equal(t, HashContent(body), e.BodyHash)

	got, err := b.Match(key("/app.js"))
	require.NoError(t, err)
	assert.Equal(t, body, got.Body)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BlobEntries)
	assert.Equal(t, 1, stats.StoreBlobs)
	assert.Less(t, stats.StoreBytes, int64(len(body)))
}

func TestStorage_DeleteAndNames(t *testing.T) {
	s := createTestStorage(t)
	for _, name := range []string{"b-v4", "a-v3", "c-v4"} {
		require.NoError(t, s.Bucket(name).Put(key("/x"), jsonResponse(200, `{}`)))
	}

	names, err := s.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"a-v3", "b-v4", "c-v4"}, names)

	deleted, err := s.Delete("a-v3")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete("a-v3")
	require.NoError(t, err)
	assert.False(t, deleted)

	names, err = s.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"b-v4", "c-v4"}, names)
}

func TestStorage_MatchAcrossBuckets(t *testing.T) {
	s := createTestStorage(t)
	require.NoError(t, s.Bucket("api").Put(key("/api/a"), jsonResponse(200, `{"a":1}`)))

	e, name, err := s.Match(key("/api/a"))
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "api", name)

	e, _, err = s.Match(key("/api/none"))
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestStorage_GCRemovesOrphanedBlobs(t *testing.T) {
	s := createTestStorage(t)
	body := bytes.Repeat([]byte("x"), InlineBodyThreshold+1)
	resp := &models.Response{Status: 200, Header: make(http.Header), Body: body}

	require.NoError(t, s.Bucket("static-v3").Put(key("/old.js"), resp))
	keep := append([]byte("keep"), body...)
	require.NoError(t, s.Bucket("static-v4").Put(key("/new.js"), &models.Response{Status: 200, Body: keep}))

	_, err := s.Delete("static-v3")
	require.NoError(t, err)

	dry, err := s.RunGC(GCConfig{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, dry.ScannedBlobs)
	assert.Equal(t, 1, dry.DeletedBlobs)
	assert.True(t, s.Store().Exists(categoryBodies, HashContent(body)), "dry run must not delete")

	res, err := s.RunGC(GCConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedBlobs)
	assert.Equal(t, 1, res.LiveBlobs)
	assert.False(t, s.Store().Exists(categoryBodies, HashContent(body)))
	assert.True(t, s.Store().Exists(categoryBodies, HashContent(keep)))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.NotZero(t, stats.LastGC)
}

func TestStorage_GCKeepsYoungBlobs(t *testing.T) {
	s := createTestStorage(t)
	body := bytes.Repeat([]byte("y"), InlineBodyThreshold+1)
	require.NoError(t, s.Bucket("static").Put(key("/y.js"), &models.Response{Status: 200, Body: body}))
	_, err := s.Delete("static")
	require.NoError(t, err)

	res, err := s.RunGC(DefaultGCConfig())
	require.NoError(t, err)
	assert.Zero(t, res.DeletedBlobs)
}

func TestStorage_Clear(t *testing.T) {
	s := createTestStorage(t)
	require.NoError(t, s.Bucket("api").Put(key("/api/a"), jsonResponse(200, `{}`)))
	require.NoError(t, s.Clear())

	names, err := s.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStorage_ClosedOperationsFail(t *testing.T) {
	s, err := Open(t.TempDir(), Options{NoSync: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close must be idempotent")

	_, err = s.Names()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Bucket("api").Put(key("/a"), jsonResponse(200, `{}`)), ErrClosed)
	_, err = s.Bucket("api").Match(key("/a"))
	assert.ErrorIs(t, err, ErrClosed)
}
