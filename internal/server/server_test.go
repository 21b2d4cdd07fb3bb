package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Kush-Singh-26/vallenato/engine/cache"
	"github.com/Kush-Singh-26/vallenato/engine/config"
	"github.com/Kush-Singh-26/vallenato/engine/models"
)

type harness struct {
	upstream *httptest.Server
	base     string
	hits     atomic.Int64
	storage  *cache.Storage
	cfgFs    afero.Fs
	server   *Server
	proxy    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessAt(t, "")
}

// newHarnessAt mounts the upstream application under base
func newHarnessAt(t *testing.T, base string) *harness {
	t.Helper()
	h := &harness{base: base}
	h.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		if !strings.HasPrefix(r.URL.Path, h.base) {
			http.NotFound(w, r)
			return
		}
		p := strings.TrimPrefix(r.URL.Path, h.base)
		switch {
		case r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(append([]byte("created "), body...))
		case p == "/big.js":
			_, _ = w.Write([]byte(strings.Repeat("console.log('vallenato');\n", 200)))
		case strings.HasSuffix(p, "/progress"):
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"progress_of":"` + r.Header.Get("Cookie") + `"}`))
		case strings.HasPrefix(p, "/api/"):
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"path":"` + p + `","q":"` + r.URL.RawQuery + `"}`))
		default:
			_, _ = w.Write([]byte("ok " + p))
		}
	}))
	t.Cleanup(h.upstream.Close)

	s, err := cache.Open(t.TempDir(), cache.Options{NoSync: true})
	require.NoError(t, err)
	h.storage = s

	h.cfgFs = afero.NewMemMapFs()
	cfg := config.Default()
	cfg.Upstream = h.upstream.URL + base

	h.server, err = New(context.Background(), Options{
		Config:     cfg,
		Storage:    s,
		ConfigFs:   h.cfgFs,
		ConfigPath: "vallenato.yaml",
		Overrides:  func(c *config.Config) { c.Upstream = h.upstream.URL + base },
	})
	require.NoError(t, err)

	h.proxy = httptest.NewServer(h.server.Handler())
	t.Cleanup(func() {
		h.proxy.Close()
		h.server.current.Shutdown()
		_ = s.Close()
	})
	return h
}

func (h *harness) get(t *testing.T, path string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.proxy.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestProxy_StaticServedFromCache(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		resp := h.get(t, "/assets/app.js", map[string]string{"Sec-Fetch-Dest": "script"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok /assets/app.js", readBody(t, resp))
	}
	assert.Equal(t, int64(1), h.hits.Load())
}

func TestProxy_QueryIsPartOfKey(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/api/courses?page=2", nil)
	assert.Equal(t, `{"path":"/api/courses","q":"page=2"}`, readBody(t, resp))
	h.server.Current().Wait()

	e, name, err := h.storage.Match("GET " + h.upstream.URL + "/api/courses?page=2")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "vallenato-api-v4", name)
}

func TestProxy_UpstreamBasePathKeepsRouting(t *testing.T) {
	h := newHarnessAt(t, "/backend")

	resp := h.get(t, "/cursos/42/cover.png", map[string]string{"Sec-Fetch-Dest": "image"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok /cursos/42/cover.png", readBody(t, resp))
	h.server.Current().Wait()

	names, err := h.storage.Names()
	require.NoError(t, err)
	assert.Empty(t, names, "private routes are never cached")

	w := h.server.Current()
	for path, rule := range map[string]string{
		"/cursos/42/cover.png": "private-route",
		"/api/auth/session":    "auth",
		"/api/courses":         "api",
	} {
		r := httptest.NewRequest(http.MethodGet, "http://proxy.local"+path, nil)
		assert.Equal(t, rule, w.Classify(toModel(r, w)).Rule, path)
	}

	resp = h.get(t, "/api/courses", nil)
	assert.Equal(t, `{"path":"/api/courses","q":""}`, readBody(t, resp))
	h.server.Current().Wait()

	e, name, err := h.storage.Match("GET " + h.upstream.URL + "/backend/api/courses")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "vallenato-api-v4", name)
}

func TestProxy_OfflineAPIIsNotSharedBetweenUsers(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/api/courses/42/progress", map[string]string{"Cookie": "session=alice"})
	assert.Equal(t, `{"progress_of":"session=alice"}`, readBody(t, resp))
	h.server.Current().Wait()

	h.upstream.Close()

	resp = h.get(t, "/api/courses/42/progress", map[string]string{"Cookie": "session=bob"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.True(t, gjson.Get(readBody(t, resp), "offline").Bool())

	resp = h.get(t, "/api/courses/42/progress", map[string]string{"Cookie": "session=alice"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "session=alice", gjson.Get(readBody(t, resp), "progress_of").String())
}

func TestProxy_NonGetPassesThrough(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Post(h.proxy.URL+"/api/courses", "application/json", strings.NewReader(`{"title":"Paseo"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `created {"title":"Paseo"}`, readBody(t, resp))

	names, err := h.storage.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestProxy_OfflineAPI(t *testing.T) {
	h := newHarness(t)
	h.upstream.Close()

	resp := h.get(t, "/api/courses/99", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body := readBody(t, resp)
	assert.Equal(t, "Offline", gjson.Get(body, "error").String())
	assert.True(t, gjson.Get(body, "offline").Bool())
}

func TestProxy_UnmatchedOfflineIsBadGateway(t *testing.T) {
	h := newHarness(t)
	h.upstream.Close()

	resp := h.get(t, "/robots.txt", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestProxy_Gzip(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/big.js", map[string]string{"Sec-Fetch-Dest": "script", "Accept-Encoding": "gzip"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
}

func TestStatsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.get(t, "/assets/app.js", map[string]string{"Sec-Fetch-Dest": "script"})

	resp := h.get(t, StatsPath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)

	assert.Equal(t, "v4", gjson.Get(body, "version").String())
	assert.Equal(t, "activated", gjson.Get(body, "state").String())
	assert.Equal(t, int64(3), gjson.Get(body, "buckets.#").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "metrics.cache_first").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "metrics.cache_misses").Int())
}

func TestServiceWorkerEndpoint(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, ServiceWorkerPath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
	assert.Contains(t, readBody(t, resp), "vallenato-api-v4")
}

func TestReload_NewVersionPurgesOldBuckets(t *testing.T) {
	h := newHarness(t)
	h.get(t, "/assets/app.js", map[string]string{"Sec-Fetch-Dest": "script"})
	old := h.server.Current()

	require.NoError(t, afero.WriteFile(h.cfgFs, "vallenato.yaml", []byte("cacheVersion: v5\n"), 0644))
	require.NoError(t, h.server.Reload(context.Background()))

	cur := h.server.Current()
	assert.NotSame(t, old, cur)
	assert.Equal(t, "v5", cur.Versions().Version)
	assert.Equal(t, "redundant", old.State().String())

	has, err := h.storage.Has("vallenato-static-v4")
	require.NoError(t, err)
	assert.False(t, has)

	// the asset is fetched again into the new generation's bucket
	h.get(t, "/assets/app.js", map[string]string{"Sec-Fetch-Dest": "script"})
	assert.Equal(t, int64(2), h.hits.Load())
}

func TestReload_InvalidConfigKeepsGeneration(t *testing.T) {
	h := newHarness(t)
	before := h.server.Current()

	require.NoError(t, afero.WriteFile(h.cfgFs, "vallenato.yaml", []byte("maxCacheItems: -3\n"), 0644))
	assert.Error(t, h.server.Reload(context.Background()))
	assert.Same(t, before, h.server.Current())
}

func TestServe_GracefulShutdown(t *testing.T) {
	h := newHarness(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.server.Serve(ctx, l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/assets/x.css")
	require.NoError(t, err)
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.Nil(t, h.server.Current())
}

func TestToModel(t *testing.T) {
	h := newHarness(t)
	r := httptest.NewRequest(http.MethodGet, "http://proxy.local/api/courses?x=1", nil)
	r.Header.Set("Sec-Fetch-Dest", "empty")
	r.Header.Set("Accept", "application/json")

	req := toModel(r, h.server.Current())
	assert.Equal(t, h.upstream.URL+"/api/courses?x=1", req.URL.String())
	assert.Equal(t, models.DestinationEmpty, req.Destination)
	assert.Equal(t, "application/json", req.Accept())
	assert.Equal(t, "/api/courses", req.Route)
}

func TestToModel_KeepsEscapedSegments(t *testing.T) {
	h := newHarnessAt(t, "/backend")
	r := httptest.NewRequest(http.MethodGet, "http://proxy.local/files/a%2Fb.png", nil)

	req := toModel(r, h.server.Current())
	assert.Equal(t, h.upstream.URL+"/backend/files/a%2Fb.png", req.URL.String())
	assert.Equal(t, "/files/a/b.png", req.Route)
}

func TestJoinURLPath(t *testing.T) {
	for _, tc := range []struct {
		base, path, wantPath, wantRaw string
	}{
		{"http://u", "/a.js", "/a.js", ""},
		{"http://u/backend", "/a.js", "/backend/a.js", ""},
		{"http://u/backend/", "/a.js", "/backend/a.js", ""},
		{"http://u/backend", "/a%2Fb", "/backend/a/b", "/backend/a%2Fb"},
	} {
		a, err := url.Parse(tc.base)
		require.NoError(t, err)
		b, err := url.Parse(tc.path)
		require.NoError(t, err)

		path, raw := joinURLPath(a, b)
		assert.Equal(t, tc.wantPath, path, tc.base+tc.path)
		assert.Equal(t, tc.wantRaw, raw, tc.base+tc.path)
	}
}

func TestWatchConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vallenato.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cacheVersion: v4\n"), 0644))

	var calls atomic.Int64
	w, err := WatchConfig(path, 20*time.Millisecond, func() { calls.Add(1) })
	require.NoError(t, err)
	defer w.Close()

	// a burst of writes is one reload
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("cacheVersion: v5\n"), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
}
