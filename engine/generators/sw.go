// Package generators renders the browser service worker that applies the
// same caching policy as the proxy, for deployments that cache client-side.
package generators

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"text/template"

	"github.com/spf13/afero"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"

	"github.com/Kush-Singh-26/vallenato/engine/config"
)

const swTemplate = `// generated by vallenato; do not edit
const CACHE_VERSION = {{ json .Version }};
const STATIC_CACHE = {{ json .Static }};
const RUNTIME_CACHE = {{ json .Runtime }};
const API_CACHE = {{ json .API }};
const CURRENT_CACHES = [STATIC_CACHE, RUNTIME_CACHE, API_CACHE];

const MAX_CACHE_ITEMS = {{ .MaxItems }};
const API_TIMEOUT = {{ .TimeoutMillis }};

const PRIVATE_ROUTES = {{ json .PrivatePrefixes }};
const AUTH_ROUTES = {{ json .AuthPrefixes }};
const API_PREFIX = {{ json .APIPrefix }};
const STATIC_DESTINATIONS = {{ json .StaticDestinations }};

self.addEventListener('install', () => {
    self.skipWaiting();
});

self.addEventListener('activate', (event) => {
    event.waitUntil(
        caches.keys()
            .then((names) => Promise.all(
                names.filter((name) => !CURRENT_CACHES.includes(name)).map((name) => caches.delete(name))
            ))
            .then(() => self.clients.claim())
    );
});

function offline(error, status) {
    return new Response(JSON.stringify({ error: error, offline: true }), {
        status: status,
        headers: { 'Content-Type': 'application/json', 'Cache-Control': 'no-store' }
    });
}

async function enforce(cacheName) {
    const cache = await caches.open(cacheName);
    const keys = await cache.keys();
    for (let i = 0; i < keys.length - MAX_CACHE_ITEMS; i++) {
        await cache.delete(keys[i]);
    }
}

async function cacheFirst(request) {
    const cached = await caches.match(request);
    if (cached) {
        return cached;
    }
    try {
        const response = await fetch(request);
        if (response.status === 200) {
            try {
                const cache = await caches.open(STATIC_CACHE);
                await cache.put(request, response.clone());
                enforce(STATIC_CACHE).catch(() => {});
            } catch (e) {}
        }
        return response;
    } catch (e) {
        return (await caches.match(request)) || offline('Offline', 503);
    }
}

async function networkFirst(request) {
    let timer;
    const timeout = new Promise((resolve) => {
        timer = setTimeout(() => resolve(null), API_TIMEOUT);
    });
    const network = fetch(request).then((response) => {
        if (response.ok) {
            const clone = response.clone();
            caches.open(API_CACHE)
                .then((cache) => cache.put(request, clone))
                .then(() => enforce(API_CACHE))
                .catch(() => {});
        }
        return response;
    });

    try {
        const response = await Promise.race([network, timeout]);
        clearTimeout(timer);
        if (response) {
            return response;
        }
        return (await caches.match(request)) || offline('Request Timeout', 504);
    } catch (e) {
        clearTimeout(timer);
        return (await caches.match(request)) || offline('Offline', 503);
    }
}

async function bypass(request) {
    try {
        return await fetch(request);
    } catch (e) {
        return offline('Offline', 503);
    }
}

function startsWithAny(path, prefixes) {
    return prefixes.some((p) => p && path.startsWith(p));
}

self.addEventListener('fetch', (event) => {
    const request = event.request;
    if (request.method !== 'GET') {
        return;
    }
    const url = new URL(request.url);
    const accept = request.headers.get('accept') || '';

    if (accept.includes('text/html')) {
        event.respondWith(bypass(request));
        return;
    }
    if (startsWithAny(url.pathname, PRIVATE_ROUTES) || startsWithAny(url.pathname, AUTH_ROUTES)) {
        event.respondWith(bypass(request));
        return;
    }
    if (STATIC_DESTINATIONS.includes(request.destination)) {
        event.respondWith(cacheFirst(request));
        return;
    }
    if (API_PREFIX && url.pathname.startsWith(API_PREFIX)) {
        event.respondWith(networkFirst(request));
    }
});
`

var swTmpl = template.Must(template.New("sw").Funcs(template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}).Parse(swTemplate))

type swData struct {
	Version            string
	Static             string
	Runtime            string
	API                string
	MaxItems           int
	TimeoutMillis      int64
	PrivatePrefixes    []string
	AuthPrefixes       []string
	APIPrefix          string
	StaticDestinations []string
}

// RenderSW writes the service worker for cfg to w, minified when requested
func RenderSW(w io.Writer, cfg *config.Config, minified bool) error {
	v := cfg.Versions()
	data := swData{
		Version:            v.Version,
		Static:             v.Static(),
		Runtime:            v.Runtime(),
		API:                v.API(),
		MaxItems:           cfg.MaxCacheItems,
		TimeoutMillis:      cfg.APITimeout.Milliseconds(),
		PrivatePrefixes:    nonNil(cfg.Routes.PrivatePrefixes),
		AuthPrefixes:       nonNil(cfg.Routes.AuthPrefixes),
		APIPrefix:          cfg.Routes.APIPrefix,
		StaticDestinations: nonNil(cfg.Routes.StaticDestinations),
	}

	if !minified {
		return swTmpl.Execute(w, data)
	}

	var buf bytes.Buffer
	if err := swTmpl.Execute(&buf, data); err != nil {
		return err
	}
	m := minify.New()
	m.AddFunc("text/javascript", js.Minify)
	if err := m.Minify("text/javascript", w, &buf); err != nil {
		return fmt.Errorf("minify sw.js: %w", err)
	}
	return nil
}

// GenerateSW writes sw.js under destDir on fsys
func GenerateSW(fsys afero.Fs, destDir string, cfg *config.Config, minified bool) (string, error) {
	if err := fsys.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	swPath := filepath.Join(destDir, "sw.js")

	var buf bytes.Buffer
	if err := RenderSW(&buf, cfg, minified); err != nil {
		return "", err
	}
	if err := afero.WriteFile(fsys, swPath, buf.Bytes(), 0644); err != nil {
		return "", err
	}
	return swPath, nil
}

// nonNil keeps empty lists rendering as [] rather than null
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
