// Package fetch performs the real network round-trips for the edge worker.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/Kush-Singh-26/vallenato/engine/models"
)

// Fetcher performs a network request. Implementations return an error only
// when no response was received (connection refused, DNS, timeout); HTTP
// error statuses are responses.
type Fetcher interface {
	Fetch(ctx context.Context, req *models.Request) (*models.Response, error)
}

// Func adapts a function to Fetcher
type Func func(ctx context.Context, req *models.Request) (*models.Response, error)

// Fetch calls f
func (f Func) Fetch(ctx context.Context, req *models.Request) (*models.Response, error) {
	return f(ctx, req)
}

// hopHeaders are connection-scoped and never forwarded or cached
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopHeaders removes hop-by-hop headers, including any listed in Connection
func StripHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// HTTPFetcher fetches over a pooled transport with no shared global state
type HTTPFetcher struct {
	client  *http.Client
	maxBody int64
}

// NewHTTPFetcher creates a fetcher. timeout bounds a whole exchange,
// including requests whose caller has stopped waiting; maxBody <= 0 means
// unlimited.
func NewHTTPFetcher(timeout time.Duration, maxBody int64) *HTTPFetcher {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	// redirects are the page's business; hand them back untouched
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HTTPFetcher{client: client, maxBody: maxBody}
}

// Fetch performs the request and buffers the body
func (f *HTTPFetcher) Fetch(ctx context.Context, req *models.Request) (*models.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}
	StripHopHeaders(httpReq.Header)
	// let the transport negotiate compression so stored bodies are identity-encoded
	httpReq.Header.Del("Accept-Encoding")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var body io.Reader = resp.Body
	if f.maxBody > 0 {
		body = io.LimitReader(resp.Body, f.maxBody+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if f.maxBody > 0 && int64(len(data)) > f.maxBody {
		return nil, fmt.Errorf("response body exceeds %d bytes", f.maxBody)
	}

	header := resp.Header.Clone()
	StripHopHeaders(header)
	header.Del("Content-Length")

	return &models.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   data,
	}, nil
}
