// Package models holds the request/response values that flow between the
// proxy, the classifier, the strategies and the cache.
package models

import (
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"

	"github.com/zeebo/blake3"
)

// Destination is the fetch destination hint of a request (Sec-Fetch-Dest).
type Destination string

const (
	DestinationEmpty  Destination = ""
	DestinationScript Destination = "script"
	DestinationStyle  Destination = "style"
	DestinationImage  Destination = "image"
	DestinationFont   Destination = "font"
	DestinationDoc    Destination = "document"
)

// ParseDestination normalizes a Sec-Fetch-Dest header value.
// Browsers send "empty" for fetch()/XHR, which maps to DestinationEmpty.
func ParseDestination(v string) Destination {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "empty" {
		return DestinationEmpty
	}
	return Destination(v)
}

// Request is an intercepted request. URL addresses the upstream; Route is
// the path the client asked for and is what rules match against.
type Request struct {
	Method      string
	URL         *url.URL
	Route       string
	Header      http.Header
	Destination Destination
}

// NewRequest builds a Request, defaulting the method to GET.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: make(http.Header),
	}, nil
}

// Key identifies the request inside a cache bucket: method + absolute URL.
func (r *Request) Key() string {
	return r.Method + " " + r.URL.String()
}

// UserKey is Key scoped to the caller's credentials. Requests carrying a
// Cookie or Authorization header get a digest suffix so one user's cached
// response is never matched for another.
func (r *Request) UserKey() string {
	key := r.Key()
	if id := r.credentialID(); id != "" {
		key += " #" + id
	}
	return key
}

func (r *Request) credentialID() string {
	if r.Header == nil {
		return ""
	}
	cookie := strings.Join(r.Header.Values("Cookie"), "; ")
	auth := strings.Join(r.Header.Values("Authorization"), ", ")
	if cookie == "" && auth == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(cookie + "\x00" + auth))
	return hex.EncodeToString(sum[:12])
}

// Path returns the path rules are matched on: Route when set, otherwise the
// URL path. "/" when empty.
func (r *Request) Path() string {
	p := r.Route
	if p == "" && r.URL != nil {
		p = r.URL.Path
	}
	if p == "" {
		return "/"
	}
	return p
}

// Accept returns the joined Accept header values.
func (r *Request) Accept() string {
	if r.Header == nil {
		return ""
	}
	return strings.Join(r.Header.Values("Accept"), ",")
}

// Response is a fully buffered response, safe to share between the caller
// and a cache write because Clone copies header and body.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Clone returns a deep copy.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
	}
	if r.Body != nil {
		out.Body = make([]byte, len(r.Body))
		copy(out.Body, r.Body)
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	return out
}
