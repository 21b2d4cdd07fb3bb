package server

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/apex/log"

	"github.com/Kush-Singh-26/vallenato/engine/fetch"
	"github.com/Kush-Singh-26/vallenato/engine/models"
	"github.com/Kush-Singh-26/vallenato/engine/run"
)

// toModel converts an incoming request into one addressed at the upstream.
// Route keeps the client's own path so an upstream base path never changes
// how the request is classified.
func toModel(r *http.Request, w *run.Worker) *models.Request {
	u := *w.Config().UpstreamURL()
	u.Path, u.RawPath = joinURLPath(&u, r.URL)
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""

	h := r.Header.Clone()
	return &models.Request{
		Method:      r.Method,
		URL:         &u,
		Route:       r.URL.Path,
		Header:      h,
		Destination: models.ParseDestination(h.Get("Sec-Fetch-Dest")),
	}
}

// joinURLPath appends b's path to a's, keeping escaped segments such as %2F
// intact in RawPath
func joinURLPath(a, b *url.URL) (path, rawpath string) {
	if a.RawPath == "" && b.RawPath == "" {
		return singleJoiningSlash(a.Path, b.Path), ""
	}
	return singleJoiningSlash(a.Path, b.Path), singleJoiningSlash(a.EscapedPath(), b.EscapedPath())
}

func singleJoiningSlash(a, b string) string {
	switch {
	case a == "" || a == "/":
		return b
	case b == "":
		return a
	case a[len(a)-1] == '/' && b[0] == '/':
		return a + b[1:]
	case a[len(a)-1] != '/' && b[0] != '/':
		return a + "/" + b
	}
	return a + b
}

func (s *Server) handleProxy(rw http.ResponseWriter, r *http.Request) {
	w := s.current.Load()
	if w == nil {
		http.Error(rw, "no active generation", http.StatusServiceUnavailable)
		return
	}

	resp, handled := w.Handle(r.Context(), toModel(r, w))
	if !handled {
		s.proxy.ServeHTTP(rw, r)
		return
	}
	writeResponse(rw, resp)
}

func writeResponse(rw http.ResponseWriter, resp *models.Response) {
	h := rw.Header()
	for k, v := range resp.Header {
		h[k] = append([]string(nil), v...)
	}
	fetch.StripHopHeaders(h)
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))

	rw.WriteHeader(resp.Status)
	if _, err := rw.Write(resp.Body); err != nil {
		log.WithError(err).Debug("client went away")
	}
}

// newReverseProxy streams unhandled requests to whichever upstream the
// active generation points at
func newReverseProxy(cur *run.Current) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if w := cur.Load(); w != nil {
				pr.SetURL(w.Config().UpstreamURL())
			}
			pr.SetXForwarded()
		},
		ErrorHandler: func(rw http.ResponseWriter, r *http.Request, err error) {
			log.WithError(err).WithField("method", r.Method).WithField("path", r.URL.Path).Warn("passthrough failed")
			rw.WriteHeader(http.StatusBadGateway)
		},
	}
}
