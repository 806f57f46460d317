package dispatch

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/allegro/zuul-go/filters"
)

const (
	RequestIDHeader     = "X-Request-Id"
	ForwardedForHeader  = "X-Forwarded-For"
	ForwardedHostHeader = "X-Forwarded-Host"
)

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

type requestIDKey struct{}

// WithRequestID returns a context that makes the dispatcher send the
// request id to the backend.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id set with WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RemoveHopHeaders deletes the hop-by-hop headers, including the ones
// listed in the Connection header.
func RemoveHopHeaders(h http.Header) {
	for _, v := range h["Connection"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); httpguts.ValidHeaderFieldName(name) {
				h.Del(name)
			}
		}
	}

	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func cloneHeader(h http.Header) http.Header {
	hh := make(http.Header, len(h))
	for k, v := range h {
		hh[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}

	return hh
}

func joinURLPath(a, b *url.URL) (path, rawpath string) {
	if a.RawPath == "" && b.RawPath == "" {
		return singleJoiningSlash(a.Path, b.Path), ""
	}

	apath := a.EscapedPath()
	bpath := b.EscapedPath()
	aslash := strings.HasSuffix(apath, "/")
	bslash := strings.HasPrefix(bpath, "/")

	switch {
	case aslash && bslash:
		return a.Path + b.Path[1:], apath + bpath[1:]
	case !aslash && !bslash:
		return a.Path + "/" + b.Path, apath + "/" + bpath
	}

	return a.Path + b.Path, apath + bpath
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case a == "":
		return b
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}

	return a + b
}

// targetURL maps the request URL to the target: the scheme and the host
// are taken from the target, its path is prepended to the request path,
// and the query parameters are merged.
func targetURL(target, u *url.URL) *url.URL {
	out := *u
	out.Scheme = target.Scheme
	out.Host = target.Host
	out.User = nil
	out.Path, out.RawPath = joinURLPath(target, u)
	switch {
	case target.RawQuery == "":
	case out.RawQuery == "":
		out.RawQuery = target.RawQuery
	default:
		out.RawQuery = target.RawQuery + "&" + out.RawQuery
	}

	return &out
}

func emptyBody(r *http.Request) bool {
	return r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0
}

// mapRequest creates the outgoing request from the incoming one.
func mapRequest(ctx context.Context, r *http.Request, d *filters.RouteDecision) (*http.Request, error) {
	var body io.Reader
	if !emptyBody(r) {
		body = r.Body
	}

	u := targetURL(d.Target, r.URL)
	rr, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return nil, err
	}

	rr.ContentLength = r.ContentLength
	if body == nil {
		rr.ContentLength = 0
	}

	rr.Header = cloneHeader(r.Header)
	keepTrailers := httpguts.HeaderValuesContainsToken(r.Header["Te"], "trailers")
	RemoveHopHeaders(rr.Header)
	if keepTrailers {
		rr.Header.Set("Te", "trailers")
	}

	if d.PreserveHost {
		rr.Host = r.Host
	} else {
		rr.Host = d.Target.Host
		if r.Host != "" {
			rr.Header.Set(ForwardedHostHeader, r.Host)
		}
	}

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := rr.Header.Values(ForwardedForHeader); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}

		rr.Header.Set(ForwardedForHeader, clientIP)
	}

	if id := RequestIDFromContext(ctx); id != "" {
		rr.Header.Set(RequestIDHeader, id)
	}

	if d.Target.User != nil {
		auth := base64.StdEncoding.EncodeToString([]byte(d.Target.User.String()))
		rr.Header.Set("Authorization", "Basic "+auth)
	}

	return rr, nil
}
