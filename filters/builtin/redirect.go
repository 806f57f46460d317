package builtin

import (
	"net/http"
	"net/url"

	"github.com/allegro/zuul-go/filters"
)

type redirect struct {
	code     int
	location *url.URL
}

// NewRedirectTo returns a filter specification whose instances respond
// with an HTTP redirect, and short-circuit the request. Instances expect
// two arguments: the redirect status code and the location. The missing
// parts of the location are taken from the request.
func NewRedirectTo() filters.Spec { return &redirect{} }

func (spec *redirect) Name() string { return RedirectToName }

func (spec *redirect) CreateFilter(args []any) (filters.Runner, error) {
	a := filters.Args(args)
	code, location := a.Int(), a.String()
	if a.Err() != nil || code < 300 || code > 399 {
		return nil, filters.ErrInvalidFilterParameters
	}

	u, err := url.Parse(location)
	if err != nil {
		return nil, filters.ErrInvalidFilterParameters
	}

	return &redirect{code, u}, nil
}

func getRequestHost(r *http.Request) string {
	h := r.Header.Get("Host")
	if h == "" {
		h = r.Host
	}

	if h == "" {
		h = r.URL.Host
	}

	return h
}

func getLocation(r *http.Request, location *url.URL) string {
	uc := *location
	u := &uc

	if u.Scheme == "" {
		if r.URL.Scheme != "" {
			u.Scheme = r.URL.Scheme
		} else if r.TLS != nil {
			u.Scheme = "https"
		} else {
			u.Scheme = "http"
		}
	}

	u.User = r.URL.User

	if u.Host == "" {
		u.Host = getRequestHost(r)
	}

	if u.Path == "" {
		u.Path = r.URL.Path
	}

	if u.RawQuery == "" {
		u.RawQuery = r.URL.RawQuery
	}

	return u.String()
}

func (f *redirect) Run(ctx filters.FilterContext) error {
	r := ctx.Request()
	ctx.Serve(&http.Response{
		StatusCode: f.code,
		Header:     http.Header{"Location": []string{getLocation(r, f.location)}},
		Body:       http.NoBody,
		Request:    r,
	})

	return nil
}
