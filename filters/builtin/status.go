package builtin

import (
	"io"
	"net/http"
	"strings"

	"github.com/allegro/zuul-go/filters"
)

type statusSpec struct{}

type statusFilter struct {
	code int
}

// NewStatus returns a filter specification whose instances set the
// status code of the staged response.
func NewStatus() filters.Spec { return new(statusSpec) }

func (s *statusSpec) Name() string { return StatusName }

func (s *statusSpec) CreateFilter(args []any) (filters.Runner, error) {
	a := filters.Args(args)
	code := a.Int()
	if a.Err() != nil || code < 100 || code > 599 {
		return nil, filters.ErrInvalidFilterParameters
	}

	return &statusFilter{code}, nil
}

func (f *statusFilter) Run(ctx filters.FilterContext) error {
	rsp := ctx.Response()
	rsp.StatusCode = f.code
	rsp.Status = ""
	return nil
}

type inlineContent struct {
	text   string
	mime   string
	status int
}

// NewInlineContent creates a filter spec for the inlineContent() filter.
//
// It accepts three arguments: the content, the optional content type
// and the optional status code. When the content type is not set, it
// tries to detect it using http.DetectContentType.
//
// The filter serves the content, with status code 200 by default, and
// short-circuits the request.
func NewInlineContent() filters.Spec {
	return &inlineContent{}
}

func (c *inlineContent) Name() string { return InlineContentName }

func (c *inlineContent) CreateFilter(args []any) (filters.Runner, error) {
	if len(args) == 0 || len(args) > 3 {
		return nil, filters.ErrInvalidFilterParameters
	}

	a := filters.Args(args)
	f := &inlineContent{text: a.String()}
	f.mime = a.OptionalString(http.DetectContentType([]byte(f.text)))
	f.status = a.OptionalInt(http.StatusOK)
	if err := a.Err(); err != nil {
		return nil, filters.ErrInvalidFilterParameters
	}

	return f, nil
}

func (c *inlineContent) Run(ctx filters.FilterContext) error {
	ctx.Serve(&http.Response{
		StatusCode:    c.status,
		Header:        http.Header{"Content-Type": []string{c.mime}},
		ContentLength: int64(len(c.text)),
		Body:          io.NopCloser(strings.NewReader(c.text)),
		Request:       ctx.Request(),
	})

	return nil
}
