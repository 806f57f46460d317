package builtin

import (
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/allegro/zuul-go/filters"
)

type delayed struct {
	response   *http.Response
	reader     *io.PipeReader
	writer     *io.PipeWriter
	headerDone chan struct{}
}

type static struct {
	webRoot, root string
}

// Creates a delayed Body/ResponseWriter pipe object, that waits until
// WriteHeader of the ResponseWriter completes but delays Write until the
// body read is started.
func newDelayed(req *http.Request, p string) *http.Response {
	pr, pw := io.Pipe()
	rsp := &http.Response{Header: make(http.Header), Request: req}
	d := &delayed{
		response:   rsp,
		reader:     pr,
		writer:     pw,
		headerDone: make(chan struct{}),
	}

	go func() {
		http.ServeFile(d, req, p)
		select {
		case <-d.headerDone:
		default:
			d.WriteHeader(http.StatusOK)
		}

		pw.Close()
	}()

	<-d.headerDone
	rsp.Body = d
	return rsp
}

func (d *delayed) Read(data []byte) (int, error) { return d.reader.Read(data) }
func (d *delayed) Header() http.Header           { return d.response.Header }

// Implements http.ResponseWriter.Write. When WriteHeader was not called
// before Write, it calls it with the default 200 status code.
func (d *delayed) Write(data []byte) (int, error) {
	select {
	case <-d.headerDone:
	default:
		d.WriteHeader(http.StatusOK)
	}

	return d.writer.Write(data)
}

// It sets the status code for the outgoing response, and signals that
// the filter is done with the header.
func (d *delayed) WriteHeader(status int) {
	select {
	case <-d.headerDone:
		return
	default:
	}

	d.response.StatusCode = status
	close(d.headerDone)
}

// Close unblocks the serving goroutine when the body is not read to the
// end.
func (d *delayed) Close() error {
	d.reader.Close()
	return nil
}

// NewStatic returns a filter specification to serve static content from
// a file system location. It short-circuits the request.
//
// Filter instances of this specification expect two arguments: a
// request path prefix and a local directory path. When processing a
// request, it clips the prefix from the request path, and appends the
// rest of the path to the directory path. Then, it uses the resulting
// path to serve static content from the file system.
func NewStatic() filters.Spec { return &static{} }

func (spec *static) Name() string { return StaticName }

func (spec *static) CreateFilter(args []any) (filters.Runner, error) {
	a := filters.Args(args)
	webRoot, root := a.String(), a.String()
	if err := a.Err(); err != nil {
		return nil, filters.ErrInvalidFilterParameters
	}

	return &static{webRoot, root}, nil
}

func (f *static) Run(ctx filters.FilterContext) error {
	req := ctx.Request()
	p := req.URL.Path
	if !strings.HasPrefix(p, f.webRoot) {
		ctx.Serve(&http.Response{StatusCode: http.StatusNotFound, Header: make(http.Header), Body: http.NoBody, Request: req})
		return nil
	}

	ctx.Serve(newDelayed(req, path.Join(f.root, path.Clean("/"+p[len(f.webRoot):]))))
	return nil
}
