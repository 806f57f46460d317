package builtin

import (
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/allegro/zuul-go/filters"
)

const (
	RatelimitName = "localRatelimit"

	RetryAfterHeader = "Retry-After"
)

type ratelimitSpec struct{}

type ratelimit struct {
	limiter *rate.Limiter
	window  time.Duration
}

// NewRatelimit returns a filter specification whose instances allow at
// most N requests per time window, e.g. localRatelimit(100, "1m"). The
// limit is local to the process. Requests over the limit are served with
// 429 Too Many Requests and a Retry-After header.
func NewRatelimit() filters.Spec { return ratelimitSpec{} }

func (ratelimitSpec) Name() string { return RatelimitName }

func (ratelimitSpec) CreateFilter(args []any) (filters.Runner, error) {
	if len(args) != 2 {
		return nil, filters.ErrInvalidFilterParameters
	}

	a := filters.Args(args)
	maxHits := a.Int()
	window := a.Duration()
	if a.Err() != nil || maxHits <= 0 || window <= 0 {
		return nil, filters.ErrInvalidFilterParameters
	}

	return &ratelimit{
		limiter: rate.NewLimiter(rate.Every(window/time.Duration(maxHits)), maxHits),
		window:  window,
	}, nil
}

func (f *ratelimit) Run(ctx filters.FilterContext) error {
	r := f.limiter.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return nil
	}

	r.Cancel()
	if delay == rate.InfDuration {
		delay = f.window
	}

	const text = "Too Many Requests"
	ctx.Serve(&http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header: http.Header{
			RetryAfterHeader: []string{strconv.Itoa(int(math.Ceil(delay.Seconds())))},
			"Content-Type":   []string{"text/plain; charset=utf-8"},
		},
		ContentLength: int64(len(text)),
		Body:          io.NopCloser(strings.NewReader(text)),
		Request:       ctx.Request(),
	})

	return nil
}
