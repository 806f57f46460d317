// Package loggingtest implements a logging.Logger that records the
// entries, and lets the tests wait for the expected ones.
package loggingtest

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/allegro/zuul-go/logging"
)

type logSubscription struct {
	exp      string
	n        int
	response chan<- struct{}
}

type countRequest struct {
	exp      string
	response chan<- int
}

type logWatch struct {
	entries []string
	reqs    []*logSubscription
	mute    bool
}

type channels struct {
	save   chan string
	notify chan logSubscription
	count  chan countRequest
	clear  chan struct{}
	mute   chan bool
	quit   chan struct{}
}

// TestLogger records the log entries. Loggers derived with WithFields
// share the records with their parent.
type TestLogger struct {
	*channels
	fields string
}

var ErrWaitTimeout = errors.New("timeout")

func (lw *logWatch) save(e string) {
	if lw.mute {
		return
	}

	log.Println(e)
	lw.entries = append(lw.entries, e)
	for i := len(lw.reqs) - 1; i >= 0; i-- {
		req := lw.reqs[i]
		if strings.Contains(e, req.exp) {
			req.n--
			if req.n <= 0 {
				close(req.response)
				lw.reqs = append(lw.reqs[:i], lw.reqs[i+1:]...)
			}
		}
	}
}

func (lw *logWatch) notify(req logSubscription) {
	for i := len(lw.entries) - 1; i >= 0; i-- {
		if strings.Contains(lw.entries[i], req.exp) {
			req.n--
			if req.n == 0 {
				break
			}
		}
	}

	if req.n <= 0 {
		close(req.response)
	} else {
		lw.reqs = append(lw.reqs, &req)
	}
}

func (lw *logWatch) count(exp string) int {
	var n int
	for _, e := range lw.entries {
		if strings.Contains(e, exp) {
			n++
		}
	}

	return n
}

func (lw *logWatch) clear() {
	lw.entries = nil
	lw.reqs = nil
}

func New() *TestLogger {
	lw := &logWatch{}
	c := &channels{
		save:   make(chan string),
		notify: make(chan logSubscription),
		count:  make(chan countRequest),
		clear:  make(chan struct{}),
		mute:   make(chan bool),
		quit:   make(chan struct{}),
	}

	go func() {
		for {
			select {
			case e := <-c.save:
				lw.save(e)
			case req := <-c.notify:
				lw.notify(req)
			case req := <-c.count:
				req.response <- lw.count(req.exp)
			case <-c.clear:
				lw.clear()
			case m := <-c.mute:
				lw.mute = m
			case <-c.quit:
				return
			}
		}
	}()

	return &TestLogger{channels: c}
}

func (tl *TestLogger) store(e string) {
	select {
	case tl.save <- tl.fields + e:
	case <-tl.quit:
	}
}

func (tl *TestLogger) logf(f string, a ...any) { tl.store(fmt.Sprintf(f, a...)) }
func (tl *TestLogger) log(a ...any)            { tl.store(fmt.Sprint(a...)) }

// WaitForN blocks until the expression was logged n times, or the timeout.
func (tl *TestLogger) WaitForN(exp string, n int, to time.Duration) error {
	found := make(chan struct{}, 1)
	tl.notify <- logSubscription{exp, n, found}

	select {
	case <-found:
		return nil
	case <-time.After(to):
		return ErrWaitTimeout
	}
}

func (tl *TestLogger) WaitFor(exp string, to time.Duration) error {
	return tl.WaitForN(exp, 1, to)
}

// Count returns how many recorded entries contain the expression.
func (tl *TestLogger) Count(exp string) int {
	rsp := make(chan int, 1)
	tl.count <- countRequest{exp, rsp}
	return <-rsp
}

func (tl *TestLogger) Reset()  { tl.clear <- struct{}{} }
func (tl *TestLogger) Mute()   { tl.mute <- true }
func (tl *TestLogger) Unmute() { tl.mute <- false }
func (tl *TestLogger) Close()  { close(tl.quit) }

func (tl *TestLogger) Error(a ...any)            { tl.log(a...) }
func (tl *TestLogger) Errorf(f string, a ...any) { tl.logf(f, a...) }
func (tl *TestLogger) Warn(a ...any)             { tl.log(a...) }
func (tl *TestLogger) Warnf(f string, a ...any)  { tl.logf(f, a...) }
func (tl *TestLogger) Info(a ...any)             { tl.log(a...) }
func (tl *TestLogger) Infof(f string, a ...any)  { tl.logf(f, a...) }
func (tl *TestLogger) Debug(a ...any)            { tl.log(a...) }
func (tl *TestLogger) Debugf(f string, a ...any) { tl.logf(f, a...) }

// WithFields returns a logger that prefixes the entries with the fields
// in key=value format, sorted by key.
func (tl *TestLogger) WithFields(fields map[string]any) logging.Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}

	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(tl.fields)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v ", k, fields[k])
	}

	return &TestLogger{channels: tl.channels, fields: b.String()}
}
