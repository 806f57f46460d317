package logging

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// The date format of the Apache access logs.
const dateFormat = "02/Jan/2006:15:04:05 -0700"

// AccessEntry describes one request served by the proxy.
type AccessEntry struct {
	Request      *http.Request
	StatusCode   int
	ResponseSize int64
	Duration     time.Duration
	RequestTime  time.Time
	RequestID    string

	// ErrorKind is set when the response was staged by the fallback of a
	// failed request.
	ErrorKind string
}

var accessLog *logrus.Logger

// accessFields lists the fields of an access line in the order of the
// text format. The JSON format uses the same names.
var accessFields = []string{
	"host", "timestamp", "method", "uri", "proto", "status",
	"response-size", "referer", "user-agent", "duration",
	"requested-host", "request-id", "error-kind",
}

// accessLogFormatter writes the Apache combined log format, followed by
// the duration in milliseconds, the requested host, the request id and
// the error kind.
type accessLogFormatter struct{}

func (accessLogFormatter) Format(e *logrus.Entry) ([]byte, error) {
	v := make([]any, len(accessFields))
	for i, k := range accessFields {
		v[i] = e.Data[k]
	}

	return fmt.Appendf(nil, "%s - - [%s] \"%s %s %s\" %d %d \"%s\" \"%s\" %d %s %s %s\n", v...), nil
}

// clientHost returns the first address of X-Forwarded-For, or the
// remote address without the port.
func clientHost(r *http.Request) string {
	a := r.RemoteAddr
	if ff := r.Header.Get("X-Forwarded-For"); ff != "" {
		a, _, _ = strings.Cut(ff, ",")
		a = strings.TrimSpace(a)
	}

	if h, _, err := net.SplitHostPort(a); err == nil {
		a = h
	}

	if a == "" {
		return "-"
	}

	return a
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func (e *AccessEntry) fields() logrus.Fields {
	f := logrus.Fields{
		"host":           "-",
		"timestamp":      e.RequestTime.Format(dateFormat),
		"method":         "",
		"uri":            "",
		"proto":          "",
		"status":         e.StatusCode,
		"response-size":  e.ResponseSize,
		"referer":        "",
		"user-agent":     "",
		"duration":       e.Duration.Milliseconds(),
		"requested-host": "",
		"request-id":     orDash(e.RequestID),
		"error-kind":     orDash(e.ErrorKind),
	}

	if r := e.Request; r != nil {
		f["host"] = clientHost(r)
		f["method"] = r.Method
		f["uri"] = r.RequestURI
		f["proto"] = r.Proto
		f["referer"] = r.Referer()
		f["user-agent"] = r.UserAgent()
		f["requested-host"] = r.Host
	}

	return f
}

// LogAccess writes an access line, unless the access log is disabled.
func LogAccess(e *AccessEntry) {
	if accessLog == nil || e == nil {
		return
	}

	accessLog.WithFields(e.fields()).Infoln()
}
