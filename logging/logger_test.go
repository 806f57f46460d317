package logging_test

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/allegro/zuul-go/logging"
)

func TestLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logrus.SetOutput(buf)
	logrus.SetLevel(logrus.DebugLevel)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	defer func() {
		logrus.SetLevel(logrus.InfoLevel)
		logrus.SetOutput(os.Stderr)
	}()

	log := logging.New()
	for _, test := range []struct {
		log    func()
		suffix string
	}{
		{func() { log.Error("error") }, `msg=error`},
		{func() { log.Errorf("errorf: %s", "foo") }, `msg="errorf: foo"`},
		{func() { log.Warn("warn") }, `msg=warn`},
		{func() { log.Warnf("warnf: %s", "foo") }, `msg="warnf: foo"`},
		{func() { log.Info("info") }, `msg=info`},
		{func() { log.Infof("infof: %s", "foo") }, `msg="infof: foo"`},
		{func() { log.Debug("debug") }, `msg=debug`},
		{func() { log.Debugf("debugf: %s", "foo") }, `msg="debugf: foo"`},
	} {
		test.log()
		s := strings.TrimSpace(buf.String())
		buf.Reset()
		if !strings.HasSuffix(s, test.suffix) {
			t.Fatalf("want suffix %q, got %q", test.suffix, s)
		}
	}

	log.WithFields(map[string]any{"request-id": "foo"}).Info("info")
	if s := buf.String(); !strings.Contains(s, "request-id=foo") {
		t.Fatalf("failed to log with fields, got %q", s)
	}
}
