package loggingtest_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allegro/zuul-go/logging/loggingtest"
)

func TestRecordsAllLevels(t *testing.T) {
	lt := loggingtest.New()
	defer lt.Close()

	lt.Debugf("loading %s", "pre/auth.lua")
	lt.Info("loaded")
	lt.Warnf("skipped %d files", 2)
	lt.Error("compile failed")
	for _, exp := range []string{"loading pre/auth.lua", "loaded", "skipped 2 files", "compile failed"} {
		require.NoError(t, lt.WaitFor(exp, time.Second), exp)
	}

	assert.Equal(t, 2, lt.Count("load"))
}

func TestWaitForLaterEntries(t *testing.T) {
	lt := loggingtest.New()
	defer lt.Close()

	go func() {
		for range 3 {
			lt.Info("reloaded")
		}
	}()

	assert.NoError(t, lt.WaitForN("reloaded", 3, time.Second))
}

func TestResetAndMute(t *testing.T) {
	lt := loggingtest.New()
	defer lt.Close()

	lt.Info("route")
	lt.Reset()
	assert.Equal(t, loggingtest.ErrWaitTimeout, lt.WaitFor("route", time.Millisecond))

	lt.Mute()
	lt.Info("route")
	assert.Equal(t, 0, lt.Count("route"))

	lt.Unmute()
	lt.Info("route")
	assert.Equal(t, 1, lt.Count("route"))
}

func TestWithFields(t *testing.T) {
	lt := loggingtest.New()
	defer lt.Close()

	l := lt.WithFields(map[string]any{"request-id": "5e3b", "filter": "auth"})
	l.Info("short circuit")
	l.WithFields(map[string]any{"phase": "pre"}).Warn("slow")

	assert.NoError(t, lt.WaitFor("filter=auth request-id=5e3b short circuit", time.Second))
	assert.NoError(t, lt.WaitFor("filter=auth request-id=5e3b phase=pre slow", time.Second))
}
