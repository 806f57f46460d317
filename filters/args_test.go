package filters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestArgsStringArg(t *testing.T) {
	s, err := StringArg("s")
	assert.Nil(t, err)
	assert.Equal(t, "s", s)

	s, err = StringArg(1)
	assert.EqualError(t, err, "1 is not a string")
	assert.Equal(t, "", s)

	s, err = StringArg(nil)
	assert.EqualError(t, err, "<nil> is not a string")
	assert.Equal(t, "", s)
}

func TestArgsIntArg(t *testing.T) {
	i, err := IntArg(1)
	assert.Nil(t, err)
	assert.Equal(t, 1, i)

	i, err = IntArg(2.0)
	assert.Nil(t, err)
	assert.Equal(t, 2, i)

	i, err = IntArg(1.5)
	assert.EqualError(t, err, "1.5 is not an integer")
	assert.Equal(t, 0, i)
}

func TestArgsDurationArg(t *testing.T) {
	d, err := DurationArg("1s")
	assert.Nil(t, err)
	assert.Equal(t, time.Second, d)

	d, err = DurationArg(time.Millisecond)
	assert.Nil(t, err)
	assert.Equal(t, time.Millisecond, d)

	_, err = DurationArg("-1s")
	assert.EqualError(t, err, "duration -1s is negative")

	_, err = DurationArg(1)
	assert.EqualError(t, err, "1 is not a duration")
}

func TestArgsStringMapArg(t *testing.T) {
	m, err := StringMapArg(map[any]any{"X-Foo": "bar"})
	assert.Nil(t, err)
	assert.Equal(t, map[string]string{"X-Foo": "bar"}, m)

	m, err = StringMapArg(map[string]any{"X-Foo": "bar"})
	assert.Nil(t, err)
	assert.Equal(t, map[string]string{"X-Foo": "bar"}, m)

	_, err = StringMapArg(map[string]any{"X-Foo": 1})
	assert.Error(t, err)

	_, err = StringMapArg("foo")
	assert.Error(t, err)
}

func TestArgs(t *testing.T) {
	a := Args([]any{"s", 1})
	s, i, opt, err := a.String(), a.Int(), a.OptionalString("default"), a.Err()
	assert.Nil(t, err)
	assert.Equal(t, "s", s)
	assert.Equal(t, 1, i)
	assert.Equal(t, "default", opt)

	a = Args([]any{"s"})
	_, _ = a.String(), a.Int()
	assert.EqualError(t, a.Err(), "expected 2 arguments, got 1")

	a = Args([]any{"s", "t", "u"})
	_, _ = a.String(), a.String()
	assert.EqualError(t, a.Err(), "expected 2 arguments, got 3")

	a = Args([]any{1})
	_ = a.String()
	assert.EqualError(t, a.Err(), "1 is not a string")
}
