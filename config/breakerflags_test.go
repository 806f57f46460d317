package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/allegro/zuul-go/circuit"
)

func TestBreakerFlagSet(t *testing.T) {
	for _, tt := range []struct {
		name string
		arg  string
		want circuit.BreakerSettings
		fail bool
	}{{
		name: "default consecutive",
		arg:  "type=consecutive,failures=5,timeout=10s",
		want: circuit.BreakerSettings{Type: circuit.ConsecutiveFailures, Failures: 5, Timeout: 10 * time.Second},
	}, {
		name: "failure rate of a backend host",
		arg:  "type=rate,host=orders.internal:8080,window=300,failures=30,half-open-requests=3,idle-ttl=1h",
		want: circuit.BreakerSettings{
			Type:             circuit.FailureRate,
			Host:             "orders.internal:8080",
			Window:           300,
			Failures:         30,
			HalfOpenRequests: 3,
			IdleTTL:          time.Hour,
		},
	}, {
		name: "disabled for a backend host",
		arg:  "type=disabled,host=legacy.internal",
		want: circuit.BreakerSettings{Type: circuit.BreakerDisabled, Host: "legacy.internal"},
	}, {
		name: "unknown type",
		arg:  "type=adaptive",
		fail: true,
	}, {
		name: "unknown key",
		arg:  "type=rate,threshold=3",
		fail: true,
	}, {
		name: "missing value",
		arg:  "type=rate,window",
		fail: true,
	}, {
		name: "invalid window",
		arg:  "type=rate,window=5m",
		fail: true,
	}, {
		name: "invalid timeout",
		arg:  "type=consecutive,timeout=10",
		fail: true,
	}} {
		t.Run(tt.name, func(t *testing.T) {
			var b breakerFlags
			err := b.Set(tt.arg)
			if tt.fail {
				assert.Error(t, err)
				assert.Empty(t, b)
				return
			}

			require.NoError(t, err)
			require.Len(t, b, 1)
			if d := cmp.Diff(tt.want, b[0]); d != "" {
				t.Errorf("unexpected settings (-want +got):\n%s", d)
			}

			if tt.want.Type == circuit.BreakerDisabled {
				return
			}

			// the string form is accepted by the flag
			var again breakerFlags
			require.NoError(t, again.Set(b.String()))
			assert.Equal(t, b, again)
		})
	}
}

func TestBreakerFlagRepeated(t *testing.T) {
	var b breakerFlags
	require.NoError(t, b.Set("type=consecutive,failures=5"))
	require.NoError(t, b.Set("type=rate,host=orders.internal,window=100,failures=10"))

	require.Len(t, b, 2)
	assert.Empty(t, b[0].Host)
	assert.Equal(t, "orders.internal", b[1].Host)
	assert.Equal(t, "type=consecutive,failures=5\ntype=rate,host=orders.internal,window=100,failures=10", b.String())
}

func TestBreakerFlagYAML(t *testing.T) {
	cfg := struct {
		Breakers breakerFlags `yaml:"breaker"`
	}{}

	require.NoError(t, cfg.Breakers.Set("type=disabled"))
	require.NoError(t, yaml.Unmarshal([]byte(`
breaker:
  - type: consecutive
    failures: 3
  - type: rate
    host: orders.internal
    window: 50
    failures: 5
    timeout: 30s
`), &cfg))

	want := breakerFlags{{
		Type:     circuit.ConsecutiveFailures,
		Failures: 3,
	}, {
		Type:     circuit.FailureRate,
		Host:     "orders.internal",
		Window:   50,
		Failures: 5,
		Timeout:  30 * time.Second,
	}}

	if d := cmp.Diff(want, cfg.Breakers); d != "" {
		t.Errorf("the file replaces the flag values (-want +got):\n%s", d)
	}

	require.NoError(t, yaml.Unmarshal([]byte("breaker: {type: rate, window: 10, failures: 2}"), &cfg))
	assert.Equal(t, breakerFlags{{Type: circuit.FailureRate, Window: 10, Failures: 2}}, cfg.Breakers)

	assert.Error(t, yaml.Unmarshal([]byte("breaker: {type: adaptive}"), &cfg))
}
