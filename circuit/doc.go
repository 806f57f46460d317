/*
Package circuit implements the circuit breakers of the backend hosts.

Two types of breakers are available. The consecutive breaker opens when
the dispatcher couldn't connect to a backend host, or received a 5xx
status code, at least N times in a row. The rate breaker opens when the
number of failures reaches N within a sliding window of the last M
requests, independent of the request rate of the host.

An open breaker rejects the requests to its host until the timeout
expires, and the dispatcher fails them with the circuit-open error kind,
which results in 503 unless an error filter handles it. After the
timeout, the breaker goes half-open and lets the configured number of
requests through. If all of them succeed, it closes, otherwise it opens
again.

The settings are merged in two levels. Settings without a host serve as
the defaults of the settings with a host:

	zuul -breaker type=rate,timeout=3m,idle-ttl=30m \
		-breaker host=foo.example.org,window=300,failures=30 \
		-breaker host=bar.example.org,type=disabled

The registry creates the breakers on the first request to a host, and
drops them after they were not used for the idle TTL.
*/
package circuit
