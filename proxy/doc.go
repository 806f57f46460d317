/*
Package proxy implements the execution engine of the filters.

For every request, the proxy takes one snapshot of the filter store, and
executes the filters of the pre, route and post phases in their
(order, name) order. The filters share a context: the request, the
staged response, the state bag and the routing decision.

	PRE -> ROUTE -> dispatch -> POST -> DONE
	  \       \         \         \
	   +-------+---------+---------+-> ERROR -> DONE

Short-circuiting

A filter can serve a response, or mark the staged response as final.
In both cases, the remaining filters of the current and the later phases
are skipped, and the staged response is sent to the client.

Routing

The route filters set the routing decision. When a route filter didn't
dispatch the decision itself, the proxy dispatches it after the route
phase. When no decision was set, the request fails with a no-route error.
The headers of the backend response take precedence over the headers
staged before dispatching.

Errors

The first failure of a filter, or of the dispatch, sends the request to
the error phase. The error phase runs once: the failures of the error
filters are logged and reported, but they don't restart it. When none
of the error filters served a response, the proxy sends a response with
the status code of the failure kind, the status text as the body, and
the kind in the X-Zuul-Error-Kind header. Panics in the filters are
recovered and handled as failures.
*/
package proxy
