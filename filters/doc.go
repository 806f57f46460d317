/*
Package filters contains the contract between the filter units and the
proxy.

A filter belongs to one of the phases: pre, route, post and error. For
every request, the proxy runs the filters of the pre phase, then the route
phase, where a filter sets the routing decision that the dispatcher
consumes, then the post phase. Within a phase, the filters run ordered by
their order value and then by their name. When a filter fails, the
remaining filters of its phase and the later phases are skipped, and the
filters of the error phase run once. When a filter calls Serve or
ShortCircuit on the context, the staged response is sent to the client
without running any further filters.

Filters are usually not implemented in Go directly. The loader compiles
them from Lua scripts (see the script package) or from YAML definitions
referencing the built-in specs in the filters/builtin package (see the
filterfile package).

The filters of the same request share the state bag of the context. The
well-known keys are listed as constants, and their values can be read with
type validation using StateString, StateInt and StateBool.
*/
package filters
