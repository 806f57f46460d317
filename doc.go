/*
Package zuul provides an embeddable HTTP gateway whose behavior is
defined by filters, loaded and replaced at runtime without restarting
the process.

Every request passes through the filters of four phases:

  - pre: authentication, validation, request decoration,
  - route: selecting the backend and calling it,
  - post: response decoration, metrics,
  - error: handling the failures of the other phases.

Within a phase, the filters run sorted by their order, and by their name
when the order is equal. A filter can serve a response on its own,
skipping the rest of the filters, and it can fail, sending the request to
the error phase.

# Quickstart

Create directories for the filters of each phase, and a route filter
that sends the requests to a backend:

	mkdir -p filters/pre filters/route filters/post
	cat > filters/route/backend.yaml <<EOF
	run:
	  - setRoute: ["https://www.example.org", {retries: 2, timeout: 3s}]
	EOF

Then start the gateway:

	zuul -pre-filters filters/pre -route-filters filters/route -post-filters filters/post

The filters are reloaded when the files change. When a changed file
can't be compiled, the previous version of the filter stays active, and
the failure is logged and counted.

# Filters

Filters can be written in Lua, or defined in YAML documents that
combine the built-in filters. A Lua filter declares its phase with the
directory it is loaded from, with the prefix of its file name, e.g.
pre_auth.lua, or with the filter_type global:

	filter_type = "pre"
	filter_order = 10

	function should_filter(ctx)
		return ctx.request.path ~= "/health"
	end

	function run(ctx)
		if ctx.request.header["Authorization"] == "" then
			ctx.serve(401, "unauthorized")
		end
	end

A YAML definition lists the built-in filters to run, and optionally the
conditions of running them:

	type: post
	order: 5
	when:
	  methods: [GET, HEAD]
	run:
	  - setResponseHeader: ["Cache-Control", "max-age=60"]

Go programs embedding the gateway can provide their own filter
specifications in Options.CustomFilters, usable from the YAML
definitions, and their own compilers for additional file extensions in
Options.CustomCompilers.

# Support endpoints

The support listener exposes the metrics on /metrics, the active
filters and their fingerprints on /filters, the state of the circuit
breakers on /breakers, the state of the admission queue on /scheduler,
and the health check on /health.
*/
package zuul
