/*
Package flowid implements a filter used for identifying incoming requests
through their complete lifecycle.

Flow ids let you correlate the proxy logs for a given request with the
logs of the backend. The flow id is passed to the backend in the
X-Flow-Id header, and it is available for the later filters in the state
bag, under the flow-id key.

The filter takes 2 optional arguments:

 1. "reuse": accept a valid existing X-Flow-Id header
 2. the length of the generated ids, between 8 and 64, or "ulid"

Any other value of the first argument means not to accept the existing
headers.

Default arguments

	- name: flow-id
	  filter: flowId

Reuse existing flow id, and generate ULIDs otherwise

	- name: flow-id
	  filter: flowId
	  args: [reuse, ulid]
*/
package flowid
