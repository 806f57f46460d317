/*
Package logging implements application log instrumentation and Apache
combined access log.

# Application Log

The application log uses the logrus package:

https://github.com/sirupsen/logrus

The proxy, the loader and the filters log through the Logger interface.
The DefaultLog implementation forwards to the standard logrus logger, and
it can carry fields, e.g. the request id of the current request.

During startup initialization, it is possible to redirect the log output
from the default /dev/stderr to another file, to set the level, to switch
to JSON output, and to set a common prefix for each log entry. Setting the
prefix may be a good idea when the access log is enabled and its output is
the same as the one of the application log, to make it easier to split the
output for diagnostics.

# Access Log

The access log prints HTTP access information in the Apache combined
access log format, extended with the duration in milliseconds, the
requested host and the request id. Alternatively, it can be printed as
JSON.
*/
package logging
