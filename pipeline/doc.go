/*
Package pipeline provides the typed pipe/filter core and the type-indexed dispatch registry
(ConsumePipe) the service bus and the courier hosts are built on.

A pipe is composed in two phases: specifications are validated and applied to a Builder,
which yields an immutable pipe. Configuration errors surface from New, never from Send.
*/
package pipeline
