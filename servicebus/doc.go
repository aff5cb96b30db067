/*
Package servicebus wires routing-slip activities and event handlers to a transport.
Each receive endpoint is a pipe of filters ending in a type-indexed dispatch registry,
bound to an address on the transport.
*/
package servicebus
