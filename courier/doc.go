/*
Package courier runs routing slips: choreographed sagas whose whole state travels inside the
message. An execute host runs the activity at the head of the itinerary and forwards the slip
to the next address; on failure the slip is routed back through the compensate hosts of
previously completed activities in reverse order.

Outcomes are observed only through published lifecycle events (RoutingSlipCompleted,
RoutingSlipFaulted, RoutingSlipCompensationFailed, ...). No host keeps saga state between hops.
*/
package courier
