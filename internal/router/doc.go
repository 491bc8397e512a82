// Package router implements the coordinator's message bus intake.
//
// Every message enters through Router.Submit, which runs the same sequence
// for all traffic:
//
//  1. validate (invalid messages are logged and dropped)
//  2. drop duplicate message ids seen inside the dedupe window
//  3. append to the per-correlation history
//  4. persist asynchronously (failures are logged only)
//  5. route: unicast to one handle, or broadcast to every agent but the sender
//  6. publish on the event stream observed by the correlator
//
// Unicast to an unknown agent produces an ERROR reply to the sender when the
// sender is itself registered. Delivery errors and panics are contained per
// recipient and reported as DeliveryError in the log.
package router
