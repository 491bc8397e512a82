// Package events is the coordinator's internal message stream.
//
// The router publishes every accepted message here after routing it. The
// response correlator and any external observers subscribe with a Filter and
// receive matching messages on their own buffered channel, so there is no
// shared listener list and no ordering dependency between subscribers.
package events
