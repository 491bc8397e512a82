// Package protocol defines the message envelope used on the coordinator bus.
//
// Every message carries a unique ID and a CorrelationID. A conversation starts
// with NewMessage, which sets CorrelationID to the message's own ID; every
// reply built with Reply keeps that CorrelationID, so a RESPONSE, ERROR or
// VOTE can always be matched to the REQUEST or CONSENSUS_REQUEST that caused it.
//
// Addresses are agent identifiers or one of two sentinels:
//
//   - Broadcast ("BROADCAST"): every registered agent except the sender
//   - Coordinator ("coordinator"): the coordination core
//
// Validate performs purely structural checks. Whether the recipient is
// actually registered is decided at routing time.
package protocol
