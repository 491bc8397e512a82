// Package consensus runs weighted-vote consensus rounds among agents.
//
// RequestConsensus broadcasts a CONSENSUS_REQUEST from the coordinator with
// payload
//
//	{"action": "CONSENSUS_REQUEST", "decision_id", "decision", "context", "timeout_ms"}
//
// and waits, in parallel and independently per agent, for a reply in the same
// conversation whose payload is
//
//	{"action": "VOTE", "vote": <any>, "confidence": <0..1, default 1>, "reasoning": <string>}
//
// Agents that stay silent until the timeout simply do not vote. Aggregate
// turns the collected votes into a Result; see its documentation for the
// bucketing and tie-break rules.
package consensus
