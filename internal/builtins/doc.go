// Package builtins provides ready-made in-process agents.
//
// Each constructor returns an *agent.Local that can be registered with a
// coordinator:
//
//   - Echo: answers REQUEST with RESPONSE, echoing the request data
//   - Voter: answers CONSENSUS_REQUEST with a fixed VOTE
//   - Failing: answers REQUEST with ERROR and reports unhealthy
//
// FromConfig maps an entry of the agents config section to one of these.
// The serve and demo commands use them to populate a coordinator.
package builtins
