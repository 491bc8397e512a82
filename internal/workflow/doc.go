// Package workflow drives ordered multi-step workflows across agents.
//
// Each Step becomes a REQUEST from the coordinator to the step's agent with
// payload
//
//	{"action": ..., "data": ..., "workflow": {"id", "step", "index", "input", "results"}}
//
// and the orchestrator waits for a RESPONSE (or ERROR) whose correlation id
// is the request's message id. The response's "data" value is stored under
// the step name. The first failure (unknown agent, timeout, refused submit
// or an ERROR reply) fails the run and no later step is submitted.
package workflow
