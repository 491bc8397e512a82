// ABOUTME: Error raised when an agent answers a workflow step with ERROR
// ABOUTME: Carries the failing step, the responding agent and its message

package workflow

import "fmt"

// StepError is an ERROR reply received for a step request.
type StepError struct {
	Step    string
	AgentID string
	Message string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("agent %s failed step %s: %s", e.AgentID, e.Step, e.Message)
}
