// ABOUTME: Error types produced while routing messages
// ABOUTME: DeliveryError wraps a failure raised by an agent handle

package router

import "fmt"

// DeliveryError describes a handle that failed to receive a message.
// The router logs it and never returns it from Submit.
type DeliveryError struct {
	AgentID   string
	MessageID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.MessageID, e.AgentID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
