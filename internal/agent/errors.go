package agent

import "fmt"

// exhaustedReply is the user-visible reply for an exhausted turn.
const exhaustedReply = "Reached maximum iterations without a final answer."

// invalidApprovalReply is returned by Resume when the supplied approval
// id does not verify. History is not advanced in that case.
const invalidApprovalReply = "Invalid or non-allowed approval_id."

// ProviderError wraps a failure from the chat-completion backend. The
// turn is not retried; the error text becomes the reply.
type ProviderError struct {
	Cause error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error: %v", e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }
