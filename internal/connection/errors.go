package connection

import "fmt"

// ProtocolError reports a message that could not be handled in the
// connection's current state.
type ProtocolError struct {
	State   string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("connection: unhandled message %q in state %q", e.Message, e.State)
}
