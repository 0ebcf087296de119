package protocol

import (
	"fmt"
	"strings"
)

// Greeting is the first line a server sends a newly accepted
// connection, identifying the protocol version before any command
// dialog begins.
const Greeting = "PFTABLES/1"

// seqWrap is the modulus server sequence numbers wrap at: three hex
// digits, 0x000-0xfff.
const seqWrap = 0x1000

// Framer assigns the monotonically increasing (mod 0x1000) sequence
// prefix a connection's replies carry. It holds no socket state; a
// Framer is created once per connection alongside its Connection.
type Framer struct {
	next int
}

// NewFramer returns a Framer starting its sequence at zero.
func NewFramer() *Framer {
	return &Framer{}
}

// Format renders msg as a single "NNN msg" server-to-client line
// (without a trailing newline) and advances the sequence counter.
func (f *Framer) Format(msg string) string {
	line := fmt.Sprintf("%03x %s", f.next, msg)
	f.next = (f.next + 1) % seqWrap
	return line
}

// FormatAll frames each line in msgs, preserving order.
func (f *Framer) FormatAll(msgs []string) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = f.Format(m)
	}
	return out
}

// ParseClientLine splits a line received from a client on its first
// space and returns the suffix, discarding whatever leading opaque
// token the client sent (the server tracks its own state machine
// regardless of what a client's local counter says, if it bothers to
// keep one at all). A line with no space is malformed and ok is
// false; the caller should discard it with a warning rather than
// treat it as a command.
func ParseClientLine(line string) (payload string, ok bool) {
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return "", false
	}
	return line[idx+1:], true
}
