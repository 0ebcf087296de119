package connection

import (
	"context"

	"github.com/google/uuid"

	"grimm.is/pftablesd/internal/logging"
	"grimm.is/pftablesd/internal/protocol"
	"grimm.is/pftablesd/internal/ruletables"
)

// ruleWorker is the subset of worker.Worker a connection needs. A
// narrow interface here keeps this package testable without spawning
// real subprocesses.
type ruleWorker interface {
	Load(ctx context.Context) ([]string, error)
	Save(ctx context.Context, tables map[string][]string) ([]string, error)
	Close(failed bool) error
}

// Notifier is how a Connection tells its owner that a commit (or a
// failed attempt at one) has happened, so every other client's
// connection can be pushed back to Void. Satisfied by the daemon
// package; kept as an interface here to avoid an import cycle.
type Notifier interface {
	Reloaded(self *Connection)
}

// Connection drives one client's dialog through the six-state
// machine in state.go. Exactly one of these exists per accepted
// socket.
type Connection struct {
	ID     string
	Family AddressFamily
	PID    int
	UID    int
	GID    int

	cache  *ruletables.Cache
	worker ruleWorker
	notify Notifier
	log    *logging.Logger

	framer *protocol.Framer
	state  State

	saveTables  map[string][]string
	saveCurrent string
}

// AddressFamily re-exports ruletables.AddressFamily so callers don't
// need to import that package just to construct a Connection.
type AddressFamily = ruletables.AddressFamily

// New returns a Connection in the Void state, matching a freshly
// accepted client: nothing is trusted until it LOADs or SYNCs.
func New(family AddressFamily, cache *ruletables.Cache, worker ruleWorker, notify Notifier, log *logging.Logger) *Connection {
	return &Connection{
		ID:     uuid.New().String(),
		Family: family,
		cache:  cache,
		worker: worker,
		notify: notify,
		log:    log,
		framer: protocol.NewFramer(),
		state:  Void,
	}
}

// State reports the connection's current dialog state, mainly for
// tests and diagnostics.
func (c *Connection) State() State {
	return c.state
}

// Reset forces the connection back to Void, used by the daemon's
// invalidation fanout when another client commits a change.
func (c *Connection) Reset() {
	c.state = Void
}

// Handle processes one raw line received from the client, stripping
// its leading opaque token, and returns the framed reply lines to
// send back.
func (c *Connection) Handle(line string) []string {
	msg, ok := protocol.ParseClientLine(line)
	if !ok {
		c.log.Warn("malformed client line discarded", "line", line)
		return nil
	}

	mh, ok := c.state.(MessageHandler)
	if !ok {
		// The current state only runs on entry and never reacts to a
		// message; a client sending anything here is out of step with
		// the protocol, report without dropping the connection.
		err := &ProtocolError{State: c.state.Name(), Message: msg}
		c.log.Warn("unhandled message", "error", err)
		return c.framer.FormatAll([]string{protocol.Failure("unexpected message")})
	}

	replies, next, reloaded, err := mh.HandleMessage(c, msg)
	if err != nil {
		c.log.Error("handling message failed", "state", c.state.Name(), "error", err)
		return c.framer.FormatAll([]string{protocol.Failure(err.Error())})
	}

	if next != nil {
		more := c.transition(next)
		replies = append(replies, more...)
	}

	if reloaded && c.notify != nil {
		c.notify.Reloaded(c)
	}

	return c.framer.FormatAll(replies)
}

// transition drives the connection through any chain of EntryHandler
// states reachable from next without waiting for further client
// input, collecting each state's replies along the way. It stops at
// the first state that either doesn't run on entry or that hands
// control back to itself.
func (c *Connection) transition(next State) []string {
	var replies []string
	cur := next

	for {
		eh, ok := cur.(EntryHandler)
		if !ok {
			break
		}

		r, nextState, err := eh.OnEntry(c)
		replies = append(replies, r...)
		if err != nil {
			c.log.Error("state entry failed", "state", cur.Name(), "error", err)
			nextState = Sync
		}

		if nextState == nil || nextState.Name() == cur.Name() {
			break
		}
		cur = nextState
	}

	c.state = cur
	return replies
}

// Greeting returns the line a connection sends immediately after
// being accepted ("PFTABLES/1"). It is unframed: the sequence
// numbering a client can rely on starts at 000 with the first real
// reply (e.g. a LOAD's dump), not with this version announcement.
func (c *Connection) Greeting() string {
	return protocol.Greeting
}
