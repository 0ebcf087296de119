package connection

import (
	"context"

	"grimm.is/pftablesd/internal/protocol"
)

// State is a node of the connection dialog. States are stateless
// singletons; per-connection data (the in-progress SAVE accumulator,
// the reply sequence counter) lives on Connection itself.
type State interface {
	Name() string
}

// MessageHandler reacts to a command line received while in this
// state.
type MessageHandler interface {
	HandleMessage(c *Connection, msg string) (replies []string, next State, reloaded bool, err error)
}

// EntryHandler runs immediately when the connection transitions into
// this state, without waiting for a client message (the Go rendering
// of the original's generator "running()" step).
type EntryHandler interface {
	OnEntry(c *Connection) (replies []string, next State, err error)
}

var (
	Void  State = voidState{}
	Sync  State = syncState{}
	Load  State = loadState{}
	Save  State = saveState{}
	Done  State = doneState{}
	Boot  State = bootState{}
)

// --- Void: the state a fresh connection and any invalidated
// connection starts in. Nothing is trusted until a LOAD/SYNC. ---

type voidState struct{}

func (voidState) Name() string { return "void" }

func (voidState) HandleMessage(c *Connection, msg string) ([]string, State, bool, error) {
	switch msg {
	case protocol.CmdLoad, protocol.CmdSync:
		return nil, Load, false, nil
	case protocol.CmdBoot:
		return nil, Boot, false, nil
	case protocol.CmdSave:
		// A client trying to SAVE without first LOAD/SYNC-ing is
		// working from state it can no longer trust; reject it and
		// force every other client back to void too, the same as a
		// successful commit would.
		return []string{protocol.Failure("current state is out-of-date")}, nil, true, nil
	default:
		return nil, nil, false, nil
	}
}

// --- Sync: the steady state once a client's cache view matches the
// daemon's. ---

type syncState struct{}

func (syncState) Name() string { return "sync" }

func (syncState) HandleMessage(c *Connection, msg string) ([]string, State, bool, error) {
	switch msg {
	case protocol.CmdSync:
		return nil, Done, false, nil
	case protocol.CmdLoad:
		return nil, Load, false, nil
	case protocol.CmdSave:
		return nil, Save, false, nil
	case protocol.CmdBoot:
		return nil, Boot, false, nil
	default:
		return nil, nil, false, nil
	}
}

// --- Load: resynchronizes the cache from the kernel and hands the
// client the resulting dump. ---

type loadState struct{}

func (loadState) Name() string { return "load" }

func (loadState) OnEntry(c *Connection) ([]string, State, error) {
	lines, err := c.worker.Load(context.Background())
	if err != nil {
		return []string{protocol.Failure(err.Error())}, Sync, nil
	}

	if err := c.cache.Load(c.Family, lines, true); err != nil {
		return []string{protocol.Failure(err.Error())}, Sync, nil
	}

	dump := c.cache.Save(c.Family)
	replies := make([]string, 0, len(dump)+1)
	replies = append(replies, dump...)
	replies = append(replies, protocol.ReplyOK)

	return replies, Sync, nil
}

// --- Save: accumulates a client's proposed rule set, table by
// table, until COMMIT. ---

type saveState struct{}

func (saveState) Name() string { return "save" }

func (saveState) OnEntry(c *Connection) ([]string, State, error) {
	c.saveTables = make(map[string][]string)
	c.saveCurrent = ""
	return nil, Save, nil
}

func (saveState) HandleMessage(c *Connection, msg string) ([]string, State, bool, error) {
	if msg == protocol.CmdCommit {
		lines, err := c.worker.Save(context.Background(), c.saveTables)
		c.saveTables = nil
		c.saveCurrent = ""

		if err != nil {
			return []string{protocol.Failure(err.Error())}, Sync, true, nil
		}

		if err := c.cache.Load(c.Family, lines, false); err != nil {
			return []string{protocol.Failure(err.Error())}, Sync, true, nil
		}

		return []string{protocol.ReplyOK}, Sync, true, nil
	}

	if name, ok := protocol.ParseTableHeader(msg); ok {
		c.saveCurrent = name
		if _, exists := c.saveTables[name]; !exists {
			c.saveTables[name] = nil
		}
		return nil, nil, false, nil
	}

	if c.saveCurrent != "" {
		c.saveTables[c.saveCurrent] = append(c.saveTables[c.saveCurrent], msg)
	}

	return nil, nil, false, nil
}

// --- Done: acknowledges a SYNC issued while already in sync. ---

type doneState struct{}

func (doneState) Name() string { return "done" }

func (doneState) OnEntry(c *Connection) ([]string, State, error) {
	return []string{protocol.ReplyOK}, Sync, nil
}

// --- Boot: discards the in-memory cache state for this family and
// re-loads from the kernel, used when a client believes the cache has
// drifted beyond what a LOAD's diff can reconcile. ---

type bootState struct{}

func (bootState) Name() string { return "boot" }

func (bootState) OnEntry(c *Connection) ([]string, State, error) {
	c.worker.Close(false)
	if lines, err := c.worker.Load(context.Background()); err == nil {
		_ = c.cache.Load(c.Family, lines, true)
	} else {
		c.log.Error("boot reload failed", "error", err)
	}

	return []string{protocol.ReplyOK}, Void, nil
}
