package protocol

import "strings"

// Commands a client may send once past the greeting.
const (
	CmdLoad   = "LOAD"
	CmdSync   = "SYNC"
	CmdSave   = "SAVE"
	CmdCommit = "COMMIT"
	CmdBoot   = "BOOT"

	// TablePrefix introduces a table name while in the SAVE state;
	// everything the client sends until the next TABLE/ line or
	// COMMIT is appended as a rule-tail line for that table.
	TablePrefix = "TABLE/"
)

// Replies the server sends back.
const (
	ReplyOK      = "OK"
	replyFailure = "FAILURE/"
)

// Failure renders a FAILURE/<reason> reply line.
func Failure(reason string) string {
	return replyFailure + reason
}

// ParseTableHeader reports whether msg introduces a table block and,
// if so, returns its name.
func ParseTableHeader(msg string) (name string, ok bool) {
	if !strings.HasPrefix(msg, TablePrefix) {
		return "", false
	}
	return strings.TrimPrefix(msg, TablePrefix), true
}
