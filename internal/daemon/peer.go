package daemon

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Credentials is a client's identity as reported by the kernel at
// accept time (SO_PEERCRED), not anything the client itself claims.
type Credentials struct {
	PID int
	UID int
	GID int
}

func peerCredentials(conn *net.UnixConn) (Credentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Credentials{}, fmt.Errorf("daemon: peer credentials: %w", err)
	}

	var cred *unix.Ucred
	var sockErr error
	if ctrlErr := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); ctrlErr != nil {
		return Credentials{}, fmt.Errorf("daemon: peer credentials: %w", ctrlErr)
	}
	if sockErr != nil {
		return Credentials{}, fmt.Errorf("daemon: peer credentials: %w", sockErr)
	}

	return Credentials{PID: int(cred.Pid), UID: int(cred.Uid), GID: int(cred.Gid)}, nil
}
