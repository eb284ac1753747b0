package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDisconnected reports a transport failure while replies were owed.
	ErrDisconnected = errors.New("connection lost with replies pending")
	// ErrTimeout reports an elapsed read or write deadline. The session stays usable.
	ErrTimeout = errors.New("timed out waiting for reply")
	// ErrConnectionClosed reports a peer that closed the connection with nothing pending.
	ErrConnectionClosed = errors.New("connection closed by peer")
	// ErrConnectGaveUp is terminal: every connect attempt failed and the hook declined to continue.
	ErrConnectGaveUp = errors.New("gave up connecting")
	ErrSessionClosed = errors.New("session closed")
)

// RemoteError is an error reply sent by the server, message kept verbatim.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Prefix returns the error code, e.g. MOVED, ASK or WRONGTYPE.
func (e *RemoteError) Prefix() string {
	if idx := strings.IndexByte(e.Message, ' '); idx >= 0 {
		return e.Message[:idx]
	}
	return e.Message
}

// ProtocolMisuse is a local state violation. It is raised whatever the error mode.
type ProtocolMisuse struct {
	Command string
	Reason  string
}

func (e *ProtocolMisuse) Error() string {
	if e.Command == "" {
		return "protocol misuse: " + e.Reason
	}
	return fmt.Sprintf("protocol misuse: %s: %s", e.Command, e.Reason)
}

func misuse(cmd, reason string) error {
	return &ProtocolMisuse{Command: cmd, Reason: reason}
}

// AsRemoteError unwraps err into a server error reply if it is one.
func AsRemoteError(err error) (*RemoteError, bool) {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote, true
	}
	return nil, false
}

// IsProtocolMisuse reports whether err is a local state violation.
func IsProtocolMisuse(err error) bool {
	var pm *ProtocolMisuse
	return errors.As(err, &pm)
}
