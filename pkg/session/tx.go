package session

import (
	"github.com/pzhenzhou/respgo/pkg/respio"
)

// Multi opens a transaction. Commands sent until Exec or Discard are
// answered with QUEUED. Errors are always raised while it is open.
func (s *Session) Multi() error {
	_, err := s.Execute(string(respio.MultiCmd))
	return err
}

// Exec runs the queued commands. aborted is true, with nil results, when a
// watched key changed.
func (s *Session) Exec() (results []*respio.RespPacket, aborted bool, err error) {
	if !s.inTx {
		return nil, false, misuse("EXEC", "EXEC without MULTI")
	}
	reply, err := s.Execute(string(respio.ExecCmd))
	if err != nil {
		return nil, false, err
	}
	if reply.IsNull() {
		return nil, true, nil
	}
	if reply.Type != respio.RespArray {
		return nil, false, respio.ErrNotArray
	}
	return reply.Array, false, nil
}

func (s *Session) Discard() error {
	if !s.inTx {
		return misuse("DISCARD", "DISCARD without MULTI")
	}
	_, err := s.Execute(string(respio.DiscardCmd))
	return err
}

// Watch marks keys for optimistic locking. While a watch is active, losing
// the connection fails pending work instead of reconnecting silently.
func (s *Session) Watch(keys ...string) error {
	if s.inTx {
		return misuse("WATCH", "WATCH inside MULTI is not allowed")
	}
	_, err := s.Execute(string(respio.WatchCmd), respio.StringArgs(keys...)...)
	return err
}

func (s *Session) Unwatch() error {
	_, err := s.Execute(string(respio.UnwatchCmd))
	return err
}

func (s *Session) InTransaction() bool {
	return s.inTx
}

func (s *Session) Watching() bool {
	return s.watching
}
