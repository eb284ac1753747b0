package session

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pzhenzhou/respgo/pkg/common"
	"github.com/pzhenzhou/respgo/pkg/respio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, cfg *common.ConnConfig, opts ...Option) *Session {
	t.Helper()
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestExecuteRoundTrip(t *testing.T) {
	srv := newStubServer(t)
	s := newTestSession(t, srv.config())
	assert.Equal(t, StateReady, s.State())

	reply, err := s.Do("ECHO", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.Text())

	reply, err = s.Execute("PING")
	require.NoError(t, err)
	assert.True(t, reply.IsStatus([]byte("PONG")))
	assert.Zero(t, s.Pending())
}

func TestPipelineKeepsOrderAcrossFragments(t *testing.T) {
	srv := newStubServer(t, func(c *stubConn) {
		for i := 0; i < 3; i++ {
			if c.readCommand() == nil {
				return
			}
		}
		c.raw("+A\r\n+B")
		time.Sleep(20 * time.Millisecond)
		c.raw("\r\n+C\r\n")
		c.readCommand()
	})
	s := newTestSession(t, srv.config())

	for _, cmd := range []string{"A", "B", "C"} {
		require.NoError(t, s.Send("ECHO", respio.StringArgs(cmd), nil))
	}
	assert.Equal(t, 3, s.Pending())
	for _, want := range []string{"A", "B", "C"} {
		reply, err := s.ReceiveNext()
		require.NoError(t, err)
		assert.Equal(t, want, reply.Text())
	}
	assert.Zero(t, s.Pending())
}

func TestContinuationsRunInOrder(t *testing.T) {
	srv := newStubServer(t)
	s := newTestSession(t, srv.config())

	var got []string
	for _, word := range []string{"a", "b", "c"} {
		require.NoError(t, s.Send("ECHO", respio.StringArgs(word), func(_ *Session, reply *respio.RespPacket, err error) {
			require.NoError(t, err)
			got = append(got, reply.Text())
		}))
	}
	require.NoError(t, s.Drain())
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Zero(t, s.Pending())
}

func TestPollDoesNotBlock(t *testing.T) {
	srv := newStubServer(t)
	s := newTestSession(t, srv.config())

	start := time.Now()
	require.NoError(t, s.Poll())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	called := false
	require.NoError(t, s.Send("PING", nil, func(_ *Session, reply *respio.RespPacket, err error) {
		called = err == nil && reply.IsStatus([]byte("PONG"))
	}))
	deadline := time.Now().Add(2 * time.Second)
	for !called && time.Now().Before(deadline) {
		require.NoError(t, s.Poll())
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, called)
}

func TestExecuteWithOutstandingRepliesIsMisuse(t *testing.T) {
	srv := newStubServer(t)
	s := newTestSession(t, srv.config())

	require.NoError(t, s.Send("PING", nil, nil))
	_, err := s.Execute("PING")
	assert.True(t, IsProtocolMisuse(err))

	reply, err := s.ReceiveNext()
	require.NoError(t, err)
	assert.Equal(t, "PONG", reply.Text())

	_, err = s.ReceiveNext()
	assert.True(t, IsProtocolMisuse(err))
}

func TestErrorModes(t *testing.T) {
	wrongType := func(c *stubConn) {
		for c.readCommand() != nil {
			c.reply(respio.NewError("WRONGTYPE Operation against a key holding the wrong kind of value"))
		}
	}

	t.Run("raise", func(t *testing.T) {
		srv := newStubServer(t, wrongType)
		s := newTestSession(t, srv.config())
		reply, err := s.Do("INCR", "k")
		assert.Nil(t, reply)
		remote, ok := AsRemoteError(err)
		require.True(t, ok)
		assert.Equal(t, "WRONGTYPE", remote.Prefix())
	})

	t.Run("value", func(t *testing.T) {
		srv := newStubServer(t, wrongType)
		cfg := srv.config()
		cfg.ErrorMode = common.ErrorModeValue
		s := newTestSession(t, cfg)
		reply, err := s.Do("INCR", "k")
		require.NoError(t, err)
		assert.True(t, reply.IsError())
		assert.Equal(t, "WRONGTYPE", reply.ErrorPrefix())
	})
}

func TestCleanDisconnectReconnectsTransparently(t *testing.T) {
	closed := make(chan struct{})
	srv := newStubServer(t, func(c *stubConn) {
		c.readCommand()
		c.reply(respio.NewStatus("PONG"))
		_ = c.Close()
		close(closed)
	})
	s := newTestSession(t, srv.config())

	_, err := s.Execute("PING")
	require.NoError(t, err)
	<-closed
	time.Sleep(50 * time.Millisecond)

	reply, err := s.Execute("PING")
	require.NoError(t, err)
	assert.Equal(t, "PONG", reply.Text())
	assert.Equal(t, 2, srv.Accepted())
}

func TestDisconnectWithPendingReplyFails(t *testing.T) {
	srv := newStubServer(t, func(c *stubConn) {
		c.readCommand()
	})
	s := newTestSession(t, srv.config())

	_, err := s.Do("GET", "k")
	require.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Zero(t, s.Pending())

	reply, err := s.Execute("PING")
	require.NoError(t, err)
	assert.Equal(t, "PONG", reply.Text())
	assert.Equal(t, 2, srv.Accepted())
}

func TestDisconnectFailsContinuations(t *testing.T) {
	srv := newStubServer(t, func(c *stubConn) {
		c.readCommand()
		c.readCommand()
	})
	s := newTestSession(t, srv.config())

	var errs []error
	cont := func(_ *Session, reply *respio.RespPacket, err error) {
		assert.Nil(t, reply)
		errs = append(errs, err)
	}
	require.NoError(t, s.Send("GET", respio.StringArgs("a"), cont))
	require.NoError(t, s.Send("GET", respio.StringArgs("b"), cont))
	err := s.Drain()
	require.ErrorIs(t, err, ErrDisconnected)
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.ErrorIs(t, e, ErrDisconnected)
	}
}

func TestStatefulCloseIsLossy(t *testing.T) {
	cases := []struct {
		name   string
		begin  func(s *Session) error
		active func(s *Session) bool
		state  State
	}{
		{"open transaction", (*Session).Multi, (*Session).InTransaction, StateInTransaction},
		{"active watch", func(s *Session) error { return s.Watch("k") }, (*Session).Watching, StateReady},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			closed := make(chan struct{})
			srv := newStubServer(t, func(c *stubConn) {
				c.readCommand()
				c.reply(respio.NewStatus("OK"))
				_ = c.Close()
				close(closed)
			})
			s := newTestSession(t, srv.config())

			require.NoError(t, tc.begin(s))
			assert.True(t, tc.active(s))
			assert.Equal(t, tc.state, s.State())
			<-closed
			time.Sleep(50 * time.Millisecond)

			_, err := s.Do("SET", "k", "v")
			require.ErrorIs(t, err, ErrDisconnected)
			assert.False(t, tc.active(s))
			assert.Equal(t, StateDisconnected, s.State())
			// no transparent reconnect happened
			assert.Equal(t, 1, srv.Accepted())
		})
	}
}

func TestReceiveTimeout(t *testing.T) {
	srv := newStubServer(t, func(c *stubConn) {
		c.readCommand()
		c.readCommand()
	})
	cfg := srv.config()
	cfg.Timeout = 50 * time.Millisecond
	s := newTestSession(t, cfg)

	_, err := s.Do("BLPOP", "q", 0)
	require.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, StateReady, s.State())
}

func TestCorruptStreamIsFatal(t *testing.T) {
	srv := newStubServer(t, func(c *stubConn) {
		c.readCommand()
		c.raw("?what\r\n")
		c.readCommand()
	})
	s := newTestSession(t, srv.config())

	_, err := s.Execute("PING")
	var decodeErr *respio.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestHandshake(t *testing.T) {
	srv := newStubServer(t, func(c *stubConn) {
		assert.Equal(t, []string{"AUTH", "alice", "secret"}, c.readCommand())
		c.reply(respio.NewStatus("OK"))
		assert.Equal(t, []string{"SELECT", "2"}, c.readCommand())
		c.reply(respio.NewStatus("OK"))
		assert.Equal(t, []string{"CLIENT", "SETNAME", "tester"}, c.readCommand())
		c.reply(respio.NewStatus("OK"))
		servePing(c)
	})
	cfg := srv.config()
	cfg.Username = "alice"
	cfg.Password = "secret"
	cfg.DB = 2
	cfg.ClientName = "tester"
	s := newTestSession(t, cfg)

	reply, err := s.Execute("PING")
	require.NoError(t, err)
	assert.Equal(t, "PONG", reply.Text())
}

func TestHandshakeErrorFailsConnect(t *testing.T) {
	srv := newStubServer(t, func(c *stubConn) {
		c.readCommand()
		c.reply(respio.NewError("WRONGPASS invalid username-password pair"))
	})
	cfg := srv.config()
	cfg.Password = "nope"

	_, err := New(cfg)
	require.ErrorIs(t, err, ErrConnectGaveUp)
	remote, ok := AsRemoteError(err)
	require.True(t, ok)
	assert.Equal(t, "WRONGPASS", remote.Prefix())
	// an error reply is final, no further attempts are made
	assert.Equal(t, 1, srv.Accepted())
}

func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestConnectErrorHook(t *testing.T) {
	t.Run("hook redirects and retries", func(t *testing.T) {
		srv := newStubServer(t)
		cfg := srv.config()
		cfg.Addr = unusedAddr(t)
		cfg.ReconnectAttempts = 2

		calls := 0
		s := newTestSession(t, cfg, WithConnectErrorHook(func(c *common.ConnConfig, err error) bool {
			calls++
			assert.Error(t, err)
			c.Addr = srv.Addr()
			return true
		}))
		assert.Equal(t, 1, calls)
		assert.Equal(t, srv.Addr(), s.Addr())

		reply, err := s.Execute("PING")
		require.NoError(t, err)
		assert.Equal(t, "PONG", reply.Text())
	})

	t.Run("hook gives up", func(t *testing.T) {
		cfg := common.DefaultConnConfig(unusedAddr(t))
		cfg.ReconnectAttempts = 2
		cfg.ReconnectDelay = time.Millisecond
		cfg.ReconnectMaxDelay = 2 * time.Millisecond

		calls := 0
		_, err := New(cfg, WithConnectErrorHook(func(*common.ConnConfig, error) bool {
			calls++
			return false
		}))
		require.ErrorIs(t, err, ErrConnectGaveUp)
		assert.Equal(t, 1, calls)
	})

	t.Run("no hook", func(t *testing.T) {
		cfg := common.DefaultConnConfig(unusedAddr(t))
		cfg.ReconnectAttempts = 1
		_, err := New(cfg)
		assert.ErrorIs(t, err, ErrConnectGaveUp)
	})
}

func TestLazyConnect(t *testing.T) {
	srv := newStubServer(t)
	cfg := srv.config()
	cfg.LazyConnect = true
	s := newTestSession(t, cfg)
	assert.Equal(t, StateDisconnected, s.State())

	_, err := s.ReceiveNext()
	assert.ErrorIs(t, err, ErrConnectionClosed)

	reply, err := s.Execute("PING")
	require.NoError(t, err)
	assert.Equal(t, "PONG", reply.Text())
	assert.Equal(t, StateReady, s.State())
}

func TestInvalidateForcesNewConnection(t *testing.T) {
	srv := newStubServer(t)
	s := newTestSession(t, srv.config())

	_, err := s.Execute("PING")
	require.NoError(t, err)
	s.Invalidate()
	_, err = s.Execute("PING")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Accepted())
}

func TestClosedSession(t *testing.T) {
	srv := newStubServer(t)
	s, err := New(srv.config())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	_, err = s.Execute("PING")
	assert.True(t, errors.Is(err, ErrSessionClosed))
}
