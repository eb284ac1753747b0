package session

import (
	"testing"

	"github.com/pzhenzhou/respgo/pkg/common"
	"github.com/pzhenzhou/respgo/pkg/respio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction(t *testing.T) {
	srv := newStubServer(t, func(c *stubConn) {
		assert.Equal(t, []string{"MULTI"}, c.readCommand())
		c.reply(respio.NewStatus("OK"))
		assert.Equal(t, []string{"SET", "k", "1"}, c.readCommand())
		c.reply(respio.NewStatus("QUEUED"))
		assert.Equal(t, []string{"INCR", "k"}, c.readCommand())
		c.reply(respio.NewStatus("QUEUED"))
		assert.Equal(t, []string{"EXEC"}, c.readCommand())
		c.reply(respio.NewArray(respio.NewStatus("OK"), respio.NewInt(2)))

		assert.Equal(t, []string{"WATCH", "k"}, c.readCommand())
		c.reply(respio.NewStatus("OK"))
		assert.Equal(t, []string{"MULTI"}, c.readCommand())
		c.reply(respio.NewStatus("OK"))
		assert.Equal(t, []string{"EXEC"}, c.readCommand())
		c.reply(respio.NewNullArray())
		servePing(c)
	})
	s := newTestSession(t, srv.config())

	require.NoError(t, s.Multi())
	assert.True(t, IsProtocolMisuse(s.Multi()))
	reply, err := s.Do("SET", "k", 1)
	require.NoError(t, err)
	assert.True(t, reply.IsStatus(respio.QueuedReply))
	_, err = s.Do("INCR", "k")
	require.NoError(t, err)

	results, aborted, err := s.Exec()
	require.NoError(t, err)
	assert.False(t, aborted)
	require.Len(t, results, 2)
	assert.Equal(t, "OK", results[0].Text())
	n, err := results[1].Integer()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.False(t, s.InTransaction())

	require.NoError(t, s.Watch("k"))
	assert.True(t, s.Watching())
	require.NoError(t, s.Multi())
	results, aborted, err = s.Exec()
	require.NoError(t, err)
	assert.True(t, aborted)
	assert.Nil(t, results)
	assert.False(t, s.Watching())
	assert.Equal(t, StateReady, s.State())
}

func TestTransactionForcesRaiseMode(t *testing.T) {
	srv := newStubServer(t, func(c *stubConn) {
		c.readCommand()
		c.reply(respio.NewStatus("OK"))
		c.readCommand()
		c.reply(respio.NewError("ERR unknown command 'NOPE'"))
		c.readCommand()
		c.reply(respio.NewStatus("OK"))
		servePing(c)
	})
	cfg := srv.config()
	cfg.ErrorMode = common.ErrorModeValue
	s := newTestSession(t, cfg)

	require.NoError(t, s.Multi())
	_, err := s.Execute("NOPE")
	remote, ok := AsRemoteError(err)
	require.True(t, ok)
	assert.Equal(t, "ERR", remote.Prefix())
	require.NoError(t, s.Discard())
	assert.False(t, s.InTransaction())
}

func TestExecWithoutMulti(t *testing.T) {
	srv := newStubServer(t)
	s := newTestSession(t, srv.config())
	_, _, err := s.Exec()
	assert.True(t, IsProtocolMisuse(err))
	assert.True(t, IsProtocolMisuse(s.Discard()))
}
