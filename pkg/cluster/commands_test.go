package cluster

import (
	"testing"

	"github.com/pzhenzhou/respgo/pkg/respio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingKey(t *testing.T) {
	cases := []struct {
		name string
		cmd  string
		args []string
		key  string
	}{
		{"get", "get", []string{"k"}, "k"},
		{"set with options", "SET", []string{"k", "v", "EX", "10"}, "k"},
		{"mget first key", "MGET", []string{"a", "b"}, "a"},
		{"bitop destination", "BITOP", []string{"AND", "dest", "src"}, "dest"},
		{"eval first key", "EVAL", []string{"return 1", "1", "k"}, "k"},
		{"object subcommand", "OBJECT", []string{"ENCODING", "k"}, "k"},
		{"zunionstore destination", "ZUNIONSTORE", []string{"dest", "2", "a", "b"}, "dest"},
		{"zinterstore destination", "zinterstore", []string{"dest", "1", "a"}, "dest"},
		{"zdiffstore destination", "ZDIFFSTORE", []string{"dest", "2", "a", "b"}, "dest"},
		{"sintercard first key", "SINTERCARD", []string{"2", "a", "b", "LIMIT", "1"}, "a"},
		{"lmpop first key", "LMPOP", []string{"1", "q", "LEFT"}, "q"},
		{"zmpop first key", "ZMPOP", []string{"2", "z1", "z2", "MIN"}, "z1"},
		{"blmpop after timeout", "BLMPOP", []string{"0", "1", "q", "RIGHT"}, "q"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := routingKey(tc.cmd, respio.StringArgs(tc.args...))
			require.NoError(t, err)
			assert.Equal(t, tc.key, string(key))
		})
	}
}

func TestRoutingKeyErrors(t *testing.T) {
	_, err := routingKey("PING", nil)
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = routingKey("EVAL", respio.StringArgs("return 1", "0"))
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = routingKey("SINTERCARD", respio.StringArgs("0", "a"))
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = routingKey("BLMPOP", respio.StringArgs("1", "0", "q", "LEFT"))
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = routingKey("GET", nil)
	assert.Error(t, err)

	_, err = routingKey("GET", respio.StringArgs("a", "b"))
	assert.Error(t, err)
}

func TestLookupCommand(t *testing.T) {
	spec, ok := LookupCommand("hset")
	require.True(t, ok)
	assert.Equal(t, CommandSpec{Arity: -4, FirstKey: 1}, spec)
	_, ok = LookupCommand("INFO")
	assert.False(t, ok)
}
