package respio

import "github.com/pzhenzhou/respgo/pkg/common"

type TxCmdStateType string

const (
	TxCmdStateBegin TxCmdStateType = "begin"
	TxCmdStateEnd   TxCmdStateType = "end"
)

var (
	AuthCmd         = []byte("AUTH")
	SelectCmd       = []byte("SELECT")
	ClientCmd       = []byte("CLIENT")
	SetNameArg      = []byte("SETNAME")
	MultiCmd        = []byte("MULTI")
	WatchCmd        = []byte("WATCH")
	UnwatchCmd      = []byte("UNWATCH")
	ExecCmd         = []byte("EXEC")
	DiscardCmd      = []byte("DISCARD")
	SubscribeCmd    = []byte("SUBSCRIBE")
	PSubscribeCmd   = []byte("PSUBSCRIBE")
	UnsubscribeCmd  = []byte("UNSUBSCRIBE")
	PUnsubscribeCmd = []byte("PUNSUBSCRIBE")
	PingCmd         = []byte("PING")
	QuitCmd         = []byte("QUIT")
	AskingCmd       = []byte("ASKING")
	ClusterCmd      = []byte("CLUSTER")
	OkReply         = []byte("OK")
	QueuedReply     = []byte("QUEUED")
)

const (
	CRLF     = "\r\n"
	Nil      = "$-1\r\n"
	NilArray = "*-1\r\n"
)

const (
	DefaultBufferSize = 8 * common.KB
	// MaxBulkLength bounds a single bulk string or array announcement.
	MaxBulkLength = 512 * common.MB
)

const (
	RespStatus = byte('+') // +<string>\r\n
	RespError  = byte('-') // -<string>\r\n
	RespString = byte('$') // $<length>\r\n<bytes>\r\n
	RespInt    = byte(':') // :<number>\r\n
	RespArray  = byte('*') // *<len>\r\n...
)
