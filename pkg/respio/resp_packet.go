package respio

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pzhenzhou/respgo/pkg/common"
)

var (
	logger = common.InitLogger().WithName("resp")

	ErrNotInteger = errors.New("reply is not an integer")
	ErrNotArray   = errors.New("reply is not an array")
	ErrNilReply   = errors.New("reply is nil")
)

// RespPacket is one decoded reply. Type is one of the RESP2 markers.
// Null marks the protocol null bulk string ($-1) and null array (*-1); an
// empty bulk or empty array has Null == false.
type RespPacket struct {
	Type  byte
	Data  []byte
	Int   int64
	Array []*RespPacket
	Null  bool
}

func NewStatus(s string) *RespPacket {
	return &RespPacket{Type: RespStatus, Data: []byte(s)}
}

func NewError(msg string) *RespPacket {
	return &RespPacket{Type: RespError, Data: []byte(msg)}
}

func NewInt(n int64) *RespPacket {
	return &RespPacket{Type: RespInt, Int: n}
}

func NewBulk(b []byte) *RespPacket {
	if b == nil {
		b = []byte{}
	}
	return &RespPacket{Type: RespString, Data: b}
}

func NewBulkString(s string) *RespPacket {
	return NewBulk([]byte(s))
}

func NewNullBulk() *RespPacket {
	return &RespPacket{Type: RespString, Null: true}
}

func NewArray(items ...*RespPacket) *RespPacket {
	if items == nil {
		items = []*RespPacket{}
	}
	return &RespPacket{Type: RespArray, Array: items}
}

func NewNullArray() *RespPacket {
	return &RespPacket{Type: RespArray, Null: true}
}

func (p *RespPacket) IsError() bool {
	return p != nil && p.Type == RespError
}

func (p *RespPacket) IsNull() bool {
	return p == nil || p.Null
}

// Text returns the textual payload of a status, error or bulk reply.
func (p *RespPacket) Text() string {
	if p == nil {
		return ""
	}
	if p.Type == RespInt {
		return strconv.FormatInt(p.Int, 10)
	}
	return string(p.Data)
}

// Integer returns the value of an integer reply, or parses a bulk string.
func (p *RespPacket) Integer() (int64, error) {
	if p.IsNull() {
		return 0, ErrNilReply
	}
	switch p.Type {
	case RespInt:
		return p.Int, nil
	case RespString, RespStatus:
		n, err := strconv.ParseInt(string(p.Data), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotInteger, p.Data)
		}
		return n, nil
	default:
		return 0, ErrNotInteger
	}
}

// Strings flattens an array of bulk/status replies, mapping null elements to "".
func (p *RespPacket) Strings() ([]string, error) {
	if p.IsNull() {
		return nil, ErrNilReply
	}
	if p.Type != RespArray {
		return nil, ErrNotArray
	}
	out := make([]string, len(p.Array))
	for i, item := range p.Array {
		out[i] = item.Text()
	}
	return out, nil
}

// ErrorPrefix returns the first word of an error reply, e.g. MOVED or WRONGTYPE.
func (p *RespPacket) ErrorPrefix() string {
	if !p.IsError() {
		return ""
	}
	if idx := bytes.IndexByte(p.Data, ' '); idx >= 0 {
		return string(p.Data[:idx])
	}
	return string(p.Data)
}

// IsStatus reports whether p is the status reply s, case-insensitively.
func (p *RespPacket) IsStatus(s []byte) bool {
	return p != nil && p.Type == RespStatus && bytes.EqualFold(p.Data, s)
}

// Equal compares two replies structurally.
func (p *RespPacket) Equal(o *RespPacket) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Type != o.Type || p.Null != o.Null {
		return false
	}
	switch p.Type {
	case RespInt:
		return p.Int == o.Int
	case RespArray:
		if len(p.Array) != len(o.Array) {
			return false
		}
		for i := range p.Array {
			if !p.Array[i].Equal(o.Array[i]) {
				return false
			}
		}
		return true
	default:
		return bytes.Equal(p.Data, o.Data)
	}
}

// String returns a string representation of the RespPacket
// Only for debugging purposes
func (p *RespPacket) String() string {
	if p == nil {
		return "(nil)"
	}
	switch p.Type {
	case RespStatus:
		return fmt.Sprintf("Status: \"%s\"", string(p.Data))

	case RespError:
		return fmt.Sprintf("Error: %s", string(p.Data))

	case RespInt:
		return fmt.Sprintf("Integer: %d", p.Int)

	case RespString:
		if p.Null {
			return "String: (nil)"
		}
		return fmt.Sprintf("String: \"%s\"", string(p.Data))

	case RespArray:
		if p.Null {
			return "Array: (nil)"
		}
		if len(p.Array) == 0 {
			return "Array: (empty)"
		}

		var b strings.Builder
		b.WriteString("Array:\n")
		for i, elem := range p.Array {
			elemStr := elem.String()
			lines := strings.Split(elemStr, "\n")
			b.WriteString(fmt.Sprintf("  %d) %s\n", i+1, lines[0]))
			for _, line := range lines[1:] {
				b.WriteString(fmt.Sprintf("     %s\n", line))
			}
		}
		return strings.TrimRight(b.String(), "\n")

	default:
		return fmt.Sprintf("(unknown type: %c)", p.Type)
	}
}

// CommandTxState classifies MULTI/WATCH as begin and EXEC/DISCARD as end.
func CommandTxState(cmd []byte) (TxCmdStateType, bool) {
	if bytes.EqualFold(cmd, MultiCmd) || bytes.EqualFold(cmd, WatchCmd) {
		return TxCmdStateBegin, true
	} else if bytes.EqualFold(cmd, ExecCmd) || bytes.EqualFold(cmd, DiscardCmd) {
		return TxCmdStateEnd, true
	} else {
		return "", false
	}
}
