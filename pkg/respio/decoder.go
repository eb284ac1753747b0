package respio

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/pzhenzhou/respgo/pkg/common"
)

const (
	// MaxLineLength bounds a status, error or length line.
	MaxLineLength = 64 * common.KB
	// frames pre-allocate at most this many elements, larger arrays grow on demand
	maxArrayPrealloc = 1024
)

var (
	ErrInvalidSyntax = errors.New("invalid RESP syntax")
	ErrTooLarge      = errors.New("value too large")
	ErrBadCRLFEnd    = errors.New("bad CRLF end")
	ErrInvalidUTF8   = errors.New("invalid UTF-8 in bulk string")
	ErrIncomplete    = errors.New("incomplete RESP value")

	crlf = []byte(CRLF)
)

// DecodeError reports a structurally invalid stream. The decoder that
// produced it stays poisoned until Reset, the connection has to be dropped.
type DecodeError struct {
	Offset int64
	Cause  error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("resp decode error at offset %d: %v", e.Offset, e.Cause)
	}
	return fmt.Sprintf("resp decode error at offset %d: %v: %s", e.Offset, e.Cause, e.Detail)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

type decodeState int

const (
	stateAwaitingType decodeState = iota
	stateReadingLine
	stateReadingError
	stateReadingInteger
	stateReadingBulkLength
	stateReadingBulkBody
	stateReadingArrayLength
	stateAwaitingNestedType
)

func (s decodeState) String() string {
	switch s {
	case stateAwaitingType:
		return "AwaitingType"
	case stateReadingLine:
		return "ReadingLine"
	case stateReadingError:
		return "ReadingError"
	case stateReadingInteger:
		return "ReadingInteger"
	case stateReadingBulkLength:
		return "ReadingBulkLength"
	case stateReadingBulkBody:
		return "ReadingBulkBody"
	case stateReadingArrayLength:
		return "ReadingArrayLength"
	case stateAwaitingNestedType:
		return "AwaitingNestedType"
	default:
		return "Unknown"
	}
}

// arrayFrame is a partially filled array waiting for `remaining` more elements.
type arrayFrame struct {
	remaining int
	packet    *RespPacket
}

type DecoderOption func(*Decoder)

// WithUTF8Validation makes the decoder reject bulk strings that are not valid UTF-8.
func WithUTF8Validation(enable bool) DecoderOption {
	return func(d *Decoder) {
		d.validateUTF8 = enable
	}
}

// Decoder is a resumable RESP2 state machine. Bytes go in through Feed in
// fragments of any size; complete top-level replies come out in stream order.
// Splitting a stream differently never changes the replies produced.
type Decoder struct {
	buf     []byte
	pos     int
	discard int64 // bytes compacted away, used for error offsets

	state   decodeState
	bulkLen int
	frames  []arrayFrame

	validateUTF8 bool
	err          error
}

func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		buf: make([]byte, 0, DefaultBufferSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends data and returns every reply completed by it.
func (d *Decoder) Feed(data []byte) ([]*RespPacket, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.Write(data)
	var out []*RespPacket
	for {
		pkt, ok, err := d.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, pkt)
	}
}

// Write appends data to the internal buffer without decoding it.
func (d *Decoder) Write(data []byte) {
	d.compact()
	d.buf = append(d.buf, data...)
}

// Next decodes at most one top-level reply. ok is false when more bytes are needed.
func (d *Decoder) Next() (pkt *RespPacket, ok bool, err error) {
	if d.err != nil {
		return nil, false, d.err
	}
	for {
		switch d.state {
		case stateAwaitingType, stateAwaitingNestedType:
			if d.pos >= len(d.buf) {
				return nil, false, nil
			}
			marker := d.buf[d.pos]
			switch marker {
			case RespStatus:
				d.state = stateReadingLine
			case RespError:
				d.state = stateReadingError
			case RespInt:
				d.state = stateReadingInteger
			case RespString:
				d.state = stateReadingBulkLength
			case RespArray:
				d.state = stateReadingArrayLength
			default:
				return nil, false, d.fail(ErrInvalidSyntax, fmt.Sprintf("unexpected type byte %q", marker))
			}
			d.pos++

		case stateReadingLine, stateReadingError:
			line, ready, lineErr := d.readLine()
			if lineErr != nil || !ready {
				return nil, false, lineErr
			}
			p := AcquireRespPacket()
			p.Type = RespStatus
			if d.state == stateReadingError {
				p.Type = RespError
			}
			p.Data = bytes.Clone(line)
			if p.Data == nil {
				p.Data = []byte{}
			}
			if done, top := d.complete(p); done {
				return top, true, nil
			}

		case stateReadingInteger:
			line, ready, lineErr := d.readLine()
			if lineErr != nil || !ready {
				return nil, false, lineErr
			}
			n, parseErr := parseInt(line)
			if parseErr != nil {
				return nil, false, d.fail(parseErr, fmt.Sprintf("integer line %q", line))
			}
			p := AcquireRespPacket()
			p.Type = RespInt
			p.Int = n
			if done, top := d.complete(p); done {
				return top, true, nil
			}

		case stateReadingBulkLength:
			line, ready, lineErr := d.readLine()
			if lineErr != nil || !ready {
				return nil, false, lineErr
			}
			n, parseErr := parseInt(line)
			if parseErr != nil {
				return nil, false, d.fail(parseErr, fmt.Sprintf("bulk length %q", line))
			}
			switch {
			case n == -1:
				p := AcquireRespPacket()
				p.Type = RespString
				p.Null = true
				if done, top := d.complete(p); done {
					return top, true, nil
				}
			case n < -1:
				return nil, false, d.fail(ErrInvalidSyntax, fmt.Sprintf("negative bulk length %d", n))
			case n > MaxBulkLength:
				return nil, false, d.fail(ErrTooLarge, fmt.Sprintf("bulk length %d", n))
			default:
				d.bulkLen = int(n)
				d.state = stateReadingBulkBody
			}

		case stateReadingBulkBody:
			// body plus its CRLF terminator must be present in full
			if len(d.buf)-d.pos < d.bulkLen+2 {
				return nil, false, nil
			}
			end := d.pos + d.bulkLen
			if d.buf[end] != '\r' || d.buf[end+1] != '\n' {
				return nil, false, d.fail(ErrBadCRLFEnd, fmt.Sprintf("bulk body of length %d", d.bulkLen))
			}
			body := d.buf[d.pos:end]
			if d.validateUTF8 && !utf8.Valid(body) {
				return nil, false, d.fail(ErrInvalidUTF8, "")
			}
			p := AcquireRespPacket()
			p.Type = RespString
			p.Data = make([]byte, d.bulkLen)
			copy(p.Data, body)
			d.pos = end + 2
			d.bulkLen = 0
			if done, top := d.complete(p); done {
				return top, true, nil
			}

		case stateReadingArrayLength:
			line, ready, lineErr := d.readLine()
			if lineErr != nil || !ready {
				return nil, false, lineErr
			}
			n, parseErr := parseInt(line)
			if parseErr != nil {
				return nil, false, d.fail(parseErr, fmt.Sprintf("array length %q", line))
			}
			switch {
			case n == -1:
				p := AcquireRespPacket()
				p.Type = RespArray
				p.Null = true
				if done, top := d.complete(p); done {
					return top, true, nil
				}
			case n == 0:
				p := AcquireRespPacket()
				p.Type = RespArray
				p.Array = []*RespPacket{}
				if done, top := d.complete(p); done {
					return top, true, nil
				}
			case n < -1:
				return nil, false, d.fail(ErrInvalidSyntax, fmt.Sprintf("negative array length %d", n))
			case n > MaxBulkLength:
				return nil, false, d.fail(ErrTooLarge, fmt.Sprintf("array length %d", n))
			default:
				p := AcquireRespPacket()
				p.Type = RespArray
				p.Array = make([]*RespPacket, 0, min(int(n), maxArrayPrealloc))
				d.frames = append(d.frames, arrayFrame{remaining: int(n), packet: p})
				d.state = stateAwaitingNestedType
			}
		}
	}
}

// complete attaches p to the innermost open array, unwinding every frame it
// fills. It returns the top-level reply once the outermost value is done.
func (d *Decoder) complete(p *RespPacket) (bool, *RespPacket) {
	for {
		if len(d.frames) == 0 {
			d.state = stateAwaitingType
			return true, p
		}
		top := &d.frames[len(d.frames)-1]
		top.packet.Array = append(top.packet.Array, p)
		top.remaining--
		if top.remaining > 0 {
			d.state = stateAwaitingNestedType
			return false, nil
		}
		p = top.packet
		d.frames[len(d.frames)-1] = arrayFrame{}
		d.frames = d.frames[:len(d.frames)-1]
	}
}

// readLine returns the bytes up to the next CRLF and consumes the terminator.
func (d *Decoder) readLine() ([]byte, bool, error) {
	idx := bytes.Index(d.buf[d.pos:], crlf)
	if idx < 0 {
		if len(d.buf)-d.pos > MaxLineLength {
			return nil, false, d.fail(ErrTooLarge, "line without CRLF terminator")
		}
		return nil, false, nil
	}
	line := d.buf[d.pos : d.pos+idx]
	d.pos += idx + 2
	return line, true, nil
}

func (d *Decoder) fail(cause error, detail string) error {
	d.err = &DecodeError{
		Offset: d.discard + int64(d.pos),
		Cause:  cause,
		Detail: detail,
	}
	logger.V(1).Info("Decoder poisoned", "state", d.state.String(), "error", d.err)
	return d.err
}

func (d *Decoder) compact() {
	if d.pos == 0 {
		return
	}
	if d.pos == len(d.buf) {
		d.discard += int64(d.pos)
		d.buf = d.buf[:0]
		d.pos = 0
		return
	}
	if d.pos > len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.pos:])
		d.discard += int64(d.pos)
		d.buf = d.buf[:n]
		d.pos = 0
	}
}

// Buffered returns the number of received bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.pos
}

// InProgress reports whether a reply has been started but not finished.
func (d *Decoder) InProgress() bool {
	return d.state != stateAwaitingType || len(d.frames) > 0 || d.Buffered() > 0
}

// Err returns the error that poisoned the decoder, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Reset drops all buffered bytes and partial state.
func (d *Decoder) Reset() {
	for i := range d.frames {
		ReleaseRespPacket(d.frames[i].packet)
	}
	d.frames = d.frames[:0]
	d.buf = d.buf[:0]
	d.pos = 0
	d.discard = 0
	d.state = stateAwaitingType
	d.bulkLen = 0
	d.err = nil
}

// DecodeAll decodes a complete stream; trailing partial data is ErrIncomplete.
func DecodeAll(data []byte, opts ...DecoderOption) ([]*RespPacket, error) {
	d := NewDecoder(opts...)
	out, err := d.Feed(data)
	if err != nil {
		return out, err
	}
	if d.InProgress() {
		return out, ErrIncomplete
	}
	return out, nil
}

// parseInt parses a signed decimal line.
func parseInt(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, ErrInvalidSyntax
	}
	if len(b) < 10 { // Fast path for small numbers
		var neg, i = false, 0
		switch b[0] {
		case '-':
			neg = true
			fallthrough
		case '+':
			i++
		}
		if len(b) != i {
			var n int64
			for ; i < len(b) && b[i] >= '0' && b[i] <= '9'; i++ {
				n = int64(b[i]-'0') + n*10
			}
			if len(b) == i {
				if neg {
					n = -n
				}
				return n, nil
			}
		}
		return 0, ErrInvalidSyntax
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, ErrInvalidSyntax
	}
	return n, nil
}
