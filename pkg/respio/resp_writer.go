package respio

import (
	"bufio"
	"io"
	"strconv"
)

// AppendCommand appends the request encoding of cmd and args to dst:
// *<argc>\r\n followed by $<len>\r\n<bytes>\r\n per argument. Arguments are
// written verbatim, any character encoding has already been applied.
func AppendCommand(dst []byte, cmd []byte, args [][]byte) []byte {
	dst = append(dst, RespArray)
	dst = strconv.AppendInt(dst, int64(len(args)+1), 10)
	dst = append(dst, CRLF...)
	dst = appendBulk(dst, cmd)
	for _, arg := range args {
		dst = appendBulk(dst, arg)
	}
	return dst
}

func appendBulk(dst []byte, b []byte) []byte {
	dst = append(dst, RespString)
	dst = strconv.AppendInt(dst, int64(len(b)), 10)
	dst = append(dst, CRLF...)
	dst = append(dst, b...)
	return append(dst, CRLF...)
}

// EncodeCommand returns the request encoding of cmd and args.
func EncodeCommand(cmd string, args ...[]byte) []byte {
	size := 16 + len(cmd)
	for _, arg := range args {
		size += len(arg) + 16
	}
	return AppendCommand(make([]byte, 0, size), []byte(cmd), args)
}

type RespWriter struct {
	writer  *bufio.Writer
	scratch []byte
}

func NewRespWriter(w io.Writer) *RespWriter {
	return &RespWriter{
		writer: bufio.NewWriterSize(w, DefaultBufferSize),
	}
}

// WriteCommand buffers one request. Call Flush to send it.
func (w *RespWriter) WriteCommand(cmd []byte, args [][]byte) error {
	w.scratch = AppendCommand(w.scratch[:0], cmd, args)
	_, err := w.writer.Write(w.scratch)
	if cap(w.scratch) > 64*DefaultBufferSize {
		w.scratch = nil
	}
	return err
}

// WriteStatus writes a status response (e.g., "OK")
func (w *RespWriter) WriteStatus(status string) error {
	if err := w.writer.WriteByte(RespStatus); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(status); err != nil {
		return err
	}
	return w.writeCRLF()
}

func (w *RespWriter) WriteInt64(n int64) error {
	if err := w.writer.WriteByte(RespInt); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(strconv.FormatInt(n, 10)); err != nil {
		return err
	}
	return w.writeCRLF()
}

// Write writes a complete RESP packet to the underlying bufio.Writer.
func (w *RespWriter) Write(p *RespPacket) error {
	switch p.Type {
	case RespStatus:
		// +<string>\r\n
		return w.WriteStatus(string(p.Data))

	case RespError:
		// -<string>\r\n
		return w.WriteError(string(p.Data))

	case RespInt:
		// :<int>\r\n
		return w.WriteInt64(p.Int)

	case RespString:
		// $<len>\r\n<bytes>\r\n
		if p.Null {
			return w.writeNullBulk()
		}
		return w.WriteBulkString(p.Data)

	case RespArray:
		// *<len>\r\n<element-1>...<element-n>
		if p.Null {
			return w.writeNullArray()
		}
		return w.WriteArray(p.Array)

	default:
		logger.Info("RespWriter Unknown packet type", "type", p.Type)
		return ErrInvalidSyntax
	}
}

// WriteArray writes an array of RESP packets
func (w *RespWriter) WriteArray(array []*RespPacket) error {
	if err := w.writer.WriteByte(RespArray); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(strconv.Itoa(len(array))); err != nil {
		return err
	}
	if err := w.writeCRLF(); err != nil {
		return err
	}
	for _, packet := range array {
		if err := w.Write(packet); err != nil {
			logger.Error(err, "RespWriter Write error", "Pkt", packet)
			return err
		}
	}
	return nil
}

// WriteBulkString writes a bulk string
func (w *RespWriter) WriteBulkString(b []byte) error {
	if err := w.writer.WriteByte(RespString); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(strconv.Itoa(len(b))); err != nil {
		return err
	}
	if err := w.writeCRLF(); err != nil {
		return err
	}
	if _, err := w.writer.Write(b); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteError writes an error response
func (w *RespWriter) WriteError(err string) error {
	if err := w.writer.WriteByte(RespError); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(err); err != nil {
		return err
	}
	return w.writeCRLF()
}

func (w *RespWriter) writeCRLF() error {
	_, err := w.writer.WriteString(CRLF)
	return err
}

func (w *RespWriter) writeNullBulk() error {
	_, err := w.writer.WriteString(Nil)
	return err
}

func (w *RespWriter) writeNullArray() error {
	_, err := w.writer.WriteString(NilArray)
	return err
}

// Buffered returns the number of bytes waiting for Flush.
func (w *RespWriter) Buffered() int {
	return w.writer.Buffered()
}

// Flush writes any buffered data to the underlying io.Writer
func (w *RespWriter) Flush() error {
	return w.writer.Flush()
}

// Reset discards unflushed data and switches to a new destination.
func (w *RespWriter) Reset(dst io.Writer) {
	w.writer.Reset(dst)
}
