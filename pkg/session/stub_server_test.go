package session

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pzhenzhou/respgo/pkg/common"
	"github.com/pzhenzhou/respgo/pkg/respio"
	"github.com/stretchr/testify/require"
)

type connHandler func(c *stubConn)

// stubServer accepts connections and runs handlers[i] on the i-th one.
// Connections beyond the scripted ones get servePing.
type stubServer struct {
	ln       net.Listener
	handlers []connHandler
	accepted atomic.Int32
	wg       sync.WaitGroup
}

func newStubServer(t *testing.T, handlers ...connHandler) *stubServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &stubServer{ln: ln, handlers: handlers}
	go srv.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		srv.wg.Wait()
	})
	return srv
}

func (srv *stubServer) serve() {
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			return
		}
		idx := int(srv.accepted.Add(1)) - 1
		handler := servePing
		if idx < len(srv.handlers) {
			handler = srv.handlers[idx]
		}
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			defer conn.Close()
			handler(newStubConn(conn))
		}()
	}
}

func (srv *stubServer) Addr() string {
	return srv.ln.Addr().String()
}

func (srv *stubServer) Accepted() int {
	return int(srv.accepted.Load())
}

func (srv *stubServer) config() *common.ConnConfig {
	cfg := common.DefaultConnConfig(srv.Addr())
	cfg.ReconnectDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 10 * time.Millisecond
	return cfg
}

type stubConn struct {
	net.Conn
	dec *respio.Decoder
	w   *respio.RespWriter
	buf []byte
}

func newStubConn(conn net.Conn) *stubConn {
	return &stubConn{
		Conn: conn,
		dec:  respio.NewDecoder(),
		w:    respio.NewRespWriter(conn),
		buf:  make([]byte, 4096),
	}
}

// readCommand returns the next command, or nil once the client went away.
func (c *stubConn) readCommand() []string {
	for {
		pkt, ok, err := c.dec.Next()
		if err != nil {
			return nil
		}
		if ok {
			args, _ := pkt.Strings()
			return args
		}
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := c.Conn.Read(c.buf)
		if n > 0 {
			c.dec.Write(c.buf[:n])
			continue
		}
		if err != nil {
			return nil
		}
	}
}

func (c *stubConn) reply(pkts ...*respio.RespPacket) {
	for _, pkt := range pkts {
		_ = c.w.Write(pkt)
	}
	_ = c.w.Flush()
}

func (c *stubConn) raw(s string) {
	_, _ = c.Conn.Write([]byte(s))
}

func servePing(c *stubConn) {
	for {
		cmd := c.readCommand()
		if cmd == nil {
			return
		}
		switch strings.ToUpper(cmd[0]) {
		case "PING":
			c.reply(respio.NewStatus("PONG"))
		case "ECHO":
			c.reply(respio.NewBulkString(cmd[1]))
		default:
			c.reply(respio.NewStatus("OK"))
		}
	}
}

func pushArray(items ...any) *respio.RespPacket {
	out := make([]*respio.RespPacket, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case int:
			out = append(out, respio.NewInt(int64(v)))
		case string:
			out = append(out, respio.NewBulkString(v))
		}
	}
	return respio.NewArray(out...)
}
