package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pzhenzhou/respgo/pkg/common"
	"github.com/pzhenzhou/respgo/pkg/metrics"
	"github.com/pzhenzhou/respgo/pkg/respio"
)

var logger = common.InitLogger().WithName("session")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateSubscribed
	StateInTransaction
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateSubscribed:
		return "subscribed"
	case StateInTransaction:
		return "in-transaction"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectErrorHook runs after a round of connect attempts failed. It may
// change cfg (e.g. Addr) before the next round; returning false gives up.
type ConnectErrorHook func(cfg *common.ConnConfig, err error) bool

type Option func(*Session)

func WithConnectErrorHook(hook ConnectErrorHook) Option {
	return func(s *Session) {
		s.onConnectError = hook
	}
}

func WithMetrics(collector metrics.ClientMetricsCollector) Option {
	return func(s *Session) {
		s.tracker = metrics.NewCommandTracker(collector)
	}
}

// Session is one pipelined connection. It is not safe for concurrent use:
// one caller drives it, and continuations run on that caller's stack from
// inside Send, Poll, ReceiveNext or Drain.
type Session struct {
	// Id stays the same across reconnects.
	Id  string
	cfg *common.ConnConfig

	conn    net.Conn
	writer  *respio.RespWriter
	decoder *respio.Decoder
	readBuf []byte

	queue       replyQueue
	results     []result
	pendingSync int // sync entries in queue plus results not yet returned

	pid         int
	invalidated bool
	connecting  bool
	closed      bool

	inTx     bool
	watching bool

	subscribed    bool
	channels      map[string]Subscriber
	patterns      map[string]Subscriber
	defaultSubber Subscriber

	onConnectError ConnectErrorHook
	tracker        *metrics.CommandTracker
}

// New builds a session for cfg and connects unless cfg.LazyConnect is set.
func New(cfg *common.ConnConfig, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = common.DefaultConnConfig("")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		Id:       shortuuid.New(),
		cfg:      cfg.Clone(),
		decoder:  respio.NewDecoder(respio.WithUTF8Validation(cfg.UTF8)),
		readBuf:  make([]byte, respio.DefaultBufferSize),
		channels: make(map[string]Subscriber),
		patterns: make(map[string]Subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracker == nil {
		s.tracker = metrics.NewCommandTracker(nil)
	}
	if !s.cfg.LazyConnect {
		if err := s.connect(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Config returns the live connection config, including hook changes.
func (s *Session) Config() *common.ConnConfig {
	return s.cfg
}

func (s *Session) Addr() string {
	return s.cfg.Addr
}

func (s *Session) State() State {
	switch {
	case s.closed:
		return StateClosed
	case s.connecting:
		return StateConnecting
	case s.subscribed:
		return StateSubscribed
	case s.conn == nil:
		return StateDisconnected
	case s.inTx:
		return StateInTransaction
	default:
		return StateReady
	}
}

// Pending returns the number of replies still owed to entries or waiting in
// the result list.
func (s *Session) Pending() int {
	return s.queue.len() + len(s.results)
}

// Send writes one command. With a nil cont the reply is collected for
// ReceiveNext; otherwise cont receives it. Subscription replies are pushed to
// the Subscribe callbacks or the default subscriber, so a continuation is
// rejected for (P)SUBSCRIBE and for anything sent while subscribed.
func (s *Session) Send(cmd string, args [][]byte, cont Continuation) error {
	if s.closed {
		return ErrSessionClosed
	}
	name := strings.ToUpper(cmd)
	if cont != nil && (s.subscribed || name == "SUBSCRIBE" || name == "PSUBSCRIBE") {
		return misuse(name, "subscription replies are delivered to subscribers, not continuations")
	}
	if s.subscribed {
		if !allowedWhileSubscribed(name) {
			return misuse(name, "only (P)SUBSCRIBE, (P)UNSUBSCRIBE, PING and QUIT are allowed in subscription mode")
		}
		return s.sendSubscriptionCommand(name, args, nil)
	}
	switch name {
	case "SUBSCRIBE", "PSUBSCRIBE":
		return s.sendSubscriptionCommand(name, args, nil)
	case "MULTI":
		if s.inTx {
			return misuse(name, "MULTI calls can not be nested")
		}
	}
	if err := s.ensureConnected(); err != nil {
		return err
	}
	if err := s.Poll(); err != nil {
		return err
	}
	// Poll may have found a clean close
	if err := s.ensureConnected(); err != nil {
		return err
	}
	if err := s.writeCommand(cmd, args); err != nil {
		if lostErr := s.connectionLost(err); lostErr != nil {
			return lostErr
		}
		if err := s.ensureConnected(); err != nil {
			return err
		}
		if err := s.writeCommand(cmd, args); err != nil {
			s.teardown()
			return fmt.Errorf("%w: %w", ErrDisconnected, err)
		}
	}
	s.tracker.TrackCommand(name)
	s.queue.push(queueEntry{
		cont:    cont,
		command: name,
		raise:   s.raiseFor(name),
		sent:    time.Now(),
	})
	if cont == nil {
		s.pendingSync++
	}
	s.afterSend(name)
	return nil
}

// Poll feeds whatever has already arrived to the decoder without blocking.
func (s *Session) Poll() error {
	if s.conn != nil && s.decoder.Buffered() > 0 {
		if _, err := s.dispatchBuffered(); err != nil {
			return err
		}
	}
	for s.conn != nil {
		n, err := pollRead(s.conn, s.readBuf)
		if n > 0 {
			if ferr := s.feed(s.readBuf[:n]); ferr != nil {
				return ferr
			}
		}
		switch {
		case err == nil:
			if n < len(s.readBuf) {
				return nil
			}
		case errors.Is(err, errWouldBlock):
			return nil
		default:
			return s.connectionLost(err)
		}
	}
	return nil
}

// ReceiveNext returns the next synchronous reply, blocking for it if needed.
func (s *Session) ReceiveNext() (*respio.RespPacket, error) {
	if s.pendingSync == 0 {
		if s.conn != nil {
			if err := s.Poll(); err != nil {
				return nil, err
			}
		}
		if s.conn == nil {
			return nil, ErrConnectionClosed
		}
		return nil, misuse("", "no reply pending")
	}
	for len(s.results) == 0 {
		if err := s.readBlocking(); err != nil {
			if len(s.results) > 0 {
				break
			}
			return nil, err
		}
	}
	r := s.results[0]
	s.results[0] = result{}
	s.results = s.results[1:]
	s.pendingSync--
	return r.reply, r.err
}

// Execute sends one command and waits for its reply.
func (s *Session) Execute(cmd string, args ...[]byte) (*respio.RespPacket, error) {
	if s.pendingSync > 0 {
		return nil, misuse(strings.ToUpper(cmd), "replies of earlier commands are still outstanding")
	}
	if err := s.Send(cmd, args, nil); err != nil {
		return nil, err
	}
	return s.ReceiveNext()
}

// Do is Execute with arguments converted by respio.ToArgs.
func (s *Session) Do(cmd string, args ...any) (*respio.RespPacket, error) {
	bargs, err := respio.ToArgs(args...)
	if err != nil {
		return nil, err
	}
	return s.Execute(cmd, bargs...)
}

// Drain blocks until every queued entry has received its reply.
func (s *Session) Drain() error {
	for s.queue.len() > 0 && s.conn != nil {
		if err := s.readBlocking(); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate marks the socket as belonging to another process image. The
// next command reconnects instead of reusing it.
func (s *Session) Invalidate() {
	s.invalidated = true
}

// Reconnect drops the current connection, failing anything in flight, and
// connects again. Subscriptions are restored.
func (s *Session) Reconnect() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.conn != nil {
		s.failLost(errors.New("reconnect requested"))
	}
	s.teardown()
	return s.connect()
}

func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	s.closed = true
	s.subscribed = false
	s.inTx, s.watching = false, false
	s.failPending(ErrSessionClosed)
	s.decoder.Reset()
	logger.V(1).Info("Session closed", "Id", s.Id, "Addr", s.cfg.Addr)
	return err
}

func (s *Session) ensureConnected() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.conn != nil && (s.invalidated || s.pid != os.Getpid()) {
		logger.Info("Session socket belongs to another process image, dropping it", "Id", s.Id)
		s.failLost(errors.New("session invalidated"))
		s.teardown()
	}
	if s.conn == nil {
		return s.connect()
	}
	return nil
}

func (s *Session) raiseFor(name string) bool {
	if s.cfg.ErrorMode != common.ErrorModeValue || s.inTx || s.watching {
		return true
	}
	switch name {
	case "MULTI", "EXEC", "DISCARD", "WATCH", "UNWATCH":
		return true
	}
	return false
}

func (s *Session) afterSend(name string) {
	switch name {
	case "MULTI":
		s.inTx = true
	case "EXEC", "DISCARD":
		s.inTx = false
		s.watching = false
	case "WATCH":
		s.watching = true
	case "UNWATCH":
		s.watching = false
	}
}

// writeCommand writes and flushes one command under the write deadline.
func (s *Session) writeCommand(cmd string, args [][]byte) error {
	if s.cfg.Timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.Timeout))
	}
	if err := s.writer.WriteCommand([]byte(cmd), args); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *Session) readBlocking() error {
	if s.conn == nil {
		return ErrConnectionClosed
	}
	// never block while a complete reply is already buffered
	if s.decoder.Buffered() > 0 {
		if routed, err := s.dispatchBuffered(); err != nil || routed > 0 {
			return err
		}
	}
	if s.cfg.Timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	n, err := s.conn.Read(s.readBuf)
	if n > 0 {
		if ferr := s.feed(s.readBuf[:n]); ferr != nil {
			return ferr
		}
	}
	if err == nil {
		return nil
	}
	if common.IsTimeout(err) {
		s.tracker.TrackError("timeout")
		return fmt.Errorf("%w after %s", ErrTimeout, s.cfg.Timeout)
	}
	return s.connectionLost(err)
}

func (s *Session) feed(data []byte) error {
	s.decoder.Write(data)
	_, err := s.dispatchBuffered()
	return err
}

// dispatchBuffered routes every reply already complete in the decoder and
// returns how many it routed. A dispatch error stops it early; the rest stays
// buffered for the next call.
func (s *Session) dispatchBuffered() (int, error) {
	routed := 0
	for {
		pkt, ok, err := s.decoder.Next()
		if err != nil {
			return routed, s.fatal(err)
		}
		if !ok {
			return routed, nil
		}
		routed++
		if err := s.dispatch(pkt); err != nil {
			return routed, err
		}
		// a continuation or pubsub exit may have replaced the connection
		if s.conn == nil {
			return routed, nil
		}
	}
}

func (s *Session) dispatch(pkt *respio.RespPacket) error {
	if s.subscribed {
		return s.dispatchPush(pkt)
	}
	entry, ok := s.queue.pop()
	if !ok {
		logger.Info("Dropping reply nobody asked for", "Id", s.Id, "reply", pkt.String())
		respio.ReleaseRespPacket(pkt)
		return nil
	}
	s.tracker.TrackLatency(entry.command, entry.sent)
	var err error
	if pkt.IsError() {
		s.tracker.TrackError("remote_error")
		if entry.raise {
			err = &RemoteError{Message: pkt.Text()}
			respio.ReleaseRespPacket(pkt)
			pkt = nil
		}
	}
	if entry.cont == nil {
		s.results = append(s.results, result{reply: pkt, err: err})
		return nil
	}
	entry.cont(s, pkt, err)
	return nil
}

// connectionLost classifies a transport failure. A clean close (nothing
// owed, no transaction, no watch) is absorbed and the next command
// reconnects; anything else fails every pending entry with ErrDisconnected.
func (s *Session) connectionLost(cause error) error {
	if s.conn == nil {
		return nil
	}
	s.tracker.TrackError("disconnected")
	if s.subscribed {
		logger.Info("Subscribed session lost its connection, resubscribing", "Id", s.Id, "error", cause)
		s.teardown()
		if len(s.channels) == 0 && len(s.patterns) == 0 {
			s.subscribed = false
			return nil
		}
		return s.connect()
	}
	if s.queue.len() == 0 && !s.inTx && !s.watching {
		logger.V(1).Info("Connection closed with nothing pending", "Id", s.Id, "cause", cause)
		s.teardown()
		return nil
	}
	lostErr := s.failLost(cause)
	s.teardown()
	return lostErr
}

func (s *Session) failLost(cause error) error {
	lostErr := fmt.Errorf("%w: %w", ErrDisconnected, cause)
	logger.Info("Connection lost with work in flight",
		"Id", s.Id, "Addr", s.cfg.Addr, "pending", s.queue.len(), "inTx", s.inTx, "watching", s.watching, "cause", cause)
	s.inTx, s.watching = false, false
	s.failPending(lostErr)
	return lostErr
}

// fatal handles a corrupt stream: the connection can not be trusted.
func (s *Session) fatal(err error) error {
	logger.Error(err, "Corrupt reply stream, closing connection", "Id", s.Id, "Addr", s.cfg.Addr)
	s.tracker.TrackError("decode_error")
	s.inTx, s.watching = false, false
	s.subscribed = false
	s.failPending(err)
	s.teardown()
	return err
}

func (s *Session) failPending(err error) {
	for _, entry := range s.queue.drain() {
		if entry.cont == nil {
			s.results = append(s.results, result{err: err})
			continue
		}
		entry.cont(s, nil, err)
	}
}

// teardown closes the socket and resets the stream state. Queue, results and
// subscription tables survive.
func (s *Session) teardown() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.decoder.Reset()
}

func (s *Session) handshake(conn net.Conn) error {
	if auth := s.cfg.Auth(); auth != nil {
		if err := roundTrip(conn, s.cfg, respio.AuthCmd, auth.Args()); err != nil {
			return err
		}
	}
	if s.cfg.DB > 0 {
		if err := roundTrip(conn, s.cfg, respio.SelectCmd, respio.StringArgs(fmt.Sprint(s.cfg.DB))); err != nil {
			return err
		}
	}
	if s.cfg.ClientName != "" {
		if err := roundTrip(conn, s.cfg, respio.ClientCmd, [][]byte{respio.SetNameArg, []byte(s.cfg.ClientName)}); err != nil {
			return err
		}
	}
	return nil
}

// roundTrip sends one command on a connection that has nothing else in
// flight and expects an OK.
func roundTrip(conn net.Conn, cfg *common.ConnConfig, cmd []byte, args [][]byte) error {
	if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}
	if _, err := conn.Write(respio.AppendCommand(nil, cmd, args)); err != nil {
		return err
	}
	dec := respio.NewDecoder()
	buf := make([]byte, 512)
	for {
		pkt, ok, err := dec.Next()
		if err != nil {
			return err
		}
		if ok {
			if pkt.IsError() {
				return &RemoteError{Message: pkt.Text()}
			}
			if !pkt.IsStatus(respio.OkReply) {
				return fmt.Errorf("unexpected %s reply: %s", cmd, pkt.String())
			}
			return nil
		}
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			continue
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
}

func allowedWhileSubscribed(name string) bool {
	for _, cmd := range [][]byte{
		respio.SubscribeCmd, respio.PSubscribeCmd, respio.UnsubscribeCmd,
		respio.PUnsubscribeCmd, respio.PingCmd, respio.QuitCmd,
	} {
		if bytes.Equal(cmd, []byte(name)) {
			return true
		}
	}
	return false
}
